package core

import "time"

// TokenConfig holds the lifetimes of everything susi issues.
type TokenConfig struct {
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	ExchangeCodeTTL time.Duration

	// Issuer is written to the iss claim when set
	Issuer string
}

func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTTL:       time.Hour,
		RefreshTTL:      7 * 24 * time.Hour,
		ExchangeCodeTTL: 300 * time.Second,
	}
}

// WithDefaults fills zero durations from DefaultTokenConfig.
func (c TokenConfig) WithDefaults() TokenConfig {
	d := DefaultTokenConfig()
	if c.AccessTTL <= 0 {
		c.AccessTTL = d.AccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = d.RefreshTTL
	}
	if c.ExchangeCodeTTL <= 0 {
		c.ExchangeCodeTTL = d.ExchangeCodeTTL
	}
	return c
}
