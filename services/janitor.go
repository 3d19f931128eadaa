package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/lborres/susi/core"
)

const DefaultSweepInterval = 10 * time.Minute

// Janitor periodically deletes expired refresh tokens and exchange codes.
// Correctness never depends on it: expired rows are rejected on read.
type Janitor struct {
	refresh  core.RefreshTokenStorage
	codes    core.ExchangeCodeStorage
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewJanitor(refresh core.RefreshTokenStorage, codes core.ExchangeCodeStorage, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{refresh: refresh, codes: codes, interval: interval, logger: logger, now: time.Now}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep returns how many refresh tokens and exchange codes were removed.
func (j *Janitor) Sweep(ctx context.Context) (tokens, codes int) {
	now := j.now()

	tokens, err := j.refresh.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		j.logger.Error("failed to sweep refresh tokens", "error", err)
	}
	codes, err = j.codes.DeleteExpiredExchangeCodes(ctx, now)
	if err != nil {
		j.logger.Error("failed to sweep exchange codes", "error", err)
	}

	if tokens > 0 || codes > 0 {
		j.logger.Debug("swept expired credentials", "refresh_tokens", tokens, "exchange_codes", codes)
	}
	return tokens, codes
}
