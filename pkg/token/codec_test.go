package token

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lborres/susi/core"
)

const testSecret = "this-is-a-very-long-secret-key-that-is-at-least-32-bytes"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustCodec(t *testing.T, config Config) *Codec {
	t.Helper()
	if config.Secret == nil {
		config.Secret = []byte(testSecret)
	}
	c, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// Requirement: a secret below 256 bits fails fast at construction.
func TestNew_SecretStrength(t *testing.T) {
	tests := []struct {
		name    string
		secret  []byte
		wantErr error
	}{
		{name: "empty secret", secret: nil, wantErr: core.ErrSecretRequired},
		{name: "too short", secret: []byte("too-short"), wantErr: core.ErrSigningKeyWeak},
		{name: "31 bytes", secret: []byte(strings.Repeat("a", 31)), wantErr: core.ErrSigningKeyWeak},
		{name: "exactly 32 bytes", secret: []byte(strings.Repeat("a", 32)), wantErr: nil},
		{name: "long secret", secret: []byte(testSecret), wantErr: nil},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			codec, err := New(Config{Secret: test.secret})

			// Assert
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("New() error = %v, want %v", err, test.wantErr)
			}
			if test.wantErr == nil && codec == nil {
				t.Fatal("New() returned nil codec")
			}
			if errors.Is(err, core.ErrSigningKeyWeak) && !strings.Contains(err.Error(), "32") {
				t.Errorf("expected error message to include minimum length, got %v", err)
			}
		})
	}
}

// Requirement: access tokens embed subject, authorities, issued-at and expiry.
func TestCodec_IssueAccessToken(t *testing.T) {
	// Arrange
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	codec := mustCodec(t, Config{Issuer: "susi", Now: fixedClock(now)})

	// Act
	raw, err := codec.IssueAccessToken("a@x.com", []string{"USER", "ADMIN"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	claims, err := codec.Verify(raw)

	// Assert
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(strings.Split(raw, ".")) != 3 {
		t.Errorf("token should have three dot-separated parts: %q", raw)
	}
	if got := SubjectOf(claims); got != "a@x.com" {
		t.Errorf("SubjectOf() = %q, want a@x.com", got)
	}
	if got := AuthoritiesOf(claims); len(got) != 2 || got[0] != "USER" || got[1] != "ADMIN" {
		t.Errorf("AuthoritiesOf() = %v, want [USER ADMIN]", got)
	}
	if !claims.IssuedAt.Time.Equal(now) {
		t.Errorf("iat = %v, want %v", claims.IssuedAt.Time, now)
	}
	if !claims.ExpiresAt.Time.Equal(now.Add(time.Hour)) {
		t.Errorf("exp = %v, want %v", claims.ExpiresAt.Time, now.Add(time.Hour))
	}
	if claims.TokenType != Access {
		t.Errorf("token_type = %q, want %q", claims.TokenType, Access)
	}
	if claims.ID == "" {
		t.Error("jti should be set")
	}
	if claims.Issuer != "susi" {
		t.Errorf("iss = %q, want susi", claims.Issuer)
	}
}

// Requirement: two tokens issued for the same subject in the same instant differ.
func TestCodec_IssueRefreshToken_Unique(t *testing.T) {
	// Arrange
	codec := mustCodec(t, Config{Now: fixedClock(time.Now())})

	// Act
	a, errA := codec.IssueRefreshToken("a@x.com", time.Hour)
	b, errB := codec.IssueRefreshToken("a@x.com", time.Hour)

	// Assert
	if errA != nil || errB != nil {
		t.Fatalf("IssueRefreshToken() errors = %v, %v", errA, errB)
	}
	if a == b {
		t.Error("refresh tokens issued in the same instant should differ")
	}
	claims, err := codec.Verify(a)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.TokenType != Refresh {
		t.Errorf("token_type = %q, want %q", claims.TokenType, Refresh)
	}
	if len(claims.Authorities) != 0 {
		t.Errorf("refresh token should carry no authorities, got %v", claims.Authorities)
	}
}

func TestCodec_Issue_InvalidInput(t *testing.T) {
	codec := mustCodec(t, Config{})

	if _, err := codec.IssueAccessToken("", nil, time.Hour); err == nil {
		t.Error("IssueAccessToken() should reject an empty subject")
	}
	if _, err := codec.IssueRefreshToken("a@x.com", 0); err == nil {
		t.Error("IssueRefreshToken() should reject a non-positive ttl")
	}
}

// Requirement: verify fails with Expired, SignatureInvalid or Malformed.
func TestCodec_Verify_Failures(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer := mustCodec(t, Config{Now: fixedClock(issuedAt)})
	valid, err := issuer.IssueAccessToken("a@x.com", []string{"USER"}, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		verify  *Codec
		token   func() string
		wantErr error
	}{
		{
			name:    "expired token",
			verify:  mustCodec(t, Config{Now: fixedClock(issuedAt.Add(2 * time.Minute))}),
			token:   func() string { return valid },
			wantErr: core.ErrTokenExpired,
		},
		{
			name:    "expiry is exclusive",
			verify:  mustCodec(t, Config{Now: fixedClock(issuedAt.Add(time.Minute))}),
			token:   func() string { return valid },
			wantErr: core.ErrTokenExpired,
		},
		{
			name:    "other secret",
			verify:  mustCodec(t, Config{Secret: []byte(strings.Repeat("z", 32)), Now: fixedClock(issuedAt)}),
			token:   func() string { return valid },
			wantErr: core.ErrTokenSignatureInvalid,
		},
		{
			name:   "tampered payload",
			verify: mustCodec(t, Config{Now: fixedClock(issuedAt)}),
			token: func() string {
				other, _ := issuer.IssueAccessToken("mallory@x.com", []string{"ADMIN"}, time.Minute)
				parts := strings.Split(valid, ".")
				otherParts := strings.Split(other, ".")
				return parts[0] + "." + otherParts[1] + "." + parts[2]
			},
			wantErr: core.ErrTokenSignatureInvalid,
		},
		{
			name:   "other algorithm",
			verify: mustCodec(t, Config{Now: fixedClock(issuedAt)}),
			token: func() string {
				claims := &Claims{TokenType: Access, RegisteredClaims: jwt.RegisteredClaims{
					Subject:   "a@x.com",
					IssuedAt:  jwt.NewNumericDate(issuedAt),
					ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Minute)),
				}}
				s, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
				return s
			},
			wantErr: core.ErrTokenSignatureInvalid,
		},
		{
			name:    "garbage",
			verify:  mustCodec(t, Config{}),
			token:   func() string { return "not-a-token" },
			wantErr: core.ErrTokenMalformed,
		},
		{
			name:    "empty",
			verify:  mustCodec(t, Config{}),
			token:   func() string { return "" },
			wantErr: core.ErrTokenMalformed,
		},
		{
			name:    "wrong issuer",
			verify:  mustCodec(t, Config{Issuer: "someone-else", Now: fixedClock(issuedAt)}),
			token:   func() string { return valid },
			wantErr: core.ErrTokenMalformed,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			// Act
			_, err := test.verify.Verify(test.token())

			// Assert
			if !errors.Is(err, test.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, test.wantErr)
			}
		})
	}
}

// Requirement: refresh tokens are not accepted where an access token is required.
func TestCodec_VerifyAccess_RejectsRefreshToken(t *testing.T) {
	// Arrange
	codec := mustCodec(t, Config{})
	refresh, _ := codec.IssueRefreshToken("a@x.com", time.Hour)
	access, _ := codec.IssueAccessToken("a@x.com", []string{"USER"}, time.Hour)

	// Act
	_, refreshErr := codec.VerifyAccess(refresh)
	_, accessErr := codec.VerifyAccess(access)

	// Assert
	if !errors.Is(refreshErr, core.ErrTokenTypeMismatch) {
		t.Errorf("VerifyAccess(refresh) error = %v, want ErrTokenTypeMismatch", refreshErr)
	}
	if accessErr != nil {
		t.Errorf("VerifyAccess(access) error = %v", accessErr)
	}
}

func TestCodec_Verify_Concurrent(t *testing.T) {
	// Arrange
	codec := mustCodec(t, Config{})
	raw, _ := codec.IssueAccessToken("a@x.com", []string{"USER"}, time.Hour)

	// Act
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := codec.Verify(raw)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Assert
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Verify() error = %v", err)
		}
	}
}

func FuzzCodec_Verify(f *testing.F) {
	codec, err := New(Config{Secret: []byte(testSecret)})
	if err != nil {
		f.Fatalf("New() error = %v", err)
	}
	valid, _ := codec.IssueAccessToken("a@x.com", []string{"USER"}, time.Hour)

	f.Add(valid)
	f.Add("")
	f.Add("a.b.c")
	f.Add("eyJhbGciOiJub25lIn0.e30.")
	f.Add(strings.Repeat(".", 10))

	f.Fuzz(func(t *testing.T, raw string) {
		claims, err := codec.Verify(raw)
		if err == nil {
			if claims == nil || SubjectOf(claims) == "" {
				t.Fatal("Verify() succeeded without a subject")
			}
			return
		}
		if !errors.Is(err, core.ErrTokenMalformed) &&
			!errors.Is(err, core.ErrTokenExpired) &&
			!errors.Is(err, core.ErrTokenSignatureInvalid) {
			t.Fatalf("Verify() returned unclassified error: %v", err)
		}
	})
}
