// Package devmint provides a self-signed TokenMinter for local development
// and manual testing. Access tokens are opaque random strings, ID tokens are
// HS256-signed JWTs. Nothing it produces is accepted by any real service.
package devmint

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/NDevTK/localauth"
)

const (
	// DefaultTTL is how long minted tokens stay valid unless configured
	// otherwise.
	DefaultTTL = 30 * time.Minute

	// DefaultIssuer is the iss claim of minted ID tokens and the domain of
	// synthesized account emails.
	DefaultIssuer = "devmint.local"
)

// Config tunes the development minter. The zero value is usable.
type Config struct {
	TTL    time.Duration     // token lifetime, DefaultTTL if zero
	Issuer string            // ID token issuer, DefaultIssuer if empty
	Emails map[string]string // optional account ID -> email overrides
	Clock  clockwork.Clock   // for tests, real clock if nil
}

// Minter implements localauth.TokenMinter by signing tokens itself with a
// per-instance random key. Safe for concurrent use.
type Minter struct {
	cfg Config
	key []byte

	mu     sync.Mutex
	minted int64
}

// New creates a development minter with a fresh random signing key.
func New(cfg Config) (*Minter, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return &Minter{cfg: cfg, key: key}, nil
}

// SigningKey exposes the HMAC key so tests can verify minted ID tokens.
func (m *Minter) SigningKey() []byte {
	return m.key
}

// Minted returns how many tokens this minter has produced.
func (m *Minter) Minted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minted
}

// MintAccessToken implements localauth.TokenMinter.
func (m *Minter) MintAccessToken(ctx context.Context, accountID string, scopes []string) (localauth.Token, error) {
	if err := ctx.Err(); err != nil {
		return localauth.Token{}, err
	}
	m.mu.Lock()
	m.minted++
	m.mu.Unlock()
	return localauth.Token{
		Value:  fmt.Sprintf("dev-%s-%s", accountID, uuid.NewString()),
		Expiry: m.cfg.Clock.Now().Add(m.cfg.TTL),
	}, nil
}

// MintIDToken implements localauth.TokenMinter.
func (m *Minter) MintIDToken(ctx context.Context, accountID string, audience string) (localauth.Token, error) {
	if err := ctx.Err(); err != nil {
		return localauth.Token{}, err
	}
	now := m.cfg.Clock.Now()
	expiry := now.Add(m.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    m.cfg.Issuer,
		Subject:   m.email(accountID),
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiry),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return localauth.Token{}, fmt.Errorf("signing dev ID token: %w", err)
	}
	m.mu.Lock()
	m.minted++
	m.mu.Unlock()
	return localauth.Token{Value: signed, Expiry: expiry}, nil
}

func (m *Minter) email(accountID string) string {
	if email, ok := m.cfg.Emails[accountID]; ok {
		return email
	}
	return fmt.Sprintf("%s@%s", accountID, m.cfg.Issuer)
}
