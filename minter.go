package localauth

import (
	"context"
	"fmt"
	"time"
)

// Token is an OAuth access token or an OpenID Connect ID token together with
// its expiration time. Tokens are immutable once minted.
type Token struct {
	Value  string    // the opaque token body, sent to the caller verbatim
	Expiry time.Time // expiration time, as reported by the minter
}

// TokenError is returned by a TokenMinter to signal that a token can never be
// minted for the requested (account, scopes-or-audience) combination, e.g.
// because the scopes are forbidden or the account is misconfigured.
//
// Unlike transient minter errors, a TokenError is cached: the minter will not
// be asked again for the same combination until the broker is stopped. It is
// delivered to RPC callers as an HTTP 200 reply with a non-zero error_code.
type TokenError struct {
	Code    int    // non-zero machine readable error code
	Message string // human readable error message
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token error %d: %s", e.Code, e.Message)
}

// TokenMinter produces real tokens on behalf of the broker. It is supplied by
// the embedder and typically talks to a remote signing service.
//
// Both methods may be called concurrently from multiple goroutines, so
// implementations holding state must synchronize internally. Returning a
// *TokenError marks the request permanently unservable and gets cached by the
// broker; any other error is treated as transient and surfaced to the caller
// as an HTTP 500 without being cached. Timeouts are the minter's
// responsibility, the broker imposes none.
type TokenMinter interface {
	// MintAccessToken mints an OAuth access token with the given scopes.
	// The scopes slice is sorted and duplicate free.
	MintAccessToken(ctx context.Context, accountID string, scopes []string) (Token, error)

	// MintIDToken mints an OpenID Connect ID token with the given audience.
	MintIDToken(ctx context.Context, accountID string, audience string) (Token, error)
}

// Account describes one logical account the broker can mint tokens for, e.g.
// the task service account or the system account.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
