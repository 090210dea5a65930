package localauth

import (
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// freshnessMargin is how much remaining lifetime a cached token must have to
// be served without a refresh. Callers are guaranteed tokens that stay valid
// long enough to actually be used.
const freshnessMargin = 3 * time.Minute

const (
	kindAccess = "access_token"
	kindID     = "id_token"
)

// cacheKey identifies one cached token: the token kind, the logical account
// and either the canonical scope set (access tokens) or the audience (ID
// tokens). Keys are value comparable.
type cacheKey struct {
	kind      string
	accountID string
	params    string
}

func accessKey(accountID string, canonicalScopes []string) cacheKey {
	return cacheKey{kind: kindAccess, accountID: accountID, params: strings.Join(canonicalScopes, "\x00")}
}

func idKey(accountID, audience string) cacheKey {
	return cacheKey{kind: kindID, accountID: accountID, params: audience}
}

// canonicalScopes returns the scope list sorted with duplicates removed, so
// that logically identical requests hit the same cache entry regardless of
// the order the caller listed the scopes in.
func canonicalScopes(scopes []string) []string {
	return mapset.Sorted(mapset.NewThreadUnsafeSet(scopes...))
}

// cacheEntry is either a minted token or a cached fatal minting error,
// never both.
type cacheEntry struct {
	tok   Token
	fatal *TokenError
}

// fresh reports whether the entry can be served as is. Fatal errors never go
// stale, tokens go stale once they are within freshnessMargin of expiry.
func (e cacheEntry) fresh(now time.Time) bool {
	if e.fatal != nil {
		return true
	}
	return now.Before(e.tok.Expiry.Add(-freshnessMargin))
}

// tokenCache maps cache keys to minted tokens or cached fatal errors. It does
// no locking of its own: all methods must be called with the broker state
// mutex held, and the cache is never consulted across a mint call.
type tokenCache struct {
	entries map[cacheKey]cacheEntry
}

func newTokenCache() tokenCache {
	return tokenCache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *tokenCache) get(key cacheKey) (cacheEntry, bool) {
	e, ok := c.entries[key]
	return e, ok
}

func (c *tokenCache) put(key cacheKey, e cacheEntry) {
	c.entries[key] = e
}

func (c *tokenCache) clear() {
	c.entries = make(map[cacheKey]cacheEntry)
}
