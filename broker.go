package localauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/jonboulle/clockwork"
)

const secretLen = 48

// stoppedSecret is what the constant time check compares against when the
// broker holds no real secret, so a stopped broker spends the same time on
// the comparison as a running one.
var stoppedSecret = make([]byte, base64.StdEncoding.EncodedLen(secretLen))

var (
	cacheHitCounter   = metrics.NewRegisteredCounter("localauth/cache/hits", nil)
	cacheMissCounter  = metrics.NewRegisteredCounter("localauth/cache/misses", nil)
	mintOkCounter     = metrics.NewRegisteredCounter("localauth/mint/ok", nil)
	mintFatalCounter  = metrics.NewRegisteredCounter("localauth/mint/fatal", nil)
	mintFailedCounter = metrics.NewRegisteredCounter("localauth/mint/failed", nil)
)

// completion is a one-shot broadcast of a single mint's outcome. The owning
// goroutine fills exactly one of the result fields and then closes done; any
// number of waiters may read the fields after done is closed.
type completion struct {
	done  chan struct{}
	tok   Token
	fatal *TokenError
	err   error
}

// Broker is a loopback-only HTTP JSON RPC service minting short-lived tokens
// for co-located child processes. The parent process holds the long-lived
// credentials (wrapped into a TokenMinter); children only ever see the
// broker's port and a per-run shared secret, which they must present on
// every call.
//
// A Broker is an instance: many can coexist in one process, each with its own
// port, secret and cache. The zero value is not usable, call NewBroker.
type Broker struct {
	clock clockwork.Clock

	mu       sync.Mutex // guards everything below
	running  bool
	minter   TokenMinter
	accounts map[string]Account
	secret   []byte
	cache    tokenCache
	inflight map[cacheKey]*completion
	quit     chan struct{}

	srv       *http.Server
	listener  net.Listener
	serveDone chan struct{}
	handlers  sync.WaitGroup
}

// NewBroker returns an idle broker. Call Start to bind a port and begin
// serving.
func NewBroker() *Broker {
	return &Broker{clock: clockwork.NewRealClock()}
}

// Advertisement describes a started broker to its child processes. The
// embedder writes it into a context store visible to children (e.g. a file
// pointed to by an environment variable).
type Advertisement struct {
	RPCPort          int       `json:"rpc_port"`
	Secret           string    `json:"secret"`
	Accounts         []Account `json:"accounts"`
	DefaultAccountID string    `json:"default_account_id,omitempty"`
}

// Start binds 127.0.0.1:port (an OS-chosen port if port is 0), generates a
// fresh shared secret and starts serving RPCs. The accounts set is frozen for
// the lifetime of the run; defaultAccountID must be empty or the ID of one of
// the supplied accounts.
func (b *Broker) Start(minter TokenMinter, accounts []Account, defaultAccountID string, port int) (*Advertisement, error) {
	if minter == nil {
		return nil, errors.New("token minter is required")
	}
	if len(accounts) == 0 {
		return nil, errors.New("at least one account is required")
	}
	byID := make(map[string]Account, len(accounts))
	for _, acc := range accounts {
		if acc.ID == "" {
			return nil, errors.New("account with an empty ID")
		}
		byID[acc.ID] = acc
	}
	if defaultAccountID != "" {
		if _, ok := byID[defaultAccountID]; !ok {
			return nil, fmt.Errorf("default account %q is not in the account set", defaultAccountID)
		}
	}

	// The secret ends up in a context file readable only by the current
	// user. Presenting it back proves an RPC comes from this user's
	// processes.
	raw := make([]byte, secretLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating RPC secret: %w", err)
	}
	secret := []byte(base64.StdEncoding.EncodeToString(raw))

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding local auth port: %w", err)
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		listener.Close()
		return nil, ErrAlreadyRunning
	}
	b.running = true
	b.minter = minter
	b.accounts = byID
	b.secret = secret
	b.cache = newTokenCache()
	b.inflight = make(map[cacheKey]*completion)
	b.quit = make(chan struct{})
	b.listener = listener
	b.srv = &http.Server{Handler: http.HandlerFunc(b.serveHTTP)}
	b.serveDone = make(chan struct{})
	srv, serveDone := b.srv, b.serveDone
	b.mu.Unlock()

	go func() {
		defer close(serveDone)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Local auth server failed", "err", err)
		}
	}()

	log.Info("Local auth server is up", "addr", fmt.Sprintf("http://127.0.0.1:%d", boundPort), "accounts", len(byID))

	ad := &Advertisement{
		RPCPort:          boundPort,
		Secret:           string(secret),
		Accounts:         make([]Account, 0, len(byID)),
		DefaultAccountID: defaultAccountID,
	}
	for _, acc := range byID {
		ad.Accounts = append(ad.Accounts, acc)
	}
	sort.Slice(ad.Accounts, func(i, j int) bool { return ad.Accounts[i].ID < ad.Accounts[j].ID })
	return ad, nil
}

// Stop shuts the broker down: it stops accepting connections, wakes up every
// RPC waiting on an in-flight mint with a "stopped" reply, waits for all
// handlers to finish and drops the cached tokens and the secret. Mints still
// running in the minter are left to complete on their own goroutines; their
// results are discarded.
//
// Stop is idempotent and safe to call from any goroutine except an RPC
// handler's own (handlers never call it; an embedder triggering shutdown from
// a minter callback is fine, since mints run detached from handlers).
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.quit)
	b.cache.clear()
	b.inflight = nil
	b.minter = nil
	b.accounts = nil
	b.secret = nil
	srv, serveDone := b.srv, b.serveDone
	b.srv, b.listener = nil, nil
	b.mu.Unlock()

	log.Debug("Stopping the local auth server")

	// Drain politely first so requests racing the shutdown get their 503,
	// then cut off whatever is left (e.g. a client that never sends its
	// request body).
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
	cancel()
	<-serveDone
	b.handlers.Wait()

	log.Info("Local auth server stopped")
}

// checkAccountAndSecret validates the account_id and secret request fields
// and authenticates the call.
//
// The secret comparison is constant time and runs unconditionally, even when
// the broker is stopped or the account is unknown, so response timing leaks
// neither the secret bytes nor account existence.
func (b *Broker) checkAccountAndSecret(req map[string]any) (string, *rpcError) {
	accountID, rpcErr := stringField(req, "account_id")
	if rpcErr != nil {
		return "", rpcErr
	}
	secret, rpcErr := stringField(req, "secret")
	if rpcErr != nil {
		return "", rpcErr
	}

	b.mu.Lock()
	running := b.running
	expected := b.secret
	_, knownAccount := b.accounts[accountID]
	b.mu.Unlock()

	if expected == nil {
		expected = stoppedSecret
	}
	secretOK := constantTimeEquals([]byte(secret), expected)

	switch {
	case !running:
		return "", errStopped()
	case !knownAccount:
		return "", errUnknownAccount(accountID)
	case !secretOK:
		return "", errBadSecret()
	}
	return accountID, nil
}

// constantTimeEquals compares two byte strings in time independent of their
// contents. Length mismatches are not short-circuited either: both inputs are
// hashed in full before the fixed-size digests are compared.
func constantTimeEquals(a, b []byte) bool {
	ah := sha256.Sum256(a)
	bh := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// getCachedToken returns the token (or cached fatal error) for key,
// refreshing it through the minter if it is absent or stale. Concurrent calls
// for the same key share a single mint: the first caller becomes the owner
// and spawns the mint, everyone else waits on its completion.
func (b *Broker) getCachedToken(ctx context.Context, key cacheKey, mint func(context.Context, TokenMinter) (Token, error)) (cacheEntry, *rpcError) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return cacheEntry{}, errStopped()
	}
	if entry, ok := b.cache.get(key); ok && entry.fresh(b.clock.Now()) {
		b.mu.Unlock()
		cacheHitCounter.Inc(1)
		return entry, nil
	}
	cacheMissCounter.Inc(1)

	// Join an in-flight mint for this key if there is one, otherwise become
	// its owner. The mint runs on its own goroutine: it is never tied to any
	// particular waiter, so dropped connections don't abort it and its
	// result stays available to everyone who asked.
	c, ok := b.inflight[key]
	if !ok {
		c = &completion{done: make(chan struct{})}
		b.inflight[key] = c
		go b.refresh(key, c, mint, b.minter)
	}
	quit := b.quit
	b.mu.Unlock()

	select {
	case <-c.done:
	case <-quit:
		return cacheEntry{}, errStopped()
	case <-ctx.Done():
		// The client hung up; nobody is left to read the reply.
		return cacheEntry{}, errInternal(ctx.Err())
	}

	switch {
	case c.fatal != nil:
		return cacheEntry{fatal: c.fatal}, nil
	case c.err != nil:
		return cacheEntry{}, errTransient(c.err)
	}
	return cacheEntry{tok: c.tok}, nil
}

// refresh drives one mint for key and broadcasts its outcome. Runs on a
// dedicated goroutine, detached from the RPC handlers waiting for it.
func (b *Broker) refresh(key cacheKey, c *completion, mint func(context.Context, TokenMinter) (Token, error), minter TokenMinter) {
	tok, err := mint(context.Background(), minter)

	var fatal *TokenError
	switch {
	case err == nil:
		mintOkCounter.Inc(1)
	case errors.As(err, &fatal):
		mintFatalCounter.Inc(1)
	default:
		mintFailedCounter.Inc(1)
	}

	b.mu.Lock()
	if b.inflight[key] == c {
		// Cache tokens and fatal errors so the minter is not asked again;
		// transient failures are worth retrying and stay uncached. Once the
		// run that started this mint is stopped, c is no longer registered
		// (even if the broker has been started again) and the result is
		// simply discarded.
		switch {
		case err == nil:
			b.cache.put(key, cacheEntry{tok: tok})
		case fatal != nil:
			b.cache.put(key, cacheEntry{fatal: fatal})
		}
		delete(b.inflight, key)
	}
	b.mu.Unlock()

	switch {
	case err == nil:
		c.tok = tok
		log.Info("Minted token", "kind", key.kind, "account", key.accountID, "outcome", "ok")
	case fatal != nil:
		c.fatal = fatal
		log.Warn("Minted token", "kind", key.kind, "account", key.accountID, "outcome", "fatal", "code", fatal.Code)
	default:
		c.err = err
		log.Warn("Minted token", "kind", key.kind, "account", key.accountID, "outcome", "transient", "err", err)
	}
	close(c.done)
}

// handleGetOAuthToken implements the GetOAuthToken RPC.
func (b *Broker) handleGetOAuthToken(ctx context.Context, req map[string]any) (map[string]any, *rpcError) {
	// Every field's shape is checked before the account and secret verdicts.
	if _, rpcErr := stringField(req, "account_id"); rpcErr != nil {
		return nil, rpcErr
	}
	scopes, rpcErr := scopesField(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	accountID, rpcErr := b.checkAccountAndSecret(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry, rpcErr := b.getCachedToken(ctx, accessKey(accountID, scopes), func(ctx context.Context, m TokenMinter) (Token, error) {
		return m.MintAccessToken(ctx, accountID, scopes)
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	if entry.fatal != nil {
		return fatalResponse(entry.fatal), nil
	}
	return map[string]any{
		"access_token": entry.tok.Value,
		"expiry":       entry.tok.Expiry.Unix(),
	}, nil
}

// handleGetIDToken implements the GetIDToken RPC.
func (b *Broker) handleGetIDToken(ctx context.Context, req map[string]any) (map[string]any, *rpcError) {
	// Every field's shape is checked before the account and secret verdicts.
	if _, rpcErr := stringField(req, "account_id"); rpcErr != nil {
		return nil, rpcErr
	}
	audience, rpcErr := stringField(req, "audience")
	if rpcErr != nil {
		return nil, rpcErr
	}
	accountID, rpcErr := b.checkAccountAndSecret(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry, rpcErr := b.getCachedToken(ctx, idKey(accountID, audience), func(ctx context.Context, m TokenMinter) (Token, error) {
		return m.MintIDToken(ctx, accountID, audience)
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	if entry.fatal != nil {
		return fatalResponse(entry.fatal), nil
	}
	return map[string]any{
		"id_token": entry.tok.Value,
		"expiry":   entry.tok.Expiry.Unix(),
	}, nil
}

func fatalResponse(fatal *TokenError) map[string]any {
	msg := fatal.Message
	if msg == "" {
		msg = "unknown"
	}
	return map[string]any{
		"error_code":    fatal.Code,
		"error_message": msg,
	}
}

// stringField extracts a required non-empty string field from the request.
func stringField(req map[string]any, field string) (string, *rpcError) {
	v, ok := req[field]
	if !ok || v == nil || v == "" {
		return "", errMalformed("Field %q is required.", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", errMalformed("Field %q must be a string.", field)
	}
	return s, nil
}

// scopesField extracts the scopes list and canonicalizes it into a sorted
// duplicate-free slice. Canonicalization happens here at the RPC boundary so
// the cache can stay oblivious to how keys are built.
func scopesField(req map[string]any) ([]string, *rpcError) {
	v, ok := req["scopes"]
	if !ok || v == nil {
		return nil, errMalformed(`Field "scopes" is required.`)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, errMalformed(`Field "scopes" must be a list of strings.`)
	}
	if len(list) == 0 {
		return nil, errMalformed(`Field "scopes" is required.`)
	}
	scopes := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, errMalformed(`Field "scopes" must be a list of strings.`)
		}
		scopes = append(scopes, s)
	}
	return canonicalScopes(scopes), nil
}
