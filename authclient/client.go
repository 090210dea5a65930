// Package authclient is the child-process side of the local auth broker: a
// small typed client over its loopback JSON RPC protocol. Child processes
// construct it from the advertisement the parent leaves behind and use it to
// obtain short-lived tokens without ever seeing real credentials.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NDevTK/localauth"
)

const rpcPrefix = "/rpc/LuciLocalAuthService."

// Client talks to a running local auth broker. Safe for concurrent use.
type Client struct {
	endpoint string
	secret   string
	httpc    *http.Client
}

// New returns a client for the broker listening on the given loopback port.
func New(port int, secret string) *Client {
	return &Client{
		endpoint: fmt.Sprintf("http://127.0.0.1:%d", port),
		secret:   secret,
		httpc:    &http.Client{},
	}
}

// FromAdvertisement returns a client configured from a broker advertisement.
func FromAdvertisement(ad *localauth.Advertisement) *Client {
	return New(ad.RPCPort, ad.Secret)
}

// AccessToken asks the broker for an OAuth access token for the given account
// and scopes.
func (c *Client) AccessToken(ctx context.Context, accountID string, scopes ...string) (localauth.Token, error) {
	var resp rpcResponse
	err := c.call(ctx, "GetOAuthToken", map[string]any{
		"account_id": accountID,
		"scopes":     scopes,
		"secret":     c.secret,
	}, &resp)
	if err != nil {
		return localauth.Token{}, err
	}
	return resp.token(resp.AccessToken)
}

// IDToken asks the broker for an OpenID Connect ID token for the given
// account and audience.
func (c *Client) IDToken(ctx context.Context, accountID, audience string) (localauth.Token, error) {
	var resp rpcResponse
	err := c.call(ctx, "GetIDToken", map[string]any{
		"account_id": accountID,
		"audience":   audience,
		"secret":     c.secret,
	}, &resp)
	if err != nil {
		return localauth.Token{}, err
	}
	return resp.token(resp.IDToken)
}

type rpcResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	Expiry       int64  `json:"expiry"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// token converts a decoded 200 reply into a Token, surfacing broker-side
// fatal refusals as *localauth.TokenError.
func (r *rpcResponse) token(value string) (localauth.Token, error) {
	if r.ErrorCode != 0 {
		return localauth.Token{}, &localauth.TokenError{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	if value == "" {
		return localauth.Token{}, fmt.Errorf("broker reply carries no token")
	}
	return localauth.Token{Value: value, Expiry: time.Unix(r.Expiry, 0)}, nil
}

func (c *Client) call(ctx context.Context, method string, body map[string]any, out *rpcResponse) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+rpcPrefix+method, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling local auth broker: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading broker reply: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker replied HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding broker reply: %w", err)
	}
	return nil
}
