package localauth

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// rawRequest writes a hand-crafted HTTP request over a plain TCP connection
// and returns the parsed response. Used for malformed framing the standard
// client refuses to produce.
func rawRequest(t *testing.T, port int, raw string) *http.Response {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRequestFraming(t *testing.T) {
	minter := &fakeMinter{}
	_, ad := testBroker(t, minter)
	c := testClient(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", ad.RPCPort)

	t.Run("non-POST method", func(t *testing.T) {
		resp, err := c.Get(base + "/rpc/LuciLocalAuthService.GetOAuthToken")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("bad path", func(t *testing.T) {
		for _, path := range []string{
			"/",
			"/rpc/LuciLocalAuthService.",
			"/rpc/OtherService.GetOAuthToken",
			"/rpc/LuciLocalAuthService.GetOAuthToken/extra",
		} {
			resp, err := c.Post(base+path, "application/json", strings.NewReader("{}"))
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusNotFound, resp.StatusCode, "path %q", path)
		}
	})

	t.Run("unknown method name", func(t *testing.T) {
		resp, err := c.Post(base+"/rpc/LuciLocalAuthService.Enumerate", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		require.Contains(t, string(body), `Unknown RPC method "Enumerate".`)
	})

	t.Run("bad content type", func(t *testing.T) {
		for _, ct := range []string{"", "text/plain", "application/json-rpc"} {
			resp, err := c.Post(base+"/rpc/LuciLocalAuthService.GetOAuthToken", ct, strings.NewReader("{}"))
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, "content type %q", ct)
		}
	})

	t.Run("charset suffix accepted", func(t *testing.T) {
		resp, err := c.Post(base+"/rpc/LuciLocalAuthService.GetOAuthToken", "application/json;charset=utf-8", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		// Framing passes, the empty request fails field validation.
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		require.Contains(t, string(body), `Field "account_id" is required.`)
	})

	t.Run("not a JSON body", func(t *testing.T) {
		resp, err := c.Post(base+"/rpc/LuciLocalAuthService.GetOAuthToken", "application/json", strings.NewReader("what is this"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("JSON but not an object", func(t *testing.T) {
		resp, err := c.Post(base+"/rpc/LuciLocalAuthService.GetOAuthToken", "application/json", strings.NewReader(`["a","b"]`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing content length", func(t *testing.T) {
		resp := rawRequest(t, ad.RPCPort,
			"POST /rpc/LuciLocalAuthService.GetOAuthToken HTTP/1.0\r\n"+
				"Host: 127.0.0.1\r\n"+
				"Content-Type: application/json\r\n"+
				"\r\n")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("chunked body rejected", func(t *testing.T) {
		resp := rawRequest(t, ad.RPCPort,
			"POST /rpc/LuciLocalAuthService.GetOAuthToken HTTP/1.1\r\n"+
				"Host: 127.0.0.1\r\n"+
				"Content-Type: application/json\r\n"+
				"Transfer-Encoding: chunked\r\n"+
				"\r\n"+
				"2\r\n{}\r\n0\r\n\r\n")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	access, id := minter.calls()
	require.Zero(t, access+id, "malformed requests must not reach the minter")
}

func TestResponseShape(t *testing.T) {
	minter := &fakeMinter{}
	_, ad := testBroker(t, minter)
	c := testClient(t)

	blob := []byte(`{"account_id":"task","scopes":["s1"],"secret":` + fmt.Sprintf("%q", ad.Secret) + `}`)
	resp, err := c.Post(
		fmt.Sprintf("http://127.0.0.1:%d/rpc/LuciLocalAuthService.GetOAuthToken", ad.RPCPort),
		"application/json", bytes.NewReader(blob))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.True(t, resp.Close, "responses always carry Connection: close")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(body, []byte("\n")), "JSON body ends with a newline")
}

func TestErrorBodyTemplate(t *testing.T) {
	minter := &fakeMinter{}
	_, ad := testBroker(t, minter)
	c := testClient(t)

	resp, err := c.Post(
		fmt.Sprintf("http://127.0.0.1:%d/rpc/nope", ad.RPCPort),
		"application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t,
		"  Error code: 404\n"+
			"  Message: Expecting /rpc/LuciLocalAuthService.*\n"+
			"  Explanation: Nothing matches the given URI\n",
		string(body))
}
