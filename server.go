package localauth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// rpcPath matches the only URL shape the broker serves; the capture group is
// the RPC method name.
var rpcPath = regexp.MustCompile(`^/rpc/LuciLocalAuthService\.([A-Za-z0-9_]+)$`)

// errorBody is the fixed plain text template of non-200 replies.
const errorBody = "  Error code: %d\n  Message: %s\n  Explanation: %s\n"

// serveHTTP decodes one RPC request, dispatches it to the matching handler
// and encodes the reply. All framing violations are answered with plain text
// errors; only well-formed RPCs reach the broker proper.
func (b *Broker) serveHTTP(w http.ResponseWriter, r *http.Request) {
	b.handlers.Add(1)
	defer b.handlers.Done()

	status, err := b.serveRPC(w, r)
	if err != nil {
		writeError(w, err)
		status = err.status
	}
	log.Debug("Local auth RPC", "method", r.Method, "path", r.URL.Path, "status", status)
}

func (b *Broker) serveRPC(w http.ResponseWriter, r *http.Request) (status int, rpcErr *rpcError) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Local auth RPC handler panicked", "err", rec)
			rpcErr = errInternal(rec)
		}
	}()

	if r.Method != http.MethodPost {
		return 0, &rpcError{status: http.StatusMethodNotAllowed, message: fmt.Sprintf("Unsupported method %q.", r.Method)}
	}
	m := rpcPath.FindStringSubmatch(r.URL.Path)
	if m == nil {
		return 0, &rpcError{status: http.StatusNotFound, message: "Expecting /rpc/LuciLocalAuthService.*"}
	}
	method := m[1]

	// The body must be JSON. The charset suffix is ignored, UTF-8 is assumed.
	ct := r.Header.Get("Content-Type")
	if strings.Split(ct, ";")[0] != "application/json" {
		return 0, errMalformed("Expecting \"application/json\" Content-Type, got %q.", ct)
	}

	// Chunked transfer encoding or compression is not supported: the body is
	// exactly Content-Length bytes.
	if len(r.TransferEncoding) != 0 {
		return 0, errMalformed("Transfer encodings are not supported.")
	}
	length, err := strconv.Atoi(r.Header.Get("Content-Length"))
	if err != nil || length < 0 {
		return 0, errMalformed("Missing or invalid Content-Length header.")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r.Body, body); err != nil {
		return 0, errMalformed("Failed to read the request body: %s.", err)
	}

	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, errMalformed("Not a JSON dictionary: %s.", err)
	}

	var resp map[string]any
	switch method {
	case "GetOAuthToken":
		resp, rpcErr = b.handleGetOAuthToken(r.Context(), req)
	case "GetIDToken":
		resp, rpcErr = b.handleGetIDToken(r.Context(), req)
	default:
		rpcErr = errUnknownMethod(method)
	}
	if rpcErr != nil {
		return 0, rpcErr
	}

	blob, err := json.Marshal(resp)
	if err != nil {
		return 0, errInternal(err)
	}
	blob = append(blob, '\n')

	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
	return http.StatusOK, nil
}

func writeError(w http.ResponseWriter, rpcErr *rpcError) {
	body := fmt.Sprintf(errorBody, rpcErr.status, rpcErr.message, explain(rpcErr.status))
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(rpcErr.status)
	io.WriteString(w, body)
}
