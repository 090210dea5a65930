package localauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAlreadyRunning is returned by Start when the broker is running already.
var ErrAlreadyRunning = errors.New("local auth broker is already running")

// rpcError is raised by RPC handlers to reply with a non-200 HTTP status and
// a plain text message.
type rpcError struct {
	status  int
	message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.message)
}

func errMalformed(format string, args ...any) *rpcError {
	return &rpcError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func errUnknownMethod(method string) *rpcError {
	return &rpcError{status: http.StatusNotFound, message: fmt.Sprintf("Unknown RPC method %q.", method)}
}

func errUnknownAccount(accountID string) *rpcError {
	return &rpcError{status: http.StatusNotFound, message: fmt.Sprintf("Unrecognized account ID %q.", accountID)}
}

func errBadSecret() *rpcError {
	return &rpcError{status: http.StatusForbidden, message: `Invalid "secret".`}
}

func errStopped() *rpcError {
	return &rpcError{status: http.StatusServiceUnavailable, message: "Stopped already."}
}

func errTransient(err error) *rpcError {
	return &rpcError{status: http.StatusInternalServerError, message: fmt.Sprintf("Transient error in the token minter: %s", err)}
}

func errInternal(err any) *rpcError {
	return &rpcError{status: http.StatusInternalServerError, message: fmt.Sprintf("Internal error: %s", err)}
}

// explanations mirror the stock long form descriptions of the HTTP statuses
// the broker replies with. They fill the third line of plain text error
// bodies.
var explanations = map[int]string{
	http.StatusBadRequest:          "Bad request syntax or unsupported method",
	http.StatusForbidden:           "Request forbidden -- authorization will not help",
	http.StatusNotFound:            "Nothing matches the given URI",
	http.StatusMethodNotAllowed:    "Specified method is invalid for this resource",
	http.StatusInternalServerError: "Server got itself in trouble",
	http.StatusServiceUnavailable:  "The server cannot process the request due to a high load",
}

func explain(status int) string {
	if e, ok := explanations[status]; ok {
		return e
	}
	return http.StatusText(status)
}
