package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// InvalidRequestError reports malformed input to the request builder.
// Index is the position inside a batch, or -1 for a single request.
type InvalidRequestError struct {
	Index  int
	Reason string
}

func (e InvalidRequestError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("invalid request at index %d: %s", e.Index, e.Reason)
	}
	return "invalid request: " + e.Reason
}

// UnsupportedAuthModeError reports an auth mode the builder cannot produce
// headers for.
type UnsupportedAuthModeError struct {
	Mode AuthMode
}

func (e UnsupportedAuthModeError) Error() string {
	return fmt.Sprintf("unsupported auth mode %q", string(e.Mode))
}

// TransportError is a failed Send. Transient failures are worth retrying;
// permanent ones are not.
type TransportError struct {
	StatusCode int
	Body       string
	Transient  bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("remote call failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("remote status %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("remote status %d", e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a remote failure that should be routed
// to the retry queue. Builder errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Transient
	}
	return false
}

// classifyStatus treats throttling, timeouts and server errors as transient.
func classifyStatus(status int, body string) *TransportError {
	transient := status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
	return &TransportError{
		StatusCode: status,
		Body:       strings.TrimSpace(body),
		Transient:  transient,
	}
}
