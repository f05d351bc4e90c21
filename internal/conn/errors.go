package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/tetherproj/tether/internal/endpoint"
)

// ErrNotConnected reports an operation that needs a live transport on a
// connection that has none. A reset may cure it.
var ErrNotConnected = errors.New("not connected")

// ConnectError reports a transport dial failure for an endpoint.
type ConnectError struct {
	Endpoint endpoint.Endpoint
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports that every configured method was tried against an
// endpoint and none was accepted.
type AuthError struct {
	Endpoint endpoint.Endpoint
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: no configured method was accepted", e.Endpoint)
}

// ResetError reports a failed in-place reconnect. The connection stays in
// its registry so a later reset can retry.
type ResetError struct {
	Endpoint endpoint.Endpoint
	Err      error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("reset %s: %v", e.Endpoint, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

// IsTransportError reports whether an error suggests a stale or broken
// transport that a reset might cure. It returns false for errors that are
// permanent (auth failures, context cancellation) to avoid pointless retries.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	// The transport library reports closed sessions as strings only.
	msg := err.Error()
	if strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") {
		return true
	}
	return false
}
