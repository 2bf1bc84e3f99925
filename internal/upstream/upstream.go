// Package upstream calls the backend JSON API. It fans requests out concurrently,
// bounds each attempt with its own timer and retries only transport failures.
package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout marks an attempt aborted by its per-call timer.
	ErrTimeout = errors.New("upstream: timeout")
	// ErrNetwork marks transport failures: refused connections, resets, truncated bodies.
	ErrNetwork = errors.New("upstream: network error")
	// ErrInvalidBody is returned when a 2xx response does not carry JSON.
	ErrInvalidBody = errors.New("upstream: response is not valid json")
)

// HTTPError is a non-2xx answer. It is authoritative and never retried.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: http %d", e.Status)
	}
	return fmt.Sprintf("upstream: http %d: %s", e.Status, e.Body)
}

// AuthError means no credential source produced a token.
type AuthError struct {
	Tried []string
	Cause error
}

func (e *AuthError) Error() string {
	msg := "upstream: no credentials (tried " + strings.Join(e.Tried, ", ") + ")"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Cause }

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Error kinds carried in CallResult.ErrorKind.
const (
	KindTimeout     = "timeout"
	KindNetwork     = "network"
	KindHTTP        = "http"
	KindInvalidBody = "invalid_body"
	KindCanceled    = "canceled"
)

// Request is one upstream call within an aggregate.
type Request struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	// Optional calls do not count against WarmResult.succeeded.
	Optional bool `json:"optional,omitempty"`
}

type CallResult struct {
	Label     string          `json:"label"`
	OK        bool            `json:"ok"`
	Status    int             `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Attempts  int             `json:"attempts"`
	ElapsedMs int64           `json:"elapsedMs"`
	Optional  bool            `json:"optional,omitempty"`

	err error
}

// Err returns the classified failure, nil when OK.
func (r CallResult) Err() error { return r.err }

func kindOf(err error) string {
	var he *HTTPError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.As(err, &he):
		return KindHTTP
	case errors.Is(err, ErrInvalidBody):
		return KindInvalidBody
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindCanceled
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}
