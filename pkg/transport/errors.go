package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ConnectivityMessage is the message of every NetworkError.
const ConnectivityMessage = "Unable to connect to the server. Please check your internet connection and try again."

// ErrUnauthorized matches an *HTTPError with status 401.
var ErrUnauthorized = errors.New("unauthorized")

// HTTPError is a response with a non-2xx status. Body holds the decoded JSON
// value, or the raw text.
type HTTPError struct {
	Method string
	Target string
	Status int
	Body   any
}

func (e *HTTPError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Target, e.Status, http.StatusText(e.Status), msg)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Target, e.Status, http.StatusText(e.Status))
}

// Message returns the server's "message" or "error" field, if any.
func (e *HTTPError) Message() string {
	switch body := e.Body.(type) {
	case map[string]any:
		for _, field := range []string{"message", "error"} {
			if msg, ok := body[field].(string); ok {
				return msg
			}
		}
	case string:
		return body
	}
	return ""
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// NetworkError means no response was obtained.
type NetworkError struct {
	Err     error
	Timeout bool
}

func (e *NetworkError) Error() string {
	return ConnectivityMessage
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
