package transport

import (
	"context"

	"git.sr.ht/~jakintosh/authsession/pkg/session"
)

// Credentials is what the transport needs from a session store.
type Credentials interface {
	Session() *session.Bundle
	CSRFToken(ctx context.Context) (string, error)
	Clear() error
}

// Metrics observes request outcomes. observability.Metrics implements it.
type Metrics interface {
	ObserveRequest(method string, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, string) {}

// Compile-time check that *session.Store provides Credentials.
var _ Credentials = (*session.Store)(nil)
