package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/pkg/events"
)

const (
	DefaultMonitorInterval = time.Minute
	DefaultMonitorHorizon  = 5 * time.Minute

	ExpiringMessage = "Your session will expire soon. Please save your work and sign in again."
)

// Monitor refreshes a session that is about to expire. A failed refresh only
// warns and the session stays until it lapses, unless the server answered
// 401, in which case the store has already logged out.
type Monitor struct {
	store    *Store
	interval time.Duration
	horizon  time.Duration
	logger   *zap.Logger
}

type MonitorOption func(*Monitor)

func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

func WithHorizon(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.horizon = d }
}

func WithMonitorLogger(logger *zap.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

func NewMonitor(store *Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:    store,
		interval: DefaultMonitorInterval,
		horizon:  DefaultMonitorHorizon,
		logger:   store.logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultMonitorInterval
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Run checks once immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check refreshes the session if it expires within the horizon. It reports
// whether a refresh was attempted.
func (m *Monitor) Check(ctx context.Context) bool {
	bundle := m.store.Session()
	if bundle == nil {
		return false
	}
	if bundle.ExpiresAt.Sub(m.store.now()) > m.horizon {
		return false
	}

	_, err := m.store.Refresh(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionCleared),
		errors.Is(err, ErrNoSession),
		errors.Is(err, ErrUnauthorized),
		ctx.Err() != nil:
		m.logger.Debug("proactive refresh abandoned", zap.Error(err))
	default:
		m.logger.Warn("proactive refresh failed", zap.Error(err))
		m.store.events.Emit(events.SessionExpiring, events.SessionExpiringPayload{
			Message: ExpiringMessage,
		})
	}
	return true
}
