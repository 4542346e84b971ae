package session

import (
	"time"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/tokens"
)

const (
	DefaultNamespace        = "authsession"
	DefaultCoalesceWindow   = 2 * time.Second
	DefaultOperationTimeout = 30 * time.Second
)

// Metrics observes store activity. observability.Metrics implements it.
type Metrics interface {
	ObserveRefresh(result string)
	ObserveCSRFFetch(result string)
	ObserveClear(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRefresh(string)   {}
func (noopMetrics) ObserveCSRFFetch(string) {}
func (noopMetrics) ObserveClear(string)     {}

type Option func(*options)

type options struct {
	namespace        string
	events           *events.Bus
	logger           *zap.Logger
	metrics          Metrics
	csrf             CSRFFetcher
	refresher        Refresher
	now              func() time.Time
	fallbackLifetime time.Duration
	coalesceWindow   time.Duration
	operationTimeout time.Duration
}

// WithNamespace prefixes every persisted key.
func WithNamespace(namespace string) Option {
	return func(o *options) { o.namespace = namespace }
}

func WithEvents(bus *events.Bus) Option {
	return func(o *options) { o.events = bus }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(metrics Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

func WithCSRFFetcher(fetcher CSRFFetcher) Option {
	return func(o *options) { o.csrf = fetcher }
}

func WithRefresher(refresher Refresher) Option {
	return func(o *options) { o.refresher = refresher }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithFallbackLifetime sets the lifetime given to tokens whose expiry can't
// be read.
func WithFallbackLifetime(d time.Duration) Option {
	return func(o *options) { o.fallbackLifetime = d }
}

// WithCoalesceWindow sets how long a completed refresh is reused by late
// callers.
func WithCoalesceWindow(d time.Duration) Option {
	return func(o *options) { o.coalesceWindow = d }
}

// WithOperationTimeout bounds shared CSRF and refresh calls.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) { o.operationTimeout = d }
}

func buildOptions(opts []Option) options {
	o := options{
		namespace:        DefaultNamespace,
		events:           events.NewBus(),
		logger:           zap.NewNop(),
		metrics:          noopMetrics{},
		now:              time.Now,
		fallbackLifetime: tokens.DefaultFallbackLifetime,
		coalesceWindow:   DefaultCoalesceWindow,
		operationTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace == "" {
		o.namespace = DefaultNamespace
	}
	if o.events == nil {
		o.events = events.NewBus()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.fallbackLifetime <= 0 {
		o.fallbackLifetime = tokens.DefaultFallbackLifetime
	}
	if o.operationTimeout <= 0 {
		o.operationTimeout = DefaultOperationTimeout
	}
	return o
}
