// Package authsession assembles the session store, the authenticated
// transport and the auth API flows from a single configuration.
//
//	cfg := config.MustLoad("")
//	client, err := authsession.New(cfg)
//	if err != nil { ... }
//	defer client.Close()
//	client.Start(ctx)
//
//	user, err := client.Auth.Login(ctx, email, password)
//	err = client.Transport.Get(ctx, "/api/projects", &projects)
package authsession

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/internal/config"
	"git.sr.ht/~jakintosh/authsession/internal/observability"
	"git.sr.ht/~jakintosh/authsession/pkg/authapi"
	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/session"
	"git.sr.ht/~jakintosh/authsession/pkg/storage"
	"git.sr.ht/~jakintosh/authsession/pkg/transport"
)

type Config = config.Config

// Client owns every component of one authenticated context.
type Client struct {
	Events    *events.Bus
	Store     *session.Store
	Transport *transport.Transport
	Auth      *authapi.Service
	API       *authapi.Client
	Monitor   *session.Monitor
	Metrics   *observability.Metrics

	storage storage.Storage
	logger  *zap.Logger
	unsubs  []func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*options)

type options struct {
	logger        *zap.Logger
	registerer    prometheus.Registerer
	httpClient    *http.Client
	storage       storage.Storage
	onInvalidated func(transport.Invalidation)
}

// WithLogger replaces the logger built from the configured level.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the client's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient replaces the default client. It should keep a cookie jar.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithStorage uses backend instead of the configured one. The client closes
// it on Close.
func WithStorage(backend storage.Storage) Option {
	return func(o *options) { o.storage = backend }
}

func OnInvalidated(fn func(transport.Invalidation)) Option {
	return func(o *options) { o.onInvalidated = fn }
}

func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		l, err := observability.NewLogger(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	backend := o.storage
	if backend == nil {
		b, err := openStorage(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	httpClient := o.httpClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("couldn't create cookie jar: %w", err)
		}
		httpClient = &http.Client{Jar: jar}
	}

	bus := events.NewBus()
	metrics := observability.NewMetrics(o.registerer)
	api := authapi.NewClient(cfg.API.BaseURL, httpClient,
		authapi.WithClientLogger(logger.Named("authapi")),
	)
	store := session.New(backend,
		session.WithNamespace(cfg.Storage.Namespace),
		session.WithEvents(bus),
		session.WithLogger(logger.Named("session")),
		session.WithMetrics(metrics),
		session.WithCSRFFetcher(api),
		session.WithRefresher(api),
		session.WithFallbackLifetime(cfg.FallbackLifetime),
		session.WithOperationTimeout(cfg.API.Timeout),
	)

	transportOpts := []transport.Option{
		transport.WithBaseURL(cfg.API.BaseURL),
		transport.WithHTTPClient(httpClient),
		transport.WithEvents(bus),
		transport.WithLogger(logger.Named("transport")),
		transport.WithMetrics(metrics),
		transport.WithCSRFHeader(cfg.CSRFHeader),
		transport.WithTimeout(cfg.API.Timeout),
	}
	if o.onInvalidated != nil {
		transportOpts = append(transportOpts, transport.OnInvalidated(o.onInvalidated))
	}
	t := transport.New(store, transportOpts...)

	c := &Client{
		Events:    bus,
		Store:     store,
		Transport: t,
		Auth:      authapi.NewService(t, store, logger.Named("auth")),
		API:       api,
		Monitor: session.NewMonitor(store,
			session.WithInterval(cfg.Monitor.Interval),
			session.WithHorizon(cfg.Monitor.Horizon),
			session.WithMonitorLogger(logger.Named("monitor")),
		),
		Metrics: metrics,
		storage: backend,
		logger:  logger,
	}
	c.unsubs = append(c.unsubs,
		observability.LogEvents(bus, logger.Named("events")),
		bus.Subscribe(events.SessionChanged, c.logLogin),
	)
	return c, nil
}

func (c *Client) logLogin(e events.Event) {
	p, ok := e.Payload.(events.SessionChangedPayload)
	if !ok || p.Action != events.ActionLogin {
		return
	}
	if b := c.Store.Session(); b != nil {
		c.logger.Debug("session established",
			observability.Token("token", b.AccessToken),
			zap.Time("expiresAt", b.ExpiresAt),
		)
	}
}

// Start runs the expiry monitor in the background until ctx is done or
// Close is called. Calling it again has no effect.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		c.Monitor.Run(ctx)
	}(c.done)
}

// Close stops the monitor, detaches from storage and closes it.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.Store.Close()
	err := c.storage.Close()
	c.logger.Sync()
	return err
}

func openStorage(cfg config.StorageConfig, logger *zap.Logger) (storage.Storage, error) {
	opts := []storage.Option{storage.WithLogger(logger.Named("storage"))}

	var backend storage.Storage
	var err error
	switch cfg.Backend {
	case config.BackendMemory:
		backend = storage.NewDevice().Context()
	case config.BackendFile:
		backend, err = storage.NewFileStorage(cfg.Path, opts...)
	case config.BackendSQLite:
		backend, err = storage.NewSQLiteStorage(cfg.Path, opts...)
	case config.BackendRedis:
		backend, err = storage.NewRedisStorage(context.Background(), cfg.RedisURL, cfg.Namespace, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalid, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.SealKey == "" {
		return backend, nil
	}
	key, err := storage.ParseSealKey(cfg.SealKey)
	if err != nil {
		backend.Close()
		return nil, err
	}
	sealed, err := storage.NewSealed(backend, key)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return sealed, nil
}
