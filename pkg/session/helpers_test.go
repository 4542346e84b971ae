package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/authsession/internal/testutil"
	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/session"
	"git.sr.ht/~jakintosh/authsession/pkg/storage"
	"git.sr.ht/~jakintosh/authsession/pkg/tokens"
)

var errStorageDown = errors.New("disk unavailable")

// clock is a settable time source starting at the real current time
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now()}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gate blocks callers until released
type gate struct {
	calls   atomic.Int32
	release chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{})}
}

func (g *gate) enter(ctx context.Context) error {
	g.calls.Add(1)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) open() {
	close(g.release)
}

type fakeCSRF struct {
	gate  *gate
	token string
	err   error
}

func (f *fakeCSRF) FetchCSRFToken(ctx context.Context) (string, error) {
	if err := f.gate.enter(ctx); err != nil {
		return "", err
	}
	return f.token, f.err
}

type fakeRefresher struct {
	gate   *gate
	result session.RefreshResult
	err    error
	seen   chan string
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (session.RefreshResult, error) {
	if f.seen != nil {
		f.seen <- refreshToken
	}
	if err := f.gate.enter(ctx); err != nil {
		return session.RefreshResult{}, err
	}
	return f.result, f.err
}

// flakyStorage fails reads or writes on demand
type flakyStorage struct {
	storage.Storage
	failReads  atomic.Bool
	failWrites atomic.Bool
}

func (f *flakyStorage) Get(key string) (string, bool, error) {
	if f.failReads.Load() {
		return "", false, errStorageDown
	}
	return f.Storage.Get(key)
}

func (f *flakyStorage) Set(key string, value string) error {
	if f.failWrites.Load() {
		return errStorageDown
	}
	return f.Storage.Set(key, value)
}

// racingStorage runs beforeSwap ahead of every compare-and-swap, standing in
// for another context writing between a read and the write that follows it
type racingStorage struct {
	*storage.MemoryStorage
	beforeSwap func()
}

func (r *racingStorage) CompareAndSwap(key string, old string, value string) (bool, error) {
	if r.beforeSwap != nil {
		r.beforeSwap()
	}
	return r.MemoryStorage.CompareAndSwap(key, old, value)
}

type env struct {
	device *storage.Device
	store  *session.Store
	bus    *events.Bus
	events *testutil.EventRecorder
	clock  *clock
}

func setupStore(
	t *testing.T,
	opts ...session.Option,
) *env {
	t.Helper()
	device := storage.NewDevice()
	return setupContext(t, device, device.Context(), opts...)
}

func setupContext(
	t *testing.T,
	device *storage.Device,
	backend storage.Storage,
	opts ...session.Option,
) *env {
	t.Helper()
	bus := events.NewBus()
	clk := newClock()
	recorder := testutil.RecordEvents(t, bus)

	opts = append([]session.Option{
		session.WithEvents(bus),
		session.WithClock(clk.Now),
	}, opts...)
	store := session.New(backend, opts...)
	t.Cleanup(func() {
		store.Close()
		backend.Close()
	})

	return &env{
		device: device,
		store:  store,
		bus:    bus,
		events: recorder,
		clock:  clk,
	}
}

func issue(
	t *testing.T,
	subject string,
	lifetime time.Duration,
) string {
	t.Helper()
	issuer := tokens.NewIssuer(testutil.SigningKey(), "test.authsession.local")
	token, err := issuer.Issue(subject, []string{"test-app"}, lifetime)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func login(
	t *testing.T,
	e *env,
	lifetime time.Duration,
) string {
	t.Helper()
	token := issue(t, "alice", lifetime)
	if err := e.store.SetSession(token, session.User{"id": "alice", "name": "Alice"}, "refresh-1"); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	return token
}

func payload(t *testing.T, e events.Event) events.SessionChangedPayload {
	t.Helper()
	p, ok := e.Payload.(events.SessionChangedPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", e.Payload)
	}
	return p
}

func withinSecond(a, b time.Time) bool {
	d := a.Sub(b)
	return d < time.Second && d > -time.Second
}
