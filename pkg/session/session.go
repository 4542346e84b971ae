// Package session owns the credential bundle of an authenticated user.
//
// A Store is the single source of truth for one browsing context: it persists
// the access token, refresh token, cached user and derived timestamps as one
// value, evaluates expiry lazily, and follows changes made by other contexts
// sharing the same storage.
//
//	store := session.New(backend,
//		session.WithEvents(bus),
//		session.WithCSRFFetcher(api),
//		session.WithRefresher(api),
//	)
//	defer store.Close()
//
//	if err := store.SetSession(token, user, refreshToken); err != nil {
//		// not persisted
//	}
//	if b := store.Session(); b != nil {
//		// authenticated until b.ExpiresAt
//	}
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/storage"
	"git.sr.ht/~jakintosh/authsession/pkg/tokens"
)

var (
	ErrNoSession      = errors.New("no session")
	ErrNoRefreshToken = errors.New("session has no refresh token")
	ErrSessionCleared = errors.New("session cleared or replaced during refresh")
	ErrNoCSRFFetcher  = errors.New("no csrf fetcher configured")
	ErrNoRefresher    = errors.New("no refresher configured")

	// ErrUnauthorized marks a 401 from an auth endpoint. Fetchers and
	// refreshers wrap it so the store knows the credentials are dead.
	ErrUnauthorized = errors.New("credentials rejected by the server")
)

// User is the cached principal, as returned by the server.
type User = map[string]any

// Bundle is a snapshot of the credential state.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	User         User
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// record is the persisted form of the bundle. Timestamps are unix millis.
type record struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         User   `json:"user,omitempty"`
	IssuedAt     int64  `json:"issuedAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func (r *record) expiresAt() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

func decodeRecord(value string) (*record, error) {
	rec := &record{}
	if err := json.Unmarshal([]byte(value), rec); err != nil {
		return nil, fmt.Errorf("invalid session record: %v", err)
	}
	if rec.Token == "" {
		return nil, fmt.Errorf("invalid session record: missing token")
	}
	return rec, nil
}

type lastRefresh struct {
	token      string
	at         time.Time
	generation uint64
}

type Store struct {
	storage    storage.Storage
	sessionKey string
	csrfKey    string

	events    *events.Bus
	logger    *zap.Logger
	metrics   Metrics
	csrf      CSRFFetcher
	refresher Refresher
	now       func() time.Time

	fallbackLifetime time.Duration
	coalesceWindow   time.Duration
	operationTimeout time.Duration

	// guards every read-modify-write of the persisted record
	mu          sync.Mutex
	generation  uint64
	lastRefresh lastRefresh

	flights     singleflight.Group
	unsubscribe func()
}

// New builds a store over backend and subscribes to its external changes.
func New(backend storage.Storage, opts ...Option) *Store {
	o := buildOptions(opts)
	s := &Store{
		storage:          backend,
		sessionKey:       o.namespace + ":session",
		csrfKey:          o.namespace + ":csrf",
		events:           o.events,
		logger:           o.logger,
		metrics:          o.metrics,
		csrf:             o.csrf,
		refresher:        o.refresher,
		now:              o.now,
		fallbackLifetime: o.fallbackLifetime,
		coalesceWindow:   o.coalesceWindow,
		operationTimeout: o.operationTimeout,
	}
	s.unsubscribe = backend.Subscribe(s.onChange)
	return s
}

// Events returns the bus the store publishes on.
func (s *Store) Events() *events.Bus {
	return s.events
}

// Close stops following external changes. The storage is left open.
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// SetSession persists a new session and announces a login.
func (s *Store) SetSession(
	accessToken string,
	user User,
	refreshToken string,
) error {
	rec := s.newRecord(accessToken)
	rec.RefreshToken = refreshToken
	rec.User = maps.Clone(user)

	s.mu.Lock()
	if err := s.save(rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.generation++
	s.lastRefresh = lastRefresh{}
	s.mu.Unlock()

	s.events.Emit(events.SessionChanged, events.SessionChangedPayload{
		User:   maps.Clone(user),
		Action: events.ActionLogin,
	})
	return nil
}

// Session returns the current bundle, or nil when there is none. A session
// past its expiry is cleared on read.
func (s *Store) Session() *Bundle {
	s.mu.Lock()
	rec, err := s.load()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("reading session failed", zap.Error(err))
		return nil
	}
	if rec == nil {
		s.mu.Unlock()
		return nil
	}

	if !s.now().Before(rec.expiresAt()) {
		err := s.clearLocked()
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("clearing expired session failed", zap.Error(err))
		}
		s.logger.Info("session expired", zap.Time("expiresAt", rec.expiresAt()))
		s.metrics.ObserveClear("expired")
		s.emitLogout()
		return nil
	}

	csrf, _ := s.cachedCSRFLocked()
	s.mu.Unlock()

	return &Bundle{
		AccessToken:  rec.Token,
		RefreshToken: rec.RefreshToken,
		CSRFToken:    csrf,
		User:         maps.Clone(rec.User),
		IssuedAt:     time.UnixMilli(rec.IssuedAt),
		ExpiresAt:    rec.expiresAt(),
	}
}

// IsAuthenticated reports whether an unexpired session exists.
func (s *Store) IsAuthenticated() bool {
	return s.Session() != nil
}

// User returns the cached user, or nil.
func (s *Store) User() User {
	if b := s.Session(); b != nil {
		return b.User
	}
	return nil
}

// ExpiresIn returns the time left on the access token, or 0.
func (s *Store) ExpiresIn() time.Duration {
	b := s.Session()
	if b == nil {
		return 0
	}
	return b.ExpiresAt.Sub(s.now())
}

// SetToken rotates the access token, keeping the user and refresh token.
func (s *Store) SetToken(accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNoSession
	}

	next := s.newRecord(accessToken)
	next.RefreshToken = rec.RefreshToken
	next.User = rec.User
	return s.save(next)
}

// SetRefreshToken replaces the refresh token of the current session.
func (s *Store) SetRefreshToken(refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNoSession
	}

	rec.RefreshToken = refreshToken
	return s.save(*rec)
}

// UpdateUser merges partial into the cached user. Without a session it does
// nothing.
func (s *Store) UpdateUser(partial User) error {
	s.mu.Lock()
	rec, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if rec == nil {
		s.mu.Unlock()
		return nil
	}

	merged := maps.Clone(rec.User)
	if merged == nil {
		merged = User{}
	}
	maps.Copy(merged, partial)
	rec.User = merged
	if err := s.save(*rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.events.Emit(events.UserUpdated, events.UserUpdatedPayload{User: maps.Clone(merged)})
	return nil
}

// Clear removes the whole bundle and announces a logout, even when there was
// nothing to remove. A refresh still in flight will not write it back.
func (s *Store) Clear() error {
	s.mu.Lock()
	err := s.clearLocked()
	s.mu.Unlock()

	s.metrics.ObserveClear("logout")
	s.emitLogout()
	return err
}

func (s *Store) clearLocked() error {
	s.generation++
	s.lastRefresh = lastRefresh{}
	return errors.Join(
		s.storage.Delete(s.sessionKey),
		s.storage.Delete(s.csrfKey),
	)
}

// rejected clears the bundle after the server refused its credentials, unless
// it was cleared or replaced since generation was read. A non-empty
// refreshToken must still be the stored one.
func (s *Store) rejected(generation uint64, refreshToken string, operation string) {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return
	}
	rec, _ := s.load()
	if rec == nil || (refreshToken != "" && rec.RefreshToken != refreshToken) {
		s.mu.Unlock()
		return
	}
	err := s.clearLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("clearing rejected session failed", zap.Error(err))
	}

	s.logger.Info("server rejected credentials, session cleared", zap.String("operation", operation))
	s.metrics.ObserveClear("unauthorized")
	s.emitLogout()
}

func (s *Store) emitLogout() {
	s.events.Emit(events.SessionChanged, events.SessionChangedPayload{
		User:   nil,
		Action: events.ActionLogout,
	})
}

func (s *Store) newRecord(accessToken string) record {
	issuedAt, expiresAt, ok := tokens.Lifetime(accessToken, s.now(), s.fallbackLifetime)
	if !ok {
		s.logger.Warn("access token expiry unreadable, using fallback lifetime",
			zap.Duration("lifetime", s.fallbackLifetime))
	}
	return record{
		Token:     accessToken,
		IssuedAt:  issuedAt.UnixMilli(),
		ExpiresAt: expiresAt.UnixMilli(),
	}
}

func (s *Store) load() (*record, error) {
	_, rec, err := s.loadRaw()
	return rec, err
}

// loadRaw also returns the stored value the record was decoded from.
func (s *Store) loadRaw() (string, *record, error) {
	value, ok, err := s.storage.Get(s.sessionKey)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, nil
	}
	rec, err := decodeRecord(value)
	return value, rec, err
}

func (s *Store) save(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("couldn't encode session: %w", err)
	}
	if err := s.storage.Set(s.sessionKey, string(data)); err != nil {
		return fmt.Errorf("couldn't persist session: %w", err)
	}
	return nil
}

// swap writes rec only while the stored value is still prev, so a removal by
// another context can't be undone. Backends without compare-and-swap get a
// plain write.
func (s *Store) swap(prev string, rec record) (bool, error) {
	swapper, ok := s.storage.(storage.Swapper)
	if !ok {
		return true, s.save(rec)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("couldn't encode session: %w", err)
	}
	swapped, err := swapper.CompareAndSwap(s.sessionKey, prev, string(data))
	if err != nil {
		return false, fmt.Errorf("couldn't persist session: %w", err)
	}
	return swapped, nil
}

// onChange follows writes made by other contexts.
func (s *Store) onChange(change storage.Change) {
	if change.Key != s.sessionKey {
		return
	}

	if !change.Present {
		s.mu.Lock()
		s.generation++
		s.lastRefresh = lastRefresh{}
		s.mu.Unlock()

		s.logger.Debug("session removed by another context")
		s.emitLogout()
		return
	}

	rec, err := decodeRecord(change.Value)
	if err != nil {
		s.logger.Warn("ignoring unreadable session change", zap.Error(err))
		return
	}
	s.events.Emit(events.SessionChanged, events.SessionChangedPayload{
		User:   maps.Clone(rec.User),
		Action: events.ActionSync,
	})
}
