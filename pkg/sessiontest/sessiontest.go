// Package sessiontest provides an in-process fake of the authentication API
// for exercising the session and transport packages end to end.
//
// The server mints real ES256 tokens, checks bcrypt-hashed passwords, issues
// and rotates refresh tokens, and enforces bearer and anti-forgery headers.
// Counters, gates and failure switches let tests observe and steer it.
//
//	srv := sessiontest.NewServer()
//	defer srv.Close()
//	srv.AddUser(sessiontest.User{Email: "alice@example.com", Password: "pw"})
//
//	release := srv.HoldCSRF()
//	// ... start concurrent callers
//	release()
//	if srv.CSRFCalls() != 1 { ... }
package sessiontest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/pkg/tokens"
)

const (
	DefaultIssuerDomain   = "sessiontest.local"
	DefaultAudience       = "authsession"
	DefaultAccessLifetime = 15 * time.Minute
	CSRFHeader            = "X-CSRF-Token"
)

// User is an account known to the server.
type User struct {
	ID            string
	Email         string
	Username      string
	Password      string
	TwoFactorCode string
	Profile       map[string]any
}

type account struct {
	user         User
	passwordHash []byte
	profile      map[string]any
}

type Server struct {
	URL string

	httpServer *httptest.Server
	router     *mux.Router
	issuer     *tokens.Issuer
	signingKey *ecdsa.PrivateKey
	logger     *zap.Logger

	accessLifetime time.Duration
	rotateRefresh  bool
	requireCSRF    bool

	mu          sync.Mutex
	accounts    map[string]*account
	refresh     map[string]string
	challenges  map[string]string
	revoked     map[string]bool
	csrfTokens  map[string]bool
	forced      map[string]int
	delays      map[string]time.Duration
	csrfGate    chan struct{}
	refreshGate chan struct{}

	csrfCalls    atomic.Int32
	refreshCalls atomic.Int32
	loginCalls   atomic.Int32
	logoutCalls  atomic.Int32
}

type Option func(*Server)

// WithSigningKey replaces the generated P-256 key.
func WithSigningKey(key *ecdsa.PrivateKey) Option {
	return func(s *Server) { s.signingKey = key }
}

func WithAccessLifetime(d time.Duration) Option {
	return func(s *Server) { s.accessLifetime = d }
}

// WithRefreshRotation makes every refresh return a new refresh token.
func WithRefreshRotation(rotate bool) Option {
	return func(s *Server) { s.rotateRefresh = rotate }
}

// WithCSRFRequired controls whether state-changing requests must carry an
// issued anti-forgery token. On by default.
func WithCSRFRequired(required bool) Option {
	return func(s *Server) { s.requireCSRF = required }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a server without listening. Serve its Handler yourself, or use
// NewServer.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger:         zap.NewNop(),
		accessLifetime: DefaultAccessLifetime,
		rotateRefresh:  true,
		requireCSRF:    true,
		accounts:       make(map[string]*account),
		refresh:        make(map[string]string),
		challenges:     make(map[string]string),
		revoked:        make(map[string]bool),
		csrfTokens:     make(map[string]bool),
		forced:         make(map[string]int),
		delays:         make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.signingKey == nil {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		s.signingKey = key
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.issuer = tokens.NewIssuer(s.signingKey, DefaultIssuerDomain)
	s.router = s.buildRouter()
	return s, nil
}

// NewServer starts a server on a local ephemeral port. It panics if the
// server can't be built, like httptest.NewServer.
func NewServer(opts ...Option) *Server {
	s, err := New(opts...)
	if err != nil {
		panic("sessiontest: " + err.Error())
	}
	s.httpServer = httptest.NewServer(s.router)
	s.URL = s.httpServer.URL
	return s
}

func (s *Server) Close() {
	s.mu.Lock()
	gates := []chan struct{}{s.csrfGate, s.refreshGate}
	s.csrfGate, s.refreshGate = nil, nil
	s.mu.Unlock()
	for _, gate := range gates {
		if gate != nil {
			close(gate)
		}
	}

	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Client returns an HTTP client configured for the server.
func (s *Server) Client() *http.Client {
	if s.httpServer != nil {
		return s.httpServer.Client()
	}
	return http.DefaultClient
}

func (s *Server) VerificationKey() *ecdsa.PublicKey {
	return &s.signingKey.PublicKey
}

// AddUser registers an account. ID and Username default from Email.
func (s *Server) AddUser(user User) error {
	hash, err := hashPassword(user.Password)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", user.Email, err)
	}
	if user.ID == "" {
		user.ID = "user-" + randomToken()[:8]
	}
	if user.Username == "" {
		user.Username = user.Email
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[user.Email]; exists {
		return fmt.Errorf("user %s already exists", user.Email)
	}
	s.accounts[user.Email] = &account{
		user:         user,
		passwordHash: hash,
		profile:      newProfile(user),
	}
	return nil
}

// MintToken signs an access token for subject that expires after ttl.
func (s *Server) MintToken(subject string, ttl time.Duration) string {
	token, err := s.issuer.Issue(subject, []string{DefaultAudience}, ttl)
	if err != nil {
		panic("sessiontest: " + err.Error())
	}
	return token
}

// MintRefreshToken issues a refresh token the server will accept for the
// account with email.
func (s *Server) MintRefreshToken(email string) string {
	token := randomToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[token] = email
	return token
}

// RevokeRefreshTokens forgets every issued refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// FailWith answers every request to path with status until reset with 0.
func (s *Server) FailWith(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.forced, path)
		return
	}
	s.forced[path] = status
}

// Delay holds every request to path for d before handling it.
func (s *Server) Delay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.delays, path)
		return
	}
	s.delays[path] = d
}

// HoldCSRF blocks csrf token responses until the returned func is called.
func (s *Server) HoldCSRF() (release func()) {
	return s.hold(&s.csrfGate)
}

// HoldRefresh blocks refresh responses until the returned func is called.
func (s *Server) HoldRefresh() (release func()) {
	return s.hold(&s.refreshGate)
}

func (s *Server) hold(slot *chan struct{}) func() {
	gate := make(chan struct{})
	s.mu.Lock()
	*slot = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if *slot == gate {
				*slot = nil
				close(gate)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Server) CSRFCalls() int    { return int(s.csrfCalls.Load()) }
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }
func (s *Server) LoginCalls() int   { return int(s.loginCalls.Load()) }
func (s *Server) LogoutCalls() int  { return int(s.logoutCalls.Load()) }

func randomToken() string {
	b := make([]byte, 24)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
