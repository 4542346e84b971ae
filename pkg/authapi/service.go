package authapi

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/pkg/session"
	"git.sr.ht/~jakintosh/authsession/pkg/transport"
)

const (
	LoginPath     = "/api/auth/login"
	RegisterPath  = "/api/auth/register"
	Verify2FAPath = "/api/auth/verify-2fa"
	LogoutPath    = "/api/auth/logout"
	MePath        = "/api/auth/me"
)

var (
	ErrTwoFactorRequired = errors.New("two-factor verification required")
	ErrAuthFailed        = errors.New("authentication failed")
)

// TwoFactorRequiredError carries the challenge to pass to Verify2FA.
type TwoFactorRequiredError struct {
	Challenge string
}

func (e *TwoFactorRequiredError) Error() string {
	return ErrTwoFactorRequired.Error()
}

func (e *TwoFactorRequiredError) Is(target error) bool {
	return target == ErrTwoFactorRequired
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Verify2FARequest struct {
	TempToken string `json:"tempToken"`
	Code      string `json:"code"`
}

// AuthResponse is the reply of login, registration and 2FA verification.
type AuthResponse struct {
	Success      bool         `json:"success"`
	Token        string       `json:"token,omitempty"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	User         session.User `json:"user,omitempty"`
	Requires2FA  bool         `json:"requires2FA,omitempty"`
	TempToken    string       `json:"tempToken,omitempty"`
	Message      string       `json:"message,omitempty"`
}

type UserResponse struct {
	User session.User `json:"user"`
}

type Service struct {
	transport *transport.Transport
	store     *session.Store
	logger    *zap.Logger
}

func NewService(t *transport.Transport, store *session.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transport: t,
		store:     store,
		logger:    logger,
	}
}

// Login authenticates and starts a session. When the account has two-factor
// enabled it returns a *TwoFactorRequiredError instead.
func (s *Service) Login(ctx context.Context, email string, password string) (session.User, error) {
	response := AuthResponse{}
	err := s.transport.Post(ctx, LoginPath, LoginRequest{Email: email, Password: password}, &response)
	if err != nil {
		return nil, err
	}
	return s.establish(response)
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (session.User, error) {
	response := AuthResponse{}
	if err := s.transport.Post(ctx, RegisterPath, req, &response); err != nil {
		return nil, err
	}
	return s.establish(response)
}

// Verify2FA completes a login held at the two-factor step.
func (s *Service) Verify2FA(ctx context.Context, challenge string, code string) (session.User, error) {
	response := AuthResponse{}
	err := s.transport.Post(ctx, Verify2FAPath, Verify2FARequest{TempToken: challenge, Code: code}, &response)
	if err != nil {
		return nil, err
	}
	return s.establish(response)
}

func (s *Service) establish(response AuthResponse) (session.User, error) {
	if response.Requires2FA {
		return nil, &TwoFactorRequiredError{Challenge: response.TempToken}
	}
	if !response.Success || response.Token == "" {
		if response.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, response.Message)
		}
		return nil, ErrAuthFailed
	}
	if err := s.store.SetSession(response.Token, response.User, response.RefreshToken); err != nil {
		return nil, err
	}
	return response.User, nil
}

// Logout tells the server and always clears the local session.
func (s *Service) Logout(ctx context.Context) error {
	if s.store.Session() != nil {
		if err := s.transport.Post(ctx, LogoutPath, nil, nil); err != nil {
			s.logger.Info("server logout failed, clearing locally", zap.Error(err))
		}
	}
	return s.store.Clear()
}

// Me fetches the current user from the server.
func (s *Service) Me(ctx context.Context) (session.User, error) {
	response := UserResponse{}
	if err := s.transport.Get(ctx, MePath, &response); err != nil {
		return nil, err
	}
	return response.User, nil
}

// SyncProfile refreshes the cached user from the server.
func (s *Service) SyncProfile(ctx context.Context) (session.User, error) {
	user, err := s.Me(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateProfile sends changed fields and caches the server's result.
func (s *Service) UpdateProfile(ctx context.Context, changes session.User) (session.User, error) {
	response := UserResponse{}
	if err := s.transport.Patch(ctx, MePath, changes, &response); err != nil {
		return nil, err
	}
	if err := s.store.UpdateUser(response.User); err != nil {
		return nil, err
	}
	return response.User, nil
}
