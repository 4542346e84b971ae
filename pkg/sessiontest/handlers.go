package sessiontest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type authResponse struct {
	Success      bool           `json:"success"`
	Token        string         `json:"token,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	User         map[string]any `json:"user,omitempty"`
	Requires2FA  bool           `json:"requires2FA,omitempty"`
	TempToken    string         `json:"tempToken,omitempty"`
	Message      string         `json:"message,omitempty"`
}

type refreshResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Message      string `json:"message,omitempty"`
}

type subjectKey struct{}

func decodeRequest[T any](req *T, w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		logApiErr(logger, r, "bad json request")
		returnJson(w, http.StatusBadRequest, messageResponse{Message: "bad request"})
		return false
	}
	return true
}

func returnJson(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func logApiErr(logger *zap.Logger, r *http.Request, msg string) {
	logger.Info(msg, zap.String("method", r.Method), zap.String("path", r.URL.Path))
}

func hashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
}

func newProfile(user User) map[string]any {
	profile := map[string]any{
		"id":       user.ID,
		"email":    user.Email,
		"username": user.Username,
	}
	maps.Copy(profile, user.Profile)
	return profile
}

// wait blocks on the gate currently installed, if any.
func wait(ctx context.Context, gate chan struct{}) bool {
	if gate == nil {
		return true
	}
	select {
	case <-gate:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	s.csrfCalls.Add(1)

	s.mu.Lock()
	gate := s.csrfGate
	s.mu.Unlock()
	if !wait(r.Context(), gate) {
		return
	}

	token := randomToken()
	s.mu.Lock()
	s.csrfTokens[token] = true
	s.mu.Unlock()

	returnJson(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	req := struct {
		RefreshToken string `json:"refreshToken"`
	}{}
	if ok := decodeRequest(&req, w, r, s.logger); !ok {
		return
	}

	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()
	if !wait(r.Context(), gate) {
		return
	}

	s.mu.Lock()
	email, known := s.refresh[req.RefreshToken]
	acct := s.accounts[email]
	s.mu.Unlock()
	if !known || acct == nil {
		logApiErr(s.logger, r, "unknown refresh token")
		returnJson(w, http.StatusUnauthorized, refreshResponse{Message: "invalid refresh token"})
		return
	}

	response := refreshResponse{
		Success: true,
		Token:   s.MintToken(acct.user.ID, s.accessLifetime),
	}
	if s.rotateRefresh {
		s.mu.Lock()
		delete(s.refresh, req.RefreshToken)
		s.mu.Unlock()
		response.RefreshToken = s.MintRefreshToken(email)
	}
	returnJson(w, http.StatusOK, response)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	req := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{}
	if ok := decodeRequest(&req, w, r, s.logger); !ok {
		return
	}

	s.mu.Lock()
	acct := s.accounts[req.Email]
	s.mu.Unlock()
	if acct == nil || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)) != nil {
		logApiErr(s.logger, r, "password check failed")
		returnJson(w, http.StatusUnauthorized, authResponse{Message: "Invalid email or password"})
		return
	}

	if acct.user.TwoFactorCode != "" {
		challenge := randomToken()
		s.mu.Lock()
		s.challenges[challenge] = req.Email
		s.mu.Unlock()
		returnJson(w, http.StatusOK, authResponse{
			Success:     true,
			Requires2FA: true,
			TempToken:   challenge,
		})
		return
	}

	returnJson(w, http.StatusOK, s.startSession(acct))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}{}
	if ok := decodeRequest(&req, w, r, s.logger); !ok {
		return
	}
	if req.Email == "" || req.Password == "" {
		returnJson(w, http.StatusBadRequest, authResponse{Message: "email and password are required"})
		return
	}

	err := s.AddUser(User{Email: req.Email, Username: req.Username, Password: req.Password})
	if err != nil {
		logApiErr(s.logger, r, fmt.Sprintf("couldn't register: %v", err))
		returnJson(w, http.StatusConflict, authResponse{Message: "account already exists"})
		return
	}

	s.mu.Lock()
	acct := s.accounts[req.Email]
	s.mu.Unlock()
	returnJson(w, http.StatusCreated, s.startSession(acct))
}

func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	req := struct {
		TempToken string `json:"tempToken"`
		Code      string `json:"code"`
	}{}
	if ok := decodeRequest(&req, w, r, s.logger); !ok {
		return
	}

	s.mu.Lock()
	email, known := s.challenges[req.TempToken]
	acct := s.accounts[email]
	s.mu.Unlock()
	if !known || acct == nil || acct.user.TwoFactorCode != req.Code {
		logApiErr(s.logger, r, "two-factor check failed")
		returnJson(w, http.StatusUnauthorized, authResponse{Message: "Invalid verification code"})
		return
	}

	s.mu.Lock()
	delete(s.challenges, req.TempToken)
	s.mu.Unlock()
	returnJson(w, http.StatusOK, s.startSession(acct))
}

func (s *Server) startSession(acct *account) authResponse {
	s.mu.Lock()
	profile := maps.Clone(acct.profile)
	s.mu.Unlock()

	return authResponse{
		Success:      true,
		Token:        s.MintToken(acct.user.ID, s.accessLifetime),
		RefreshToken: s.MintRefreshToken(acct.user.Email),
		User:         profile,
	}
}

// authenticate verifies the bearer token and stores its subject on the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoded, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || encoded == "" {
			returnJson(w, http.StatusUnauthorized, messageResponse{Message: "authentication required"})
			return
		}

		claims := jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(
			encoded,
			&claims,
			func(*jwt.Token) (any, error) { return &s.signingKey.PublicKey, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithIssuer(DefaultIssuerDomain),
		)
		s.mu.Lock()
		revoked := s.revoked[encoded]
		s.mu.Unlock()
		if err != nil || revoked {
			logApiErr(s.logger, r, "rejected bearer token")
			returnJson(w, http.StatusUnauthorized, messageResponse{Message: "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accountFor(r *http.Request) *account {
	subject, _ := r.Context().Value(subjectKey{}).(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if acct.user.ID == subject {
			return acct
		}
	}
	return nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	encoded := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	s.revoked[encoded] = true
	s.mu.Unlock()

	returnJson(w, http.StatusOK, messageResponse{Success: true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct := s.accountFor(r)
	if acct == nil {
		returnJson(w, http.StatusNotFound, messageResponse{Message: "user not found"})
		return
	}

	s.mu.Lock()
	profile := maps.Clone(acct.profile)
	s.mu.Unlock()
	returnJson(w, http.StatusOK, map[string]any{"user": profile})
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	acct := s.accountFor(r)
	if acct == nil {
		returnJson(w, http.StatusNotFound, messageResponse{Message: "user not found"})
		return
	}

	changes := map[string]any{}
	if ok := decodeRequest(&changes, w, r, s.logger); !ok {
		return
	}
	delete(changes, "id")

	s.mu.Lock()
	maps.Copy(acct.profile, changes)
	profile := maps.Clone(acct.profile)
	s.mu.Unlock()
	returnJson(w, http.StatusOK, map[string]any{"user": profile})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		logApiErr(s.logger, r, fmt.Sprintf("bad multipart body: %v", err))
		returnJson(w, http.StatusBadRequest, messageResponse{Message: "bad upload"})
		return
	}

	for field, files := range r.MultipartForm.File {
		if len(files) == 0 {
			continue
		}
		file, err := files[0].Open()
		if err != nil {
			returnJson(w, http.StatusBadRequest, messageResponse{Message: "bad upload"})
			return
		}
		size, _ := io.Copy(io.Discard, file)
		file.Close()

		returnJson(w, http.StatusCreated, map[string]any{
			"success":  true,
			"field":    field,
			"filename": files[0].Filename,
			"size":     size,
			"url":      "/media/" + randomToken()[:12],
			"fields":   r.MultipartForm.Value,
		})
		return
	}
	returnJson(w, http.StatusBadRequest, messageResponse{Message: "no file"})
}

func (s *Server) handleProtected(w http.ResponseWriter, r *http.Request) {
	subject, _ := r.Context().Value(subjectKey{}).(string)
	returnJson(w, http.StatusOK, map[string]any{
		"success": true,
		"subject": subject,
		"method":  r.Method,
	})
}
