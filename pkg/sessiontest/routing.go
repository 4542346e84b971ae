package sessiontest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.applyFaults)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/csrf-token", s.handleCSRFToken).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	guarded := api.NewRoute().Subrouter()
	guarded.Use(s.checkCSRF)
	guarded.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	guarded.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	guarded.HandleFunc("/auth/verify-2fa", s.handleVerify2FA).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.checkCSRF, s.authenticate)
	authed.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/auth/me", s.handleUpdateMe).Methods(http.MethodPatch)
	authed.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	authed.HandleFunc("/protected", s.handleProtected)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("requestID", r.Header.Get("X-Request-ID")),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// applyFaults injects the delays and forced statuses configured for a path.
func (s *Server) applyFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		delay := s.delays[r.URL.Path]
		status := s.forced[r.URL.Path]
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			returnJson(w, status, messageResponse{
				Success: false,
				Message: http.StatusText(status),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireCSRF || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(CSRFHeader)
		s.mu.Lock()
		valid := token != "" && s.csrfTokens[token]
		s.mu.Unlock()
		if !valid {
			logApiErr(s.logger, r, "missing or unknown csrf token")
			returnJson(w, http.StatusForbidden, messageResponse{Message: "invalid csrf token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
