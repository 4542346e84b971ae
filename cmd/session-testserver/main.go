package main

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/internal/observability"
	"git.sr.ht/~jakintosh/authsession/pkg/sessiontest"
)

// Config holds all command-line configuration
type Config struct {
	ListenAddr     string
	AccessLifetime time.Duration
	RotateRefresh  bool
	RequireCSRF    bool
	Users          []UserCredentials
	LogLevel       string
	Quiet          bool
}

// UserCredentials holds an email, password and optional two-factor code
type UserCredentials struct {
	Email         string
	Password      string
	TwoFactorCode string
}

// OutputContract is the JSON structure emitted on stdout
type OutputContract struct {
	BaseURL      string       `json:"base_url"`
	IssuerDomain string       `json:"issuer_domain"`
	Audience     string       `json:"audience"`
	CSRFHeader   string       `json:"csrf_header"`
	Paths        OutputPaths  `json:"paths"`
	Users        []OutputUser `json:"users"`
	Keys         OutputKeys   `json:"keys"`
}

type OutputPaths struct {
	CSRFToken string `json:"csrf_token"`
	Refresh   string `json:"refresh"`
	Login     string `json:"login"`
	Logout    string `json:"logout"`
	Me        string `json:"me"`
}

type OutputUser struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code,omitempty"`
}

type OutputKeys struct {
	VerificationKeyDERBase64 string `json:"verification_key_der_base64"`
}

// UserFlag is a custom flag type for repeatable --user flags
type UserFlag []UserCredentials

func (u *UserFlag) String() string {
	return fmt.Sprintf("%v", *u)
}

func (u *UserFlag) Set(value string) error {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return fmt.Errorf("user must be in format 'email:password[:2fa-code]'")
	}
	user := UserCredentials{Email: parts[0], Password: parts[1]}
	if len(parts) == 3 {
		user.TwoFactorCode = parts[2]
	}
	*u = append(*u, user)
	return nil
}

func main() {
	cfg := parseFlags()

	level := cfg.LogLevel
	if cfg.Quiet {
		level = "fatal"
	}
	logger, err := observability.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("test server failed", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	srv, err := sessiontest.New(
		sessiontest.WithAccessLifetime(cfg.AccessLifetime),
		sessiontest.WithRefreshRotation(cfg.RotateRefresh),
		sessiontest.WithCSRFRequired(cfg.RequireCSRF),
		sessiontest.WithLogger(logger.Named("api")),
	)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer srv.Close()

	if err := seedUsers(srv, cfg.Users); err != nil {
		return err
	}

	verificationKeyDER, err := x509.MarshalPKIXPublicKey(srv.VerificationKey())
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	// Start HTTP server with ephemeral port
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	baseURL := fmt.Sprintf("http://%s:%d", addr.IP, addr.Port)

	contract := OutputContract{
		BaseURL:      baseURL,
		IssuerDomain: sessiontest.DefaultIssuerDomain,
		Audience:     sessiontest.DefaultAudience,
		CSRFHeader:   sessiontest.CSRFHeader,
		Paths: OutputPaths{
			CSRFToken: "/api/csrf-token",
			Refresh:   "/api/auth/refresh",
			Login:     "/api/auth/login",
			Logout:    "/api/auth/logout",
			Me:        "/api/auth/me",
		},
		Users: make([]OutputUser, len(cfg.Users)),
		Keys: OutputKeys{
			VerificationKeyDERBase64: base64.StdEncoding.EncodeToString(verificationKeyDER),
		},
	}
	for i, user := range cfg.Users {
		contract.Users[i] = OutputUser{
			Email:         user.Email,
			Password:      user.Password,
			TwoFactorCode: user.TwoFactorCode,
		}
	}
	if err := json.NewEncoder(os.Stdout).Encode(contract); err != nil {
		return fmt.Errorf("encode JSON contract: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Serve(listener)
	}()
	logger.Info("test server listening", zap.String("baseURL", baseURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func parseFlags() Config {
	var cfg Config
	var users UserFlag
	var noRotate, noCSRF bool

	flag.StringVar(&cfg.ListenAddr, "listen", "127.0.0.1:0", "Listen address (default uses ephemeral port)")
	flag.DurationVar(&cfg.AccessLifetime, "access-lifetime", sessiontest.DefaultAccessLifetime, "Lifetime of issued access tokens")
	flag.BoolVar(&noRotate, "no-rotate", false, "Keep refresh tokens across refreshes")
	flag.BoolVar(&noCSRF, "no-csrf", false, "Accept state-changing requests without a csrf token")
	flag.Var(&users, "user", "User in format 'email:password[:2fa-code]' (repeatable)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	flag.BoolVar(&cfg.Quiet, "quiet", false, "Suppress log output")

	flag.Parse()

	cfg.RotateRefresh = !noRotate
	cfg.RequireCSRF = !noCSRF
	if len(users) == 0 {
		cfg.Users = []UserCredentials{{Email: "test@example.com", Password: "test"}}
	} else {
		cfg.Users = users
	}
	return cfg
}

func seedUsers(srv *sessiontest.Server, users []UserCredentials) error {
	for _, user := range users {
		err := srv.AddUser(sessiontest.User{
			Email:         user.Email,
			Password:      user.Password,
			TwoFactorCode: user.TwoFactorCode,
		})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", user.Email, err)
		}
	}
	return nil
}
