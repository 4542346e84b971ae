package authsession_test

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/internal/config"
	"git.sr.ht/~jakintosh/authsession/internal/testutil"
	"git.sr.ht/~jakintosh/authsession/pkg/authsession"
	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/sessiontest"
	"git.sr.ht/~jakintosh/authsession/pkg/storage"
)

func newConfig(baseURL string) *authsession.Config {
	return &authsession.Config{
		API: config.APIConfig{BaseURL: baseURL, Timeout: 5 * time.Second},
		Storage: config.StorageConfig{
			Backend:   config.BackendMemory,
			Namespace: "test",
		},
		Monitor: config.MonitorConfig{
			Interval: time.Minute,
			Horizon:  5 * time.Minute,
		},
		Log:              config.LogConfig{Level: "error"},
		FallbackLifetime: time.Hour,
		CSRFHeader:       sessiontest.CSRFHeader,
	}
}

func setupServer(t *testing.T) *sessiontest.Server {
	t.Helper()

	srv := sessiontest.NewServer()
	t.Cleanup(srv.Close)
	if err := srv.AddUser(sessiontest.User{
		ID:       "u1",
		Email:    "alice@example.com",
		Password: "correct horse",
	}); err != nil {
		t.Fatalf("failed to add user: %v", err)
	}
	return srv
}

func setupClient(t *testing.T, cfg *authsession.Config, opts ...authsession.Option) *authsession.Client {
	t.Helper()

	opts = append([]authsession.Option{authsession.WithLogger(zap.NewNop())}, opts...)
	client, err := authsession.New(cfg, opts...)
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := newConfig("http://localhost")
	cfg.Storage.Backend = "floppy"

	_, err := authsession.New(cfg)

	// validate config error
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestNew_RejectsBadSealKey(t *testing.T) {
	t.Parallel()
	cfg := newConfig("http://localhost")
	cfg.Storage.SealKey = "too-short"

	_, err := authsession.New(cfg, authsession.WithLogger(zap.NewNop()))

	// validate key error
	if err == nil {
		t.Fatal("expected error for bad seal key")
	}
}

func TestClient_LoginAndRequest(t *testing.T) {
	t.Parallel()
	srv := setupServer(t)
	reg := prometheus.NewRegistry()
	client := setupClient(t, newConfig(srv.URL), authsession.WithRegisterer(reg))
	ctx := context.Background()

	if _, err := client.Auth.Login(ctx, "alice@example.com", "correct horse"); err != nil {
		t.Fatalf("failed to login: %v", err)
	}
	response := struct {
		Subject string `json:"subject"`
	}{}
	if err := client.Transport.Get(ctx, "/api/protected", &response); err != nil {
		t.Fatalf("failed protected request: %v", err)
	}

	// validate authenticated request
	if response.Subject != "u1" {
		t.Errorf("expected subject u1, got %q", response.Subject)
	}

	// validate metrics were recorded
	expected := `
# HELP authsession_requests_total Authenticated requests by method and outcome.
# TYPE authsession_requests_total counter
authsession_requests_total{method="GET",outcome="success"} 1
authsession_requests_total{method="POST",outcome="success"} 1
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(expected), "authsession_requests_total"); err != nil {
		t.Error(err)
	}
}

func TestClient_SealedFileStorageSharedAcrossClients(t *testing.T) {
	t.Parallel()
	srv := setupServer(t)
	cfg := newConfig(srv.URL)
	cfg.Storage.Backend = config.BackendFile
	cfg.Storage.Path = filepath.Join(t.TempDir(), "sessions")
	cfg.Storage.SealKey = base64.StdEncoding.EncodeToString(storage.NewSealKey())

	first := setupClient(t, cfg)
	second := setupClient(t, cfg)
	recorder := testutil.RecordEvents(t, second.Events)

	if _, err := first.Auth.Login(context.Background(), "alice@example.com", "correct horse"); err != nil {
		t.Fatalf("failed to login: %v", err)
	}

	// validate the other client follows the login
	synced := recorder.WaitFor(t, events.SessionChanged, 1)
	payload := synced[0].Payload.(events.SessionChangedPayload)
	if payload.Action != events.ActionSync {
		t.Errorf("expected sync action, got %s", payload.Action)
	}
	if !second.Store.IsAuthenticated() {
		t.Error("expected second client authenticated")
	}
}

func TestClient_StartAndClose(t *testing.T) {
	t.Parallel()
	srv := setupServer(t)
	client, err := authsession.New(newConfig(srv.URL), authsession.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	client.Start(context.Background())
	client.Start(context.Background())

	// validate close stops the monitor
	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("close failed: %v", err)
		}
	case <-time.After(testutil.DefaultWait):
		t.Fatal("close never returned")
	}
}
