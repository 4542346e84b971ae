// Package testharness runs session-testserver as a child process, for tests
// that want the fake API out of process.
package testharness

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"
)

const BinaryEnv = "SESSION_TESTSERVER_BIN"

// Config holds configuration for starting the test harness.
type Config struct {
	Users          []User
	ListenAddr     string
	AccessLifetime time.Duration
	NoRotate       bool
	NoCSRF         bool
	BinaryPath     string
	Quiet          bool
}

// User holds test user credentials.
type User struct {
	Email         string
	Password      string
	TwoFactorCode string
}

// Harness represents a running session-testserver instance.
type Harness struct {
	BaseURL         string
	IssuerDomain    string
	Audience        string
	CSRFHeader      string
	VerificationKey *ecdsa.PublicKey
	Users           []User

	cmd    *exec.Cmd
	cancel context.CancelFunc
}

type outputContract struct {
	BaseURL      string       `json:"base_url"`
	IssuerDomain string       `json:"issuer_domain"`
	Audience     string       `json:"audience"`
	CSRFHeader   string       `json:"csrf_header"`
	Users        []outputUser `json:"users"`
	Keys         outputKeys   `json:"keys"`
}

type outputUser struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code"`
}

type outputKeys struct {
	VerificationKeyDERBase64 string `json:"verification_key_der_base64"`
}

// Available reports whether a session-testserver binary can be found.
func Available(cfg Config) bool {
	return FindBinary(cfg.BinaryPath) != ""
}

// Start spawns a session-testserver and returns a handle to it.
// It registers cleanup with t.Cleanup().
func Start(t *testing.T, cfg Config) *Harness {
	t.Helper()

	binaryPath := FindBinary(cfg.BinaryPath)
	if binaryPath == "" {
		t.Fatalf("session-testserver binary not found (check PATH or set Config.BinaryPath or %s)", BinaryEnv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, buildArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		t.Fatalf("failed to create stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start session-testserver: %v", err)
	}

	fail := func(format string, args ...any) {
		t.Helper()
		cancel()
		cmd.Wait()
		t.Fatalf(format, args...)
	}

	// first line of stdout is the contract
	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		fail("failed to read JSON contract from session-testserver")
	}
	var contract outputContract
	if err := json.Unmarshal(scanner.Bytes(), &contract); err != nil {
		fail("failed to parse JSON contract: %v", err)
	}
	key, err := parseVerificationKey(contract.Keys.VerificationKeyDERBase64)
	if err != nil {
		fail("failed to read verification key: %v", err)
	}

	// stderr carries the server's logs
	go func() {
		stderrScanner := bufio.NewScanner(stderr)
		for stderrScanner.Scan() {
			if !cfg.Quiet {
				t.Logf("[session-testserver] %s", stderrScanner.Text())
			}
		}
	}()

	harness := &Harness{
		BaseURL:         contract.BaseURL,
		IssuerDomain:    contract.IssuerDomain,
		Audience:        contract.Audience,
		CSRFHeader:      contract.CSRFHeader,
		VerificationKey: key,
		Users:           make([]User, len(contract.Users)),
		cmd:             cmd,
		cancel:          cancel,
	}
	for i, user := range contract.Users {
		harness.Users[i] = User{
			Email:         user.Email,
			Password:      user.Password,
			TwoFactorCode: user.TwoFactorCode,
		}
	}

	t.Cleanup(func() {
		if err := harness.Close(); err != nil {
			t.Logf("warning: harness cleanup failed: %v", err)
		}
	})
	return harness
}

// Close terminates the session-testserver process.
func (h *Harness) Close() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	// ask for a graceful shutdown first
	h.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() {
		done <- h.cmd.Wait()
	}()

	select {
	case err := <-done:
		h.cancel()
		return err
	case <-time.After(5 * time.Second):
		h.cancel()
		<-done
		return fmt.Errorf("timeout waiting for graceful shutdown, process killed")
	}
}

// FindBinary looks at configPath, then $SESSION_TESTSERVER_BIN, then PATH.
func FindBinary(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	if envPath := os.Getenv(BinaryEnv); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	if pathBinary, err := exec.LookPath("session-testserver"); err == nil {
		return pathBinary
	}
	return ""
}

func buildArgs(cfg Config) []string {
	args := []string{}
	if cfg.ListenAddr != "" {
		args = append(args, "--listen", cfg.ListenAddr)
	}
	if cfg.AccessLifetime > 0 {
		args = append(args, "--access-lifetime", cfg.AccessLifetime.String())
	}
	if cfg.NoRotate {
		args = append(args, "--no-rotate")
	}
	if cfg.NoCSRF {
		args = append(args, "--no-csrf")
	}
	if cfg.Quiet {
		args = append(args, "--quiet")
	}
	for _, user := range cfg.Users {
		value := user.Email + ":" + user.Password
		if user.TwoFactorCode != "" {
			value += ":" + user.TwoFactorCode
		}
		args = append(args, "--user", value)
	}
	return args
}

func parseVerificationKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verification key is %T, not ECDSA", key)
	}
	return ecdsaKey, nil
}
