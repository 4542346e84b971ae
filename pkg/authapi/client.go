// Package authapi talks to the authentication endpoints of the API.
//
// Client covers the two calls the session core depends on, anti-forgery
// token issuance and token refresh, and sends them without the
// authenticated transport so a failing refresh can never trigger the 401
// logout policy. Service wraps the interactive flows (login, registration,
// two-factor verification, logout, profile) and keeps the session store in
// step with their results.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/pkg/session"
)

const (
	CSRFPath    = "/api/csrf-token"
	RefreshPath = "/api/auth/refresh"
)

var (
	ErrRequest         = errors.New("auth request failed")
	ErrResponse        = errors.New("invalid auth response")
	ErrRefreshRejected = errors.New("refresh rejected")
)

// StatusError reports a non-success answer from an auth endpoint. A 401 also
// matches session.ErrUnauthorized, which makes the store drop the session.
type StatusError struct {
	Endpoint string
	Status   int
	kind     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s: status %d", e.kind, e.Endpoint, e.Status)
}

func (e *StatusError) Unwrap() []error {
	if e.Status == http.StatusUnauthorized {
		return []error{e.kind, session.ErrUnauthorized}
	}
	return []error{e.kind}
}

type CSRFResponse struct {
	CSRFToken string `json:"csrfToken"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshResponse struct {
	Success      bool   `json:"success"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Message      string `json:"message,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

type ClientOption func(*Client)

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient sends to baseURL with httpClient. Share the client with the
// transport so both carry the same cookies.
func NewClient(baseURL string, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// FetchCSRFToken asks the server for a new anti-forgery token.
func (c *Client) FetchCSRFToken(ctx context.Context) (string, error) {
	response := CSRFResponse{}
	status, err := c.post(ctx, CSRFPath, nil, &response)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &StatusError{Endpoint: CSRFPath, Status: status, kind: ErrRequest}
	}
	if response.CSRFToken == "" {
		return "", fmt.Errorf("%w: missing csrfToken", ErrResponse)
	}
	return response.CSRFToken, nil
}

// Refresh exchanges refreshToken for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.RefreshResult, error) {
	response := RefreshResponse{}
	status, err := c.post(ctx, RefreshPath, RefreshRequest{RefreshToken: refreshToken}, &response)
	if err != nil {
		return session.RefreshResult{}, err
	}
	if status < 200 || status >= 300 || !response.Success {
		c.logger.Info("refresh rejected", zap.Int("status", status), zap.String("message", response.Message))
		return session.RefreshResult{}, &StatusError{Endpoint: RefreshPath, Status: status, kind: ErrRefreshRejected}
	}
	if response.Token == "" {
		return session.RefreshResult{}, fmt.Errorf("%w: missing token", ErrResponse)
	}
	return session.RefreshResult{
		AccessToken:  response.Token,
		RefreshToken: response.RefreshToken,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) (int, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRequest, err)
		}
		payload = data
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("posting auth request", zap.String("url", url))
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("auth request failed", zap.String("url", url), zap.Error(err))
		return 0, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode < 300 {
		c.logger.Warn("failed to decode auth response", zap.String("url", url), zap.Error(err))
		return resp.StatusCode, fmt.Errorf("%w: %v", ErrResponse, err)
	}
	return resp.StatusCode, nil
}
