package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/session"
)

const (
	DefaultCSRFHeader = "X-CSRF-Token"
	DefaultTimeout    = 30 * time.Second
	RequestIDHeader   = "X-Request-ID"
)

// Invalidation describes the request whose 401 ended the session.
type Invalidation struct {
	Target string
	Status int
}

// Request is one authenticated call. Target is a path resolved against the
// base URL, or an absolute URL. A nil Kind is a GET.
type Request struct {
	Target  string
	Kind    Kind
	Header  http.Header
	Timeout time.Duration
}

// Response is a 2xx response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	value  any
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("couldn't decode response: %w", err)
	}
	return nil
}

// Text returns the raw body.
func (r *Response) Text() string {
	return string(r.Body)
}

// Value returns the decoded JSON value, or the raw text for other content
// types.
func (r *Response) Value() any {
	return r.value
}

type Transport struct {
	credentials   Credentials
	baseURL       *url.URL
	client        *http.Client
	events        *events.Bus
	logger        *zap.Logger
	metrics       Metrics
	csrfHeader    string
	timeout       time.Duration
	onInvalidated func(Invalidation)
}

type Option func(*Transport)

func WithBaseURL(baseURL string) Option {
	return func(t *Transport) {
		if u, err := url.Parse(baseURL); err == nil {
			t.baseURL = u
		}
	}
}

// WithHTTPClient replaces the default client, which keeps cookies in a jar.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.client = client }
}

// WithEvents sets the bus for invalidation and failure events. Defaults to
// the store's bus when it has one.
func WithEvents(bus *events.Bus) Option {
	return func(t *Transport) { t.events = bus }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

func WithMetrics(metrics Metrics) Option {
	return func(t *Transport) { t.metrics = metrics }
}

func WithCSRFHeader(name string) Option {
	return func(t *Transport) { t.csrfHeader = name }
}

// WithTimeout sets the timeout of requests that don't carry their own.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// OnInvalidated registers the callback run after a 401 cleared the session.
func OnInvalidated(fn func(Invalidation)) Option {
	return func(t *Transport) { t.onInvalidated = fn }
}

func New(credentials Credentials, opts ...Option) *Transport {
	t := &Transport{
		credentials: credentials,
		baseURL:     &url.URL{},
		logger:      zap.NewNop(),
		metrics:     noopMetrics{},
		csrfHeader:  DefaultCSRFHeader,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		jar, _ := cookiejar.New(nil)
		t.client = &http.Client{Jar: jar}
	}
	if t.events == nil {
		if source, ok := credentials.(interface{ Events() *events.Bus }); ok {
			t.events = source.Events()
		}
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.metrics == nil {
		t.metrics = noopMetrics{}
	}
	if t.csrfHeader == "" {
		t.csrfHeader = DefaultCSRFHeader
	}
	return t
}

// Do sends req with the session's credentials attached.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	kind := req.Kind
	if kind == nil {
		kind = Get{}
	}

	var body io.Reader
	if payload := kind.body(); payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("couldn't encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := t.withTimeout(ctx, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, kind.method(), t.resolve(req.Target), body)
	if err != nil {
		return nil, fmt.Errorf("couldn't build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.authorize(ctx, httpReq, req.Header)

	return t.send(httpReq, req.Target)
}

func (t *Transport) Get(ctx context.Context, target string, out any) error {
	return t.call(ctx, target, Get{}, out)
}

func (t *Transport) Post(ctx context.Context, target string, body any, out any) error {
	return t.call(ctx, target, Post{Body: body}, out)
}

func (t *Transport) Put(ctx context.Context, target string, body any, out any) error {
	return t.call(ctx, target, Put{Body: body}, out)
}

func (t *Transport) Patch(ctx context.Context, target string, body any, out any) error {
	return t.call(ctx, target, Patch{Body: body}, out)
}

func (t *Transport) Delete(ctx context.Context, target string, out any) error {
	return t.call(ctx, target, Delete{}, out)
}

func (t *Transport) call(ctx context.Context, target string, kind Kind, out any) error {
	resp, err := t.Do(ctx, Request{Target: target, Kind: kind})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func (t *Transport) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (t *Transport) resolve(target string) string {
	ref, err := url.Parse(target)
	if err != nil || ref.IsAbs() {
		return target
	}
	return t.baseURL.ResolveReference(ref).String()
}

// authorize sets the base, credential and caller headers, in that order of
// precedence from lowest to highest.
func (t *Transport) authorize(ctx context.Context, req *http.Request, overrides http.Header) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	// a rejected csrf fetch clears the session, so read the bearer after it
	csrf, err := t.credentials.CSRFToken(ctx)
	switch {
	case err == nil:
		req.Header.Set(t.csrfHeader, csrf)
	case errors.Is(err, session.ErrNoCSRFFetcher):
	default:
		t.logger.Warn("sending request without csrf token",
			zap.String("target", req.URL.Path),
			zap.Error(err),
		)
	}

	if bundle := t.credentials.Session(); bundle != nil {
		req.Header.Set("Authorization", "Bearer "+bundle.AccessToken)
	}

	for name, values := range overrides {
		req.Header.Del(name)
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
}

func (t *Transport) send(req *http.Request, target string) (*Response, error) {
	start := time.Now()
	method := req.Method
	logger := t.logger.With(
		zap.String("method", method),
		zap.String("target", target),
		zap.String("requestID", req.Header.Get(RequestIDHeader)),
	)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.networkFailure(logger, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, t.networkFailure(logger, method, err)
	}
	value := decodeBody(resp.Header, data)
	logger = logger.With(zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.metrics.ObserveRequest(method, "success")
		logger.Debug("request succeeded")
		return &Response{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   data,
			value:  value,
		}, nil
	}

	httpErr := &HTTPError{
		Method: method,
		Target: target,
		Status: resp.StatusCode,
		Body:   value,
	}
	t.reportFailure(method, target, resp.StatusCode)
	if resp.StatusCode == http.StatusUnauthorized {
		t.metrics.ObserveRequest(method, "unauthorized")
		logger.Info("request unauthorized, ending session")
		t.invalidate(target, resp.StatusCode)
	} else {
		t.metrics.ObserveRequest(method, "http_error")
		logger.Debug("request failed")
	}
	return nil, httpErr
}

func (t *Transport) networkFailure(logger *zap.Logger, method string, err error) error {
	netErr := &NetworkError{Err: err, Timeout: isTimeout(err)}
	if netErr.Timeout {
		t.metrics.ObserveRequest(method, "timeout")
	} else {
		t.metrics.ObserveRequest(method, "network_error")
	}
	logger.Warn("request got no response", zap.Bool("timeout", netErr.Timeout), zap.Error(err))
	return netErr
}

// invalidate ends the session after a 401, regardless of the caller.
func (t *Transport) invalidate(target string, status int) {
	if err := t.credentials.Clear(); err != nil {
		t.logger.Error("clearing session after 401 failed", zap.Error(err))
	}
	t.events.Emit(events.SessionInvalidated, events.SessionInvalidatedPayload{
		Target: target,
		Status: status,
	})
	if t.onInvalidated != nil {
		t.onInvalidated(Invalidation{Target: target, Status: status})
	}
}

func (t *Transport) reportFailure(method string, target string, status int) {
	var name events.Name
	switch {
	case status == http.StatusUnauthorized:
		name = events.UnauthorizedAccess
	case status == http.StatusForbidden:
		name = events.PermissionDenied
	case status == http.StatusNotFound:
		name = events.ResourceNotFound
	case status == http.StatusTooManyRequests:
		name = events.RateLimitExceeded
	case status >= 500:
		name = events.ServerError
	default:
		return
	}
	t.events.Emit(name, events.RequestFailurePayload{
		Context: method + " " + target,
		Status:  status,
	})
}

// decodeBody parses JSON bodies and keeps everything else as text.
func decodeBody(header http.Header, data []byte) any {
	if len(data) == 0 {
		return nil
	}
	if isJSON(header.Get("Content-Type")) {
		var value any
		if err := json.Unmarshal(data, &value); err == nil {
			return value
		}
	}
	return string(data)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
