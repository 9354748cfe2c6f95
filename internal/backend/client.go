// Package backend is the HTTP client for the console REST API.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	internalerrors "github.com/wabaconsole/console/internal/errors"
	"github.com/wabaconsole/console/internal/logging"
	"github.com/wabaconsole/console/pkg/entitlements"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 4 << 20
	userAgent       = "waba-console"
)

// Config holds the client settings.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Token       string
	OAuth2      *OAuth2Config
	DNSCacheTTL time.Duration
	UseDNSCache bool
}

// OAuth2Config enables the client-credentials grant against the backend's
// token endpoint.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// ErrorReporter is the default user-facing failure notification for backend
// calls. Requests can suppress it for specific statuses.
type ErrorReporter func(ctx context.Context, err *internalerrors.APIError)

// Client talks to the backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	report  ErrorReporter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithErrorReporter replaces the default reporter.
func WithErrorReporter(r ErrorReporter) ClientOption {
	return func(c *Client) { c.report = r }
}

// WithHTTPClient replaces the underlying HTTP client (auth wiring is skipped).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient builds a client from cfg.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base URL %q must be http or https", raw)
	}

	c := &Client{baseURL: base, report: logReporter}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = newHTTPClient(cfg)
	}
	return c, nil
}

func newHTTPClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.UseDNSCache {
		SetDNSCacheTTL(cfg.DNSCacheTTL)
		transport.DialContext = dialContextWithCache
	}
	base := &http.Client{Transport: transport, Timeout: timeout}

	var source oauth2.TokenSource
	switch {
	case cfg.OAuth2 != nil && cfg.OAuth2.ClientID != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		source = cc.TokenSource(ctx)
	case cfg.Token != "":
		source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	default:
		return base
	}

	return &http.Client{
		Transport: &oauth2.Transport{Source: source, Base: transport},
		Timeout:   timeout,
	}
}

type requestOptions struct {
	suppress map[int]struct{}
}

// RequestOption tweaks a single request.
type RequestOption func(*requestOptions)

// SuppressErrorStatus skips the error reporter for the given statuses. The
// error is still returned to the caller.
func SuppressErrorStatus(codes ...int) RequestOption {
	return func(o *requestOptions) {
		for _, c := range codes {
			o.suppress[c] = struct{}{}
		}
	}
}

// Get performs a GET against path (relative to the base URL) and returns the body.
func (c *Client) Get(ctx context.Context, op, businessID, path string, opts ...RequestOption) ([]byte, error) {
	ro := requestOptions{suppress: map[int]struct{}{}}
	for _, opt := range opts {
		opt(&ro)
	}

	endpoint := c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, c.fail(ctx, ro, internalerrors.NewAPIError(internalerrors.ErrorTypeValidation, op, businessID, err))
	}
	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(ctx, ro, internalerrors.NewAPIError(transportErrorType(err), op, businessID, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, c.fail(ctx, ro, internalerrors.NewAPIError(internalerrors.ErrorTypeConnection, op, businessID, fmt.Errorf("read response: %w", err)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := internalerrors.NewAPIError(internalerrors.ErrorTypeAPI, op, businessID,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(body))).
			WithStatusCode(resp.StatusCode)
		return nil, c.fail(ctx, ro, apiErr)
	}

	log.Debug().
		Str("op", op).
		Str("business_id", businessID).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("Backend request completed")
	return body, nil
}

// FetchEntitlements loads and normalizes the snapshot for businessID.
// 401/403/429 mean "no entitlements yet" and are not reported to the user.
func (c *Client) FetchEntitlements(ctx context.Context, businessID string) (*entitlements.Snapshot, error) {
	const op = "fetch_entitlements"
	body, err := c.Get(ctx, op, businessID, "/entitlements/"+url.PathEscape(businessID),
		SuppressErrorStatus(http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests))
	if err != nil {
		return nil, err
	}
	snap, err := entitlements.Normalize(body)
	if err != nil {
		return nil, c.fail(ctx, requestOptions{}, internalerrors.NewAPIError(internalerrors.ErrorTypeValidation, op, businessID,
			fmt.Errorf("%w: %v", internalerrors.ErrInvalidPayload, err)))
	}
	if snap.BusinessID == "" {
		snap.BusinessID = businessID
	}
	return snap, nil
}

func (c *Client) fail(ctx context.Context, ro requestOptions, err *internalerrors.APIError) error {
	if _, suppressed := ro.suppress[err.StatusCode]; !suppressed && c.report != nil {
		c.report(ctx, err)
	}
	return err
}

func logReporter(ctx context.Context, err *internalerrors.APIError) {
	if logging.BusinessID(ctx) == "" {
		ctx = logging.WithBusiness(ctx, err.BusinessID)
	}
	logger := logging.FromContext(ctx)
	logger.Warn().
		Err(err).
		Str("op", err.Op).
		Int("status", err.StatusCode).
		Bool("retryable", err.Retryable).
		Msg("Backend request failed")
}

func transportErrorType(err error) internalerrors.ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return internalerrors.ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return internalerrors.ErrorTypeTimeout
	}
	return internalerrors.ErrorTypeConnection
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
