// Package api is the HTTP collaborator of the session coordinator: a
// thin JSON client for the /auth/* endpoints plus a generic request
// path for ordinary application traffic. It never owns session state;
// the current token and the refresh behaviour are supplied once at
// startup through a narrow AuthHandler interface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pysiyou/atlas-sub001/faults"
	"github.com/pysiyou/atlas-sub001/refresh"
	"github.com/rs/zerolog"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
	mePath      = "/auth/me"
	logoutPath  = "/auth/logout"

	defaultTimeout = 30 * time.Second
)

// AuthHandler is the boundary contract the session controller registers
// with the client at startup: a synchronous token getter, a refresh
// invoker routed through the single-flight coordinator, and a forced
// logout hook for when refresh itself comes back invalid.
type AuthHandler interface {
	// Token returns the current live access token, or "" when there is
	// none. It must be safe to call from any goroutine and must never
	// block.
	Token() string
	// Refresh obtains a fresh access token. Simultaneously failing
	// requests calling Refresh concurrently must result in exactly one
	// underlying refresh call.
	Refresh(ctx context.Context) (string, error)
	// OnAuthFailure requests a forced logout after an unrecoverable
	// authorization failure.
	OnAuthFailure(reason error)
}

// Client issues requests against the authentication server.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
	auth    AuthHandler
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (primarily for
// tests and custom transports).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// SetAuthHandler injects the session controller's boundary contract.
// Called once at startup, before any authenticated traffic.
func (c *Client) SetAuthHandler(handler AuthHandler) {
	c.auth = handler
}

// Login exchanges credentials for a token pair. 401/403 here means the
// credentials themselves were rejected.
func (c *Client) Login(ctx context.Context, creds Credentials) (*TokenPair, error) {
	var pair TokenPair
	if err := c.roundTrip(ctx, http.MethodPost, loginPath, creds, &pair, withAuthIntent()); err != nil {
		return nil, errors.Wrap(err, "[Client.Login] POST /auth/login")
	}
	return &pair, nil
}

// Refresh exchanges a refresh token for a new token pair. 401/403 here
// means the refresh token is stale or revoked.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var pair TokenPair
	if err := c.roundTrip(ctx, http.MethodPost, refreshPath, refreshRequest{RefreshToken: refreshToken}, &pair, withAuthIntent()); err != nil {
		return nil, errors.Wrap(err, "[Client.Refresh] POST /auth/refresh")
	}
	return &pair, nil
}

// Me fetches the identity profile for the current bearer token.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var identity Identity
	if err := c.roundTrip(ctx, http.MethodGet, mePath, nil, &identity, withBearer()); err != nil {
		return nil, errors.Wrap(err, "[Client.Me] GET /auth/me")
	}
	return &identity, nil
}

// Logout notifies the server that the session is ending. Callers treat
// failures as best-effort; the error is returned for logging only.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.roundTrip(ctx, http.MethodPost, logoutPath, struct{}{}, nil, withBearer()); err != nil {
		return errors.Wrap(err, "[Client.Logout] POST /auth/logout")
	}
	return nil
}

// RequestQueuer is optionally implemented by an AuthHandler whose
// refreshes run through a single-flight coordinator. A 401-failing
// request arriving while a refresh is already underway is parked on the
// coordinator's queue and replayed when the refresh settles, instead of
// issuing its own refresh call.
type RequestQueuer interface {
	EnqueueRetry(retry func(ctx context.Context) (any, error)) (<-chan refresh.Outcome, bool)
}

// Do issues an ordinary application request with the current bearer
// token attached. On a 401 it asks the auth handler for exactly one
// refresh (deduplicated across concurrent callers by the coordinator)
// and retries once; if the refresh itself fails, the handler's forced
// logout hook fires and the classified fault is returned.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	if c.auth == nil {
		return c.roundTrip(ctx, method, path, in, out)
	}

	err := c.roundTrip(ctx, method, path, in, out, withBearer())
	if !isUnauthorized(err) {
		return err
	}

	if queuer, ok := c.auth.(RequestQueuer); ok {
		retryFn := func(ctx context.Context) (any, error) {
			return nil, c.roundTrip(ctx, method, path, in, out, withBearer())
		}
		if ch, queued := queuer.EnqueueRetry(retryFn); queued {
			select {
			case outcome := <-ch:
				return outcome.Err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if _, refreshErr := c.auth.Refresh(ctx); refreshErr != nil {
		c.auth.OnAuthFailure(refreshErr)
		return faults.Classify(refreshErr)
	}
	return c.roundTrip(ctx, method, path, in, out, withBearer())
}

type requestOptions struct {
	authIntent bool
	bearer     bool
}

type requestOption func(*requestOptions)

// withAuthIntent marks a credential-bearing call: 401/403 responses
// classify as invalid credentials rather than an expired session.
func withAuthIntent() requestOption {
	return func(o *requestOptions) { o.authIntent = true }
}

func withBearer() requestOption {
	return func(o *requestOptions) { o.bearer = true }
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any, options ...requestOption) error {
	opts := requestOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "[Client.roundTrip] marshal request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "[Client.roundTrip] build request")
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.bearer && c.auth != nil {
		if token := c.auth.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	c.log.Debug().Str("method", method).Str("path", path).Str("request_id", requestID).Msg("issuing request")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &faults.StatusError{Code: resp.StatusCode, Body: string(raw), AuthIntent: opts.authIntent}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "[Client.roundTrip] decode response")
	}
	return nil
}

func isUnauthorized(err error) bool {
	var status *faults.StatusError
	return errors.As(err, &status) && status.Code == http.StatusUnauthorized
}
