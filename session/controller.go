// Package session owns the authenticated session and the access-token
// lifecycle: startup restoration, login, logout, refresh, and proactive
// renewal. The Controller is the only component that mutates session
// state; everything else observes it through the token getter, the
// change hook, or the tagged session state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pysiyou/atlas-sub001/api"
	"github.com/pysiyou/atlas-sub001/faults"
	"github.com/pysiyou/atlas-sub001/internal/retry"
	"github.com/pysiyou/atlas-sub001/refresh"
	"github.com/pysiyou/atlas-sub001/storage"
	"github.com/pysiyou/atlas-sub001/token"
)

// ErrNoRefreshToken means a refresh was requested but no refresh token
// is persisted, so re-authentication is required.
var ErrNoRefreshToken = errors.New("no refresh token available")

// ErrSessionEnded means the session was torn down while a refresh was
// in flight; the settled result is discarded rather than adopted.
var ErrSessionEnded = errors.New("session ended during refresh")

// AuthAPI is the slice of the HTTP collaborator the Controller needs.
type AuthAPI interface {
	Login(ctx context.Context, creds api.Credentials) (*api.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*api.TokenPair, error)
	Me(ctx context.Context) (*api.Identity, error)
	Logout(ctx context.Context) error
}

// tokenCell holds the live access token for synchronous read-after-write
// by the HTTP boundary. It is a plain mutable cell, deliberately outside
// any reactive propagation: a call chain that suspends and resumes after
// an update must observe the new value immediately, never a tick late.
type tokenCell struct {
	mu  sync.RWMutex
	raw string
}

func (c *tokenCell) get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw
}

func (c *tokenCell) set(raw string) {
	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()
}

// Controller drives the session state machine.
type Controller struct {
	api   AuthAPI
	store *storage.Store
	coord *refresh.Coordinator
	sched *Scheduler
	log   zerolog.Logger

	expiryBuffer time.Duration
	retryPolicy  retry.Policy
	nowFunc      func() time.Time

	onChange    func(State)
	onAuthEvent func(reason error)
	navigate    func(path string)

	cell tokenCell

	mu     sync.Mutex
	state  State
	closed bool
	gen    uint64
}

type ControllerOption func(*Controller)

// WithNowFunc sets the now time function (primarily for testing).
func WithNowFunc(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.log = log
	}
}

// WithExpiryBuffer overrides the margin by which a token is treated as
// expired ahead of its actual expiry.
func WithExpiryBuffer(buffer time.Duration) ControllerOption {
	return func(c *Controller) {
		c.expiryBuffer = buffer
	}
}

// WithRetryPolicy overrides the bounded retry policy applied to the
// login sequence.
func WithRetryPolicy(p retry.Policy) ControllerOption {
	return func(c *Controller) {
		c.retryPolicy = p
	}
}

// WithChangeHook registers a callback invoked after every session state
// change. This is the notify-on-change side of the dual representation:
// reactive consumers recompute from here while the HTTP boundary keeps
// reading the synchronous cell.
func WithChangeHook(hook func(State)) ControllerOption {
	return func(c *Controller) {
		c.onChange = hook
	}
}

// WithAuthEventHook registers a callback invoked when the Controller
// forces a logout (for example when refresh itself comes back invalid).
func WithAuthEventHook(hook func(reason error)) ControllerOption {
	return func(c *Controller) {
		c.onAuthEvent = hook
	}
}

// WithNavigateFunc registers the redirect used to reach the login
// surface after a forced logout. Injected so session logic never calls
// presentation primitives directly.
func WithNavigateFunc(navigate func(path string)) ControllerOption {
	return func(c *Controller) {
		c.navigate = navigate
	}
}

// New creates a Controller. The initial state is Restoring iff a
// persisted access token exists; otherwise the Controller starts
// Unauthenticated and no network call is made until Login.
func New(authAPI AuthAPI, store *storage.Store, options ...ControllerOption) (*Controller, error) {
	if authAPI == nil {
		return nil, errors.New("[session.New] auth API is required")
	}
	if store == nil {
		return nil, errors.New("[session.New] store is required")
	}

	c := &Controller{
		api:          authAPI,
		store:        store,
		log:          zerolog.Nop(),
		expiryBuffer: token.DefaultExpiryBuffer,
		retryPolicy:  retry.DefaultPolicy(),
		nowFunc:      time.Now,
		state:        Unauthenticated(),
	}
	for _, opt := range options {
		opt(c)
	}

	c.coord = refresh.New(c.log)
	c.sched = NewScheduler(c.Refresh, c.log)

	if store.Get(storage.KeyAccessToken) != "" {
		c.state = Restoring()
	}
	return c, nil
}

// CurrentState returns the session-level state.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the current live access token, or "" when there is
// none. Safe for concurrent use; never blocks on network or storage.
func (c *Controller) Token() string {
	return c.cell.get()
}

// HasRole reports whether the authenticated session holds any of the
// given roles.
func (c *Controller) HasRole(roles ...string) bool {
	state := c.CurrentState()
	if state.Kind != KindAuthenticated {
		return false
	}
	for _, role := range roles {
		if state.Session.Role == role {
			return true
		}
	}
	return false
}

// Close marks the Controller as no longer relevant: in-flight
// asynchronous sequences skip their remaining state mutations (the
// underlying network calls are not aborted), queued requests are
// rejected, and the proactive timer is cancelled.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.sched.Stop()
	c.coord.Clear()
}

// Restore runs the startup restoration sequence: adopt a persisted
// token when it is still valid, refresh it when it is not, then fetch
// the identity profile (with one refresh-then-refetch retry) before
// declaring the session authenticated. Any failure tears down to
// Unauthenticated.
func (c *Controller) Restore(ctx context.Context) error {
	stored := c.store.Get(storage.KeyAccessToken)
	if stored == "" {
		c.apply(evTornDown{})
		return nil
	}

	c.apply(evRestoreStarted{})

	if token.IsExpired(stored, c.expiryBuffer) {
		if _, err := c.Refresh(ctx); err != nil {
			return c.failRestore(errors.Wrap(err, "[Controller.Restore] refresh of expired token"))
		}
	} else {
		c.cell.set(stored)
	}
	if !c.relevant() {
		return nil
	}

	identity, err := c.api.Me(ctx)
	if err != nil {
		// Exactly one retry: refresh, then refetch.
		if _, refreshErr := c.Refresh(ctx); refreshErr != nil {
			return c.failRestore(errors.Wrap(refreshErr, "[Controller.Restore] refresh after profile fetch failure"))
		}
		if !c.relevant() {
			return nil
		}
		identity, err = c.api.Me(ctx)
		if err != nil {
			return c.failRestore(errors.Wrap(err, "[Controller.Restore] profile refetch"))
		}
	}
	if !c.relevant() {
		return nil
	}

	c.finishAuthenticated(*identity, c.restoredStartTime())
	c.log.Info().Str("user_id", identity.ID).Msg("session restored")
	return nil
}

// Login runs the credential login sequence under the bounded retry
// policy. Only network-shaped faults are retried; invalid credentials
// surface immediately. The returned error is always a classified fault.
func (c *Controller) Login(ctx context.Context, creds api.Credentials) error {
	var identity api.Identity

	op := func() error {
		pair, err := c.api.Login(ctx, creds)
		if err != nil {
			return err
		}

		// Adopt the token before fetching the profile: the profile
		// fetch reads the token through the HTTP boundary's getter.
		c.adoptTokens(pair)

		me, err := c.api.Me(ctx)
		if err != nil {
			c.clearTokens()
			return err
		}
		identity = *me
		return nil
	}

	if err := retry.Do(ctx, c.retryPolicy, op); err != nil {
		fault := faults.Classify(err)
		c.log.Warn().Err(err).Stringer("kind", fault.Kind).Str("message", faults.Message(fault)).Msg("login failed")
		if fault.Kind == faults.KindInvalidCredentials {
			c.teardown()
		}
		return fault
	}
	if !c.relevant() {
		return nil
	}

	now := c.nowFunc()
	c.store.SetJSON(storage.KeyUser, identity)
	c.store.Set(storage.KeyLoggedInAt, now.Format(time.RFC3339))
	c.finishAuthenticated(identity, now)
	c.log.Info().Str("user_id", identity.ID).Msg("login succeeded")
	return nil
}

// Logout notifies the server (best effort; failures are logged, never
// block teardown) and then unconditionally tears the session down.
// Idempotent: a second call, or a call with no session, performs no
// network call and leaves state unchanged.
func (c *Controller) Logout(ctx context.Context) {
	if c.cell.get() != "" {
		if err := c.api.Logout(ctx); err != nil {
			c.log.Warn().Err(err).Msg("logout endpoint failed, tearing down anyway")
		}
	}
	c.teardown()
}

// Refresh exchanges the persisted refresh token for a new access token
// through the single-flight coordinator: concurrent callers share one
// underlying refresh call. Refresh failures are never retried here.
func (c *Controller) Refresh(ctx context.Context) (string, error) {
	return c.coord.StartRefresh(ctx, c.rawRefresh)
}

// EnqueueRetry parks a request on the coordinator's queue while a
// refresh is in flight. Implements api.RequestQueuer.
func (c *Controller) EnqueueRetry(retryFn func(ctx context.Context) (any, error)) (<-chan refresh.Outcome, bool) {
	return c.coord.Enqueue(retryFn)
}

// OnAuthFailure implements api.AuthHandler: an unrecoverable
// authorization failure forces a full logout and redirects to the login
// surface.
func (c *Controller) OnAuthFailure(reason error) {
	c.log.Warn().Err(reason).Msg("forced logout requested by http boundary")
	c.teardown()
	if c.onAuthEvent != nil {
		c.onAuthEvent(reason)
	}
	if c.navigate != nil {
		c.navigate("/login")
	}
}

// rawRefresh is the single raw refresh operation invoked by the
// coordinator. It persists and adopts the new tokens synchronously
// before returning, so any caller resuming afterwards observes them.
// A teardown while the network call was in flight invalidates the
// result: adopting it would resurrect credentials the session already
// destroyed, so the settled pair is discarded instead.
func (c *Controller) rawRefresh(ctx context.Context) (string, error) {
	refreshToken := c.store.Get(storage.KeyRefreshToken)
	if refreshToken == "" {
		return "", ErrNoRefreshToken
	}
	gen := c.generation()

	pair, err := c.api.Refresh(ctx, refreshToken)
	if err != nil {
		return "", errors.Wrap(err, "[Controller.rawRefresh] api.Refresh")
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return "", ErrSessionEnded
	}
	c.adoptTokens(pair)
	c.mu.Unlock()
	return pair.AccessToken, nil
}

// generation returns the current teardown generation. teardown bumps
// it, so a refresh that started before a teardown can tell its result
// is stale.
func (c *Controller) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// adoptTokens makes pair the live credentials: the synchronous cell is
// updated first, then the persistent mirror. A refresh response without
// a rotated refresh token keeps the existing one.
func (c *Controller) adoptTokens(pair *api.TokenPair) {
	c.cell.set(pair.AccessToken)
	c.store.Set(storage.KeyAccessToken, pair.AccessToken)
	if pair.RefreshToken != "" {
		c.store.Set(storage.KeyRefreshToken, pair.RefreshToken)
	}
}

func (c *Controller) clearTokens() {
	c.cell.set("")
	c.store.Remove(storage.KeyAccessToken)
	c.store.Remove(storage.KeyRefreshToken)
}

func (c *Controller) finishAuthenticated(identity api.Identity, startedAt time.Time) {
	c.apply(evAuthenticated{session: Session{
		UserID:    identity.ID,
		Name:      identity.Name,
		Role:      identity.Role,
		StartedAt: startedAt,
	}})
	c.sched.Arm(c.cell.get())
}

// restoredStartTime recovers the original session start from storage;
// a missing or unparsable timestamp falls back to now.
func (c *Controller) restoredStartTime() time.Time {
	if raw := c.store.Get(storage.KeyLoggedInAt); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return c.nowFunc()
}

func (c *Controller) failRestore(err error) error {
	if !c.relevant() {
		return nil
	}
	c.teardown()
	return faults.Classify(err)
}

// teardown clears every piece of session state: the live token, the
// persisted keys, the coordinator's queue, the proactive timer, and the
// in-memory session. Safe to call repeatedly. The generation bump comes
// first so an in-flight refresh settling later cannot re-adopt tokens.
func (c *Controller) teardown() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()

	c.cell.set("")
	c.store.ClearAll()
	c.coord.Clear()
	c.sched.Stop()
	c.apply(evTornDown{})
}

func (c *Controller) relevant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// apply runs the pure transition function and notifies the change hook
// outside the lock.
func (c *Controller) apply(ev event) {
	c.mu.Lock()
	next := transition(c.state, ev)
	changed := next.Kind != c.state.Kind || next.Session != c.state.Session
	c.state = next
	hook := c.onChange
	c.mu.Unlock()

	if changed && hook != nil {
		hook(next)
	}
}
