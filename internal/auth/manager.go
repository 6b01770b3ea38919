// Package auth manages the bearer token pair for the primary API.
//
// Access tokens are refreshed proactively shortly before they expire and
// reactively when a request comes back 401. At most one refresh runs at a
// time in the process; a Locker extends that to other processes sharing the
// same TokenStore.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/metrics"
	"github.com/vibekanban/vkrelay/internal/protocol"
)

var (
	// ErrNotAuthenticated is returned when there is no token to use or refresh.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionExpired is returned when the refresh token was rejected with 401.
	ErrSessionExpired = errors.New("session expired, please sign in again")

	// ErrRefreshFailed is returned for every other terminal refresh failure.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrRefreshTimeout marks a refresh attempt that exceeded its timeout.
	ErrRefreshTimeout = errors.New("token refresh timed out")

	errMalformedResponse = errors.New("malformed refresh response")
)

// refreshKey is the single-flight key shared by every refresh.
const refreshKey = "refresh"

// Default retry policy.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = 500 * time.Millisecond
	DefaultBackoffMax     = 2 * time.Second
	DefaultAttemptTimeout = 80 * time.Second
	DefaultRefreshSkew    = 30 * time.Second
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	BaseURL    string
	Store      TokenStore
	Locker     Locker
	HTTPClient *http.Client

	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	RefreshSkew    time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the token pair and performs refreshes.
type Manager struct {
	baseURL string
	store   TokenStore
	locker  Locker
	client  *http.Client

	maxAttempts    int
	backoffBase    time.Duration
	backoffMax     time.Duration
	attemptTimeout time.Duration
	skew           time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a token manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		store:          opts.Store,
		locker:         opts.Locker,
		client:         opts.HTTPClient,
		maxAttempts:    opts.MaxAttempts,
		backoffBase:    opts.BackoffBase,
		backoffMax:     opts.BackoffMax,
		attemptTimeout: opts.AttemptTimeout,
		skew:           opts.RefreshSkew,
		logger:         logging.For(opts.Logger, "auth"),
		metrics:        opts.Metrics,
		now:            time.Now,
		sleep:          sleepContext,
	}
	if m.store == nil {
		m.store = NewMemoryTokenStore(protocol.TokenPair{})
	}
	if m.locker == nil {
		m.locker = DirectLocker{}
	}
	if m.client == nil {
		m.client = http.DefaultClient
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.backoffBase <= 0 {
		m.backoffBase = DefaultBackoffBase
	}
	if m.backoffMax <= 0 {
		m.backoffMax = DefaultBackoffMax
	}
	if m.attemptTimeout <= 0 {
		m.attemptTimeout = DefaultAttemptTimeout
	}
	if opts.RefreshSkew == 0 {
		m.skew = DefaultRefreshSkew
	}
	return m
}

// Token returns a usable access token, refreshing it first when it is
// missing or close to expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	pair, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if pair.AccessToken == "" {
		if pair.RefreshToken == "" {
			return "", ErrNotAuthenticated
		}
		return m.refresh(ctx, "")
	}
	if ShouldRefreshAccessToken(pair.AccessToken, m.skew, m.now()) {
		return m.refresh(ctx, "")
	}
	return pair.AccessToken, nil
}

// TriggerRefresh refreshes even if the current access token looks fresh.
func (m *Manager) TriggerRefresh(ctx context.Context) (string, error) {
	pair, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	return m.refresh(ctx, pair.AccessToken)
}

// SetTokens stores a pair obtained from sign-in.
func (m *Manager) SetTokens(ctx context.Context, pair protocol.TokenPair) error {
	return m.store.Save(ctx, pair)
}

// Logout clears all tokens.
func (m *Manager) Logout(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// Status describes the stored tokens.
type Status struct {
	Authenticated   bool
	HasRefreshToken bool
	ExpiresAt       time.Time // zero when unknown
	NeedsRefresh    bool
}

// Status reports the current token state without touching the network.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	pair, err := m.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Authenticated:   pair.AccessToken != "" || pair.RefreshToken != "",
		HasRefreshToken: pair.RefreshToken != "",
	}
	if pair.AccessToken != "" {
		st.ExpiresAt, _ = TokenExpiry(pair.AccessToken)
		st.NeedsRefresh = ShouldRefreshAccessToken(pair.AccessToken, m.skew, m.now())
	} else {
		st.NeedsRefresh = st.HasRefreshToken
	}
	return st, nil
}

// Do sends req with the current bearer token. A 401 response triggers one
// forced refresh and one retry; the retried response is returned as is.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := makeReplayable(req); err != nil {
		return nil, err
	}

	token, err := m.Token(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := m.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	m.logger.Debug("request rejected, refreshing token",
		logging.KeyMethod, req.Method,
		logging.KeyURL, req.URL.Redacted())

	token, err = m.refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.send(req, token)
}

func (m *Manager) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return m.client.Do(r)
}

// makeReplayable buffers a one-shot body so the request can be sent twice.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

// refresh joins or starts the process-wide refresh. rejected is an access
// token known to be bad; a stored token other than it may be reused. A joined
// refresh started without knowing about rejected can hand it back, in which
// case a second refresh runs with it excluded.
func (m *Manager) refresh(ctx context.Context, rejected string) (string, error) {
	token, err := m.joinRefresh(ctx, rejected)
	if err != nil || rejected == "" || token != rejected {
		return token, err
	}
	return m.joinRefresh(ctx, rejected)
}

func (m *Manager) joinRefresh(ctx context.Context, rejected string) (string, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		// A caller giving up must not fail the others waiting on this refresh.
		ctx := context.WithoutCancel(ctx)
		var token string
		err := m.locker.WithLock(ctx, func(ctx context.Context) error {
			var err error
			token, err = m.doTokenRefresh(ctx, rejected)
			return err
		})
		return token, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) doTokenRefresh(ctx context.Context, rejected string) (string, error) {
	// Reload under the lock: another process may have refreshed already.
	pair, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if pair.AccessToken != "" && pair.AccessToken != rejected &&
		!ShouldRefreshAccessToken(pair.AccessToken, m.skew, m.now()) {
		return pair.AccessToken, nil
	}
	if pair.RefreshToken == "" {
		m.clear(ctx)
		return "", ErrNotAuthenticated
	}

	start := m.now()
	next, err := m.refreshWithRetry(ctx, pair.RefreshToken)
	elapsed := m.now().Sub(start).Seconds()
	if err != nil {
		m.clear(ctx)
		if protocol.StatusOf(err) == http.StatusUnauthorized {
			m.metrics.RecordTokenRefresh("expired", elapsed)
			m.logger.Warn("refresh token rejected", logging.KeyError, err)
			return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		m.metrics.RecordTokenRefresh("failed", elapsed)
		m.logger.Error("token refresh failed", logging.KeyError, err)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	if next.RefreshToken == "" {
		next.RefreshToken = pair.RefreshToken
	}
	if err := m.store.Save(ctx, next); err != nil {
		return "", err
	}
	m.metrics.RecordTokenRefresh("success", elapsed)
	m.logger.Debug("token refreshed")
	return next.AccessToken, nil
}

func (m *Manager) clear(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("failed to clear tokens", logging.KeyError, err)
	}
}

func (m *Manager) refreshWithRetry(ctx context.Context, refreshToken string) (protocol.TokenPair, error) {
	delay := m.backoffBase
	for attempt := 1; ; attempt++ {
		pair, err := m.refreshOnce(ctx, refreshToken)
		if err == nil {
			return pair, nil
		}
		if attempt >= m.maxAttempts || !isRetryable(ctx, err) {
			return protocol.TokenPair{}, err
		}

		m.logger.Warn("token refresh attempt failed, retrying",
			logging.KeyAttempt, attempt,
			logging.KeyDelay, delay,
			logging.KeyError, err)
		if err := m.sleep(ctx, delay); err != nil {
			return protocol.TokenPair{}, err
		}
		delay *= 2
		if delay > m.backoffMax {
			delay = m.backoffMax
		}
	}
}

func (m *Manager) refreshOnce(ctx context.Context, refreshToken string) (protocol.TokenPair, error) {
	m.metrics.RecordTokenRefreshAttempt()

	attemptCtx, cancel := context.WithTimeoutCause(ctx, m.attemptTimeout, ErrRefreshTimeout)
	defer cancel()

	body, err := json.Marshal(protocol.RefreshTokenRequest{RefreshToken: refreshToken})
	if err != nil {
		return protocol.TokenPair{}, err
	}
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, m.baseURL+protocol.PathTokenRefresh, bytes.NewReader(body))
	if err != nil {
		return protocol.TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if errors.Is(context.Cause(attemptCtx), ErrRefreshTimeout) && ctx.Err() == nil {
			return protocol.TokenPair{}, ErrRefreshTimeout
		}
		return protocol.TokenPair{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocol.TokenPair{}, protocol.NewHTTPError("refresh token", resp)
	}

	var pair protocol.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		if errors.Is(context.Cause(attemptCtx), ErrRefreshTimeout) && ctx.Err() == nil {
			return protocol.TokenPair{}, ErrRefreshTimeout
		}
		return protocol.TokenPair{}, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	if pair.AccessToken == "" {
		return protocol.TokenPair{}, fmt.Errorf("%w: missing access_token", errMalformedResponse)
	}
	return pair, nil
}

// isRetryable reports whether a failed attempt may be repeated: network
// errors and 5xx responses are; timeouts, cancellation and other statuses
// are not.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrRefreshTimeout) || errors.Is(err, errMalformedResponse) {
		return false
	}
	status := protocol.StatusOf(err)
	return status == 0 || status >= 500
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
