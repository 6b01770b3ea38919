// Package relay sends signed requests to paired hosts through the relay.
//
// Every relayed HTTP request and WebSocket handshake carries a fresh
// Ed25519 signature made with the host's paired key. The relay origin for a
// host comes from a session cache; an auth rejection evicts it so the next
// call negotiates a new session. The current call is not retried.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/vibekanban/vkrelay/internal/crypto"
	"github.com/vibekanban/vkrelay/internal/keystore"
	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/metrics"
	"github.com/vibekanban/vkrelay/internal/protocol"
)

// Sessions resolves and invalidates relay base URLs. *session.Cache
// satisfies it.
type Sessions interface {
	BaseURL(ctx context.Context, hostID string) (string, error)
	Evict(hostID string)
}

// SessionContext is the resolved connection info for one host.
type SessionContext struct {
	HostID  string
	Host    keystore.PairedRelayHost
	BaseURL string
}

// RequestOptions describes a relayed request. A nil *RequestOptions means a
// bodiless GET.
type RequestOptions struct {
	Method string
	Header http.Header
	Body   any // see NormalizeBody
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Store    keystore.Store
	Sessions Sessions
	// Signer defaults to one with a private key cache.
	Signer *crypto.Signer
	// HTTPClient must share its cookie jar with the session establisher so
	// the relay cookie is sent. See session.NewHTTPClient.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Client performs signed requests against paired hosts.
type Client struct {
	store    keystore.Store
	sessions Sessions
	signer   *crypto.Signer
	http     *http.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewClient creates a relay client.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		store:    opts.Store,
		sessions: opts.Sessions,
		signer:   opts.Signer,
		http:     opts.HTTPClient,
		logger:   logging.For(opts.Logger, "relay"),
		metrics:  opts.Metrics,
	}
	if c.signer == nil {
		c.signer = crypto.NewSigner(nil)
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c
}

// Resolve loads the paired host and its relay base URL.
func (c *Client) Resolve(ctx context.Context, hostID string) (SessionContext, error) {
	host, err := c.store.Get(ctx, hostID)
	if err != nil {
		return SessionContext{}, err
	}
	if host.Outdated() {
		return SessionContext{}, fmt.Errorf("host %s: %w", hostID, keystore.ErrOutdatedPairing)
	}
	base, err := c.sessions.BaseURL(ctx, hostID)
	if err != nil {
		return SessionContext{}, err
	}
	return SessionContext{HostID: hostID, Host: host, BaseURL: base}, nil
}

func (c *Client) sign(sc SessionContext, method, path string, body []byte) (crypto.RelaySignature, error) {
	sig, err := c.signer.Sign(sc.Host.Credentials(), method, path, body)
	if err != nil {
		c.metrics.RecordSignatureError()
		return crypto.RelaySignature{}, err
	}
	c.metrics.RecordSignature()
	return sig, nil
}

// RequestHostAPI sends a signed request to hostID. pathOrURL may be a path
// or an absolute URL; only its path and query are used. A 401 or 403
// response evicts the cached session and is returned to the caller as is.
func (c *Client) RequestHostAPI(ctx context.Context, hostID, pathOrURL string, opts *RequestOptions) (*http.Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := NormalizeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	sc, err := c.Resolve(ctx, hostID)
	if err != nil {
		return nil, err
	}

	path := crypto.NormalizePath(pathOrURL)
	sig, err := c.sign(sc, method, path, body)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, sc.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	for k, vs := range opts.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	// Assigned directly so the names go out in their documented spelling.
	for _, f := range sig.Fields() {
		req.Header[f[0]] = []string{f[1]}
	}
	req.Header[protocol.HeaderRelayed] = []string{"1"}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordRelayRequest(method, 0, elapsed)
		return nil, fmt.Errorf("relay request to host %s: %w", hostID, err)
	}
	c.metrics.RecordRelayRequest(method, resp.StatusCode, elapsed)

	if protocol.IsAuthStatus(resp.StatusCode) {
		c.logger.Info("relay rejected request, evicting session",
			logging.KeyHostID, hostID,
			logging.KeyMethod, method,
			logging.KeyPath, path,
			logging.KeyStatus, resp.StatusCode)
		c.sessions.Evict(hostID)
	}
	return resp, nil
}

// WebSocketURL builds the signed WebSocket URL for pathOrURL on hostID.
// The signature fields travel as query parameters because handshakes from
// some clients cannot carry custom headers.
func (c *Client) WebSocketURL(ctx context.Context, hostID, pathOrURL string) (string, error) {
	sc, err := c.Resolve(ctx, hostID)
	if err != nil {
		return "", err
	}

	path := crypto.NormalizePath(pathOrURL)
	sig, err := c.sign(sc, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(sc.BaseURL + path)
	if err != nil {
		return "", fmt.Errorf("build relay websocket url: %w", err)
	}
	// Appended, not re-encoded, so the signed query stays byte-identical.
	params := url.Values{}
	for _, f := range sig.Fields() {
		params.Set(f[0], f[1])
	}
	if u.RawQuery == "" {
		u.RawQuery = params.Encode()
	} else {
		u.RawQuery += "&" + params.Encode()
	}
	if err := toWebSocketScheme(u); err != nil {
		return "", err
	}
	return u.String(), nil
}

// OpenHostWebSocket dials a signed WebSocket to hostID through the relay.
// A 401 or 403 handshake rejection evicts the cached session.
func (c *Client) OpenHostWebSocket(ctx context.Context, hostID, pathOrURL string) (*websocket.Conn, error) {
	wsURL, err := c.WebSocketURL(ctx, hostID, pathOrURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: http.Header{protocol.HeaderRelayed: []string{"1"}},
	})
	if err != nil {
		c.metrics.RecordRelayWebSocket("error")
		if resp != nil && protocol.IsAuthStatus(resp.StatusCode) {
			c.logger.Info("relay rejected websocket, evicting session",
				logging.KeyHostID, hostID,
				logging.KeyStatus, resp.StatusCode)
			c.sessions.Evict(hostID)
			return nil, fmt.Errorf("relay websocket to host %s: http %d: %w", hostID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay websocket to host %s: %w", hostID, err)
	}
	c.metrics.RecordRelayWebSocket("success")
	return conn, nil
}

// Transport returns a RoundTripper that relays every request to hostID. The
// request URL's host is ignored; its path and query are signed and sent.
func (c *Client) Transport(hostID string) http.RoundTripper {
	return &hostTransport{client: c, hostID: hostID}
}

// HTTPClient returns an *http.Client whose requests go to hostID.
func (c *Client) HTTPClient(hostID string) *http.Client {
	return &http.Client{Transport: c.Transport(hostID)}
}

// StreamDialer returns a WebSocket dialer bound to hostID, for patch streams
// read through the relay.
func (c *Client) StreamDialer(hostID string) func(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	return func(ctx context.Context, rawURL string) (*websocket.Conn, error) {
		return c.OpenHostWebSocket(ctx, hostID, rawURL)
	}
}

type hostTransport struct {
	client *Client
	hostID string
}

func (t *hostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = data
	}
	return t.client.RequestHostAPI(req.Context(), t.hostID, req.URL.RequestURI(), &RequestOptions{
		Method: req.Method,
		Header: req.Header.Clone(),
		Body:   body,
	})
}

// toWebSocketScheme rewrites http(s) to ws(s) in place.
func toWebSocketScheme(u *url.URL) error {
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("unsupported scheme %q for websocket", u.Scheme)
	}
	return nil
}
