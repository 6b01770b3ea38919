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

	"nhooyr.io/websocket"

	"github.com/vibekanban/vkrelay/internal/logging"
)

// InterceptorOptions configures an Interceptor.
type InterceptorOptions struct {
	Relay    *Client
	Resolver HostResolver
	// LocalOrigin serves requests that are not relayed.
	LocalOrigin string
	// APIPrefix selects the paths eligible for relaying, e.g. "/api/".
	APIPrefix string
	// RemotePrefix excludes control-plane paths under APIPrefix, e.g. "/api/remote/".
	RemotePrefix string
	// HTTPClient sends direct requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Interceptor routes local API calls through the relay when a host is
// active and straight to the local origin otherwise, so callers see one API
// in both modes.
type Interceptor struct {
	relay        *Client
	resolver     HostResolver
	localOrigin  string
	apiPrefix    string
	remotePrefix string
	direct       *http.Client
	logger       *slog.Logger
}

// NewInterceptor creates an Interceptor.
func NewInterceptor(opts InterceptorOptions) *Interceptor {
	i := &Interceptor{
		relay:        opts.Relay,
		resolver:     opts.Resolver,
		localOrigin:  strings.TrimRight(opts.LocalOrigin, "/"),
		apiPrefix:    opts.APIPrefix,
		remotePrefix: opts.RemotePrefix,
		direct:       opts.HTTPClient,
		logger:       logging.For(opts.Logger, "interceptor"),
	}
	if i.direct == nil {
		i.direct = http.DefaultClient
	}
	return i
}

// Eligible reports whether pathOrURL may be relayed at all. Absolute URLs
// are eligible only on the local origin.
func (i *Interceptor) Eligible(pathOrURL string) bool {
	p := pathOrURL
	if u, err := url.Parse(pathOrURL); err == nil {
		if u.IsAbs() || u.Host != "" {
			if !i.isLocalOrigin(u) {
				return false
			}
		}
		p = u.Path
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasPrefix(p, i.apiPrefix) {
		return false
	}
	return i.remotePrefix == "" || !strings.HasPrefix(p, i.remotePrefix)
}

func (i *Interceptor) isLocalOrigin(u *url.URL) bool {
	local, err := url.Parse(i.localOrigin)
	if err != nil || local.Host == "" {
		return false
	}
	return strings.EqualFold(u.Scheme, local.Scheme) && strings.EqualFold(u.Host, local.Host)
}

// hostFor returns the host to relay pathOrURL to, or "" to go direct.
func (i *Interceptor) hostFor(ctx context.Context, pathOrURL string) string {
	if i.relay == nil || i.resolver == nil || !i.Eligible(pathOrURL) {
		return ""
	}
	hostID, err := i.resolver.Resolve(ctx)
	if err != nil {
		i.logger.Warn("active host lookup failed, sending directly",
			logging.KeyPath, pathOrURL,
			logging.KeyError, err)
		return ""
	}
	return hostID
}

// Request relays or directly sends a local API request.
func (i *Interceptor) Request(ctx context.Context, pathOrURL string, opts *RequestOptions) (*http.Response, error) {
	if hostID := i.hostFor(ctx, pathOrURL); hostID != "" {
		return i.relay.RequestHostAPI(ctx, hostID, pathOrURL, opts)
	}
	return i.directRequest(ctx, pathOrURL, opts)
}

// OpenWebSocket relays or directly dials a local API WebSocket.
func (i *Interceptor) OpenWebSocket(ctx context.Context, pathOrURL string) (*websocket.Conn, error) {
	if hostID := i.hostFor(ctx, pathOrURL); hostID != "" {
		return i.relay.OpenHostWebSocket(ctx, hostID, pathOrURL)
	}

	u, err := url.Parse(i.localURL(pathOrURL))
	if err != nil {
		return nil, err
	}
	if err := toWebSocketScheme(u); err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: i.direct})
	if err != nil {
		return nil, fmt.Errorf("local websocket: %w", err)
	}
	return conn, nil
}

func (i *Interceptor) localURL(pathOrURL string) string {
	if u, err := url.Parse(pathOrURL); err == nil && u.IsAbs() {
		return pathOrURL
	}
	if !strings.HasPrefix(pathOrURL, "/") {
		pathOrURL = "/" + pathOrURL
	}
	return i.localOrigin + pathOrURL
}

func (i *Interceptor) directRequest(ctx context.Context, pathOrURL string, opts *RequestOptions) (*http.Response, error) {
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

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, i.localURL(pathOrURL), reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range opts.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	return i.direct.Do(req)
}
