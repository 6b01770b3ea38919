// Package agent wires the vkrelay components together from configuration.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibekanban/vkrelay/internal/auth"
	"github.com/vibekanban/vkrelay/internal/config"
	"github.com/vibekanban/vkrelay/internal/crypto"
	"github.com/vibekanban/vkrelay/internal/keystore"
	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/metrics"
	"github.com/vibekanban/vkrelay/internal/protocol"
	"github.com/vibekanban/vkrelay/internal/relay"
	"github.com/vibekanban/vkrelay/internal/session"
	"github.com/vibekanban/vkrelay/internal/stream"
)

// HostStore is the paired host storage the agent needs.
type HostStore interface {
	keystore.Store
	keystore.ActiveHostStore
}

// Options overrides parts of the configuration-derived wiring.
type Options struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Hosts    HostStore
	Tokens   auth.TokenStore

	// APIClient carries token-authenticated requests. Defaults to
	// http.DefaultClient.
	APIClient *http.Client
	// RelayClient carries relay traffic and must keep a cookie jar.
	// Defaults to session.NewHTTPClient().
	RelayClient *http.Client
}

// Agent holds the wired components of one vkrelay process.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	hosts       HostStore
	keys        *crypto.KeyCache
	tokens      *auth.Manager
	sessions    *session.Cache
	relay       *relay.Client
	navigator   *relay.Navigator
	interceptor *relay.Interceptor
}

// New builds an Agent from cfg.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		keys:      crypto.NewKeyCache(),
		navigator: &relay.Navigator{},
	}

	if cfg.Metrics.Enabled {
		a.registry = opts.Registry
		if a.registry == nil {
			a.registry = prometheus.NewRegistry()
		}
		a.metrics = metrics.NewMetricsWithRegistry(a.registry)
	}

	a.hosts = opts.Hosts
	if a.hosts == nil {
		a.hosts = keystore.NewFileStore(cfg.KeystoreDir(), cfg.Keystore.Passphrase)
	}

	tokenStore := opts.Tokens
	if tokenStore == nil {
		if cfg.Auth.TokenFile != "" {
			tokenStore = auth.NewFileTokenStore(cfg.Auth.TokenFile)
		} else {
			tokenStore = auth.NewMemoryTokenStore(protocol.TokenPair{})
		}
	}

	apiClient := opts.APIClient
	if apiClient == nil {
		apiClient = http.DefaultClient
	}
	a.tokens = auth.NewManager(auth.Options{
		BaseURL:        cfg.API.BaseURL,
		Store:          tokenStore,
		Locker:         auth.NewLocker(cfg.Auth.LockFile),
		HTTPClient:     apiClient,
		MaxAttempts:    cfg.Auth.MaxAttempts,
		BackoffBase:    cfg.Auth.BackoffBase,
		BackoffMax:     cfg.Auth.BackoffMax,
		AttemptTimeout: cfg.Auth.AttemptTimeout,
		RefreshSkew:    cfg.Auth.RefreshSkew,
		Logger:         logger,
		Metrics:        a.metrics,
	})

	relayClient := opts.RelayClient
	if relayClient == nil {
		relayClient = session.NewHTTPClient()
	}
	establisher := session.NewEstablisher(session.EstablisherOptions{
		BaseURL:      cfg.API.BaseURL,
		API:          a.tokens,
		RelayClient:  relayClient,
		ExchangePath: cfg.Relay.ExchangePath,
		Logger:       logger,
	})
	a.sessions = session.NewCache(establisher, logger, a.metrics)

	a.relay = relay.NewClient(relay.ClientOptions{
		Store:      a.hosts,
		Sessions:   a.sessions,
		Signer:     crypto.NewSigner(a.keys),
		HTTPClient: relayClient,
		Logger:     logger,
		Metrics:    a.metrics,
	})

	a.interceptor = relay.NewInterceptor(relay.InterceptorOptions{
		Relay: a.relay,
		Resolver: relay.NewActiveHostResolver(a.navigator, a.hosts,
			cfg.Relay.WorkspacePrefix, cfg.Relay.HostQueryParam, logger),
		LocalOrigin:  cfg.API.LocalOrigin,
		APIPrefix:    cfg.Relay.APIPrefix,
		RemotePrefix: cfg.Relay.RemotePrefix,
		Logger:       logger,
	})

	return a, nil
}

// Config returns the agent's configuration.
func (a *Agent) Config() *config.Config { return a.cfg }

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Registry returns the metrics registry, or nil when metrics are disabled.
func (a *Agent) Registry() *prometheus.Registry { return a.registry }

// Metrics returns the collectors, or nil when metrics are disabled.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// Hosts returns the paired host store.
func (a *Agent) Hosts() HostStore { return a.hosts }

// Tokens returns the token manager.
func (a *Agent) Tokens() *auth.Manager { return a.tokens }

// Relay returns the relay client.
func (a *Agent) Relay() *relay.Client { return a.relay }

// Navigator returns the location the interceptor resolves the active host from.
func (a *Agent) Navigator() *relay.Navigator { return a.navigator }

// Interceptor returns the local API interceptor.
func (a *Agent) Interceptor() *relay.Interceptor { return a.interceptor }

// SeedTokens stores the tokens from the configuration when the token store
// holds none yet.
func (a *Agent) SeedTokens(ctx context.Context) error {
	if a.cfg.Auth.AccessToken == "" && a.cfg.Auth.RefreshToken == "" {
		return nil
	}
	st, err := a.tokens.Status(ctx)
	if err != nil {
		return err
	}
	if st.Authenticated || st.HasRefreshToken {
		return nil
	}
	return a.tokens.SetTokens(ctx, protocol.TokenPair{
		AccessToken:  a.cfg.Auth.AccessToken,
		RefreshToken: a.cfg.Auth.RefreshToken,
	})
}

// ImportHost stores host and drops anything cached for an earlier pairing
// of the same host.
func (a *Agent) ImportHost(ctx context.Context, host keystore.PairedRelayHost) error {
	if err := a.hosts.Put(ctx, host); err != nil {
		return err
	}
	a.forget(host.HostID)
	a.logger.Info("paired host imported",
		logging.KeyHostID, host.HostID,
		logging.KeySessionID, host.SigningSessionID)
	return nil
}

// RemoveHost deletes a paired host with its cached key and relay session.
func (a *Agent) RemoveHost(ctx context.Context, hostID string) error {
	if err := a.hosts.Remove(ctx, hostID); err != nil {
		return err
	}
	a.forget(hostID)
	a.logger.Info("paired host removed", logging.KeyHostID, hostID)
	return nil
}

// UseHost makes hostID the active host after checking it is paired.
func (a *Agent) UseHost(ctx context.Context, hostID string) error {
	if _, err := a.hosts.Get(ctx, hostID); err != nil {
		return err
	}
	return a.hosts.SetActiveHost(ctx, hostID)
}

func (a *Agent) forget(hostID string) {
	a.keys.Forget(hostID)
	a.sessions.Evict(hostID)
}

// OpenStream opens a patch stream. With a host id the stream is read through
// the relay and rawURL must be a host API path; without one it is read from
// the local origin or rawURL directly. Unset options take their defaults
// from the configuration.
func OpenStream[E any](ctx context.Context, a *Agent, hostID, rawURL string, opts stream.Options[E]) (*stream.Controller[E], error) {
	if opts.WebSocketSuffix == "" {
		opts.WebSocketSuffix = a.cfg.Stream.WebSocketSuffix
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = a.cfg.Stream.ReconnectDelay
	}
	if opts.ReadLimit == 0 {
		opts.ReadLimit = a.cfg.Stream.ReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = a.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = a.metrics
	}

	if hostID == "" {
		return stream.Open(ctx, a.localURL(rawURL), opts)
	}

	if _, err := a.relay.Resolve(ctx, hostID); err != nil {
		return nil, err
	}
	if opts.Dial == nil {
		opts.Dial = a.relay.StreamDialer(hostID)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = a.relay.HTTPClient(hostID)
	}
	return stream.Open(ctx, relayStreamURL(rawURL), opts)
}

func (a *Agent) localURL(pathOrURL string) string {
	if u, err := url.Parse(pathOrURL); err == nil && u.IsAbs() {
		return pathOrURL
	}
	return strings.TrimRight(a.cfg.API.LocalOrigin, "/") + "/" + strings.TrimLeft(pathOrURL, "/")
}

// relayStreamURL gives relayed host paths a placeholder origin so the stream
// controller can parse them; the relay transport replaces it.
func relayStreamURL(pathOrURL string) string {
	if u, err := url.Parse(pathOrURL); err == nil && u.IsAbs() {
		return pathOrURL
	}
	return "http://relay.invalid/" + strings.TrimLeft(pathOrURL, "/")
}

// IsPairingError reports whether err means the host must be (re-)paired.
func IsPairingError(err error) bool {
	return errors.Is(err, keystore.ErrHostNotPaired) || errors.Is(err, keystore.ErrOutdatedPairing)
}
