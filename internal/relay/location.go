package relay

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/vibekanban/vkrelay/internal/keystore"
	"github.com/vibekanban/vkrelay/internal/logging"
)

// Location reports the route the user is currently on.
type Location interface {
	Current() *url.URL
}

// StaticLocation is a fixed location.
type StaticLocation struct {
	URL *url.URL
}

// ParseLocation parses raw into a StaticLocation.
func ParseLocation(raw string) (StaticLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return StaticLocation{}, err
	}
	return StaticLocation{URL: u}, nil
}

func (l StaticLocation) Current() *url.URL { return l.URL }

// Navigator is a Location that can be moved.
type Navigator struct {
	mu  sync.RWMutex
	cur *url.URL
}

// Navigate sets the current location.
func (n *Navigator) Navigate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.cur = u
	n.mu.Unlock()
	return nil
}

func (n *Navigator) Current() *url.URL {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cur
}

// HostResolver picks the host to relay to. An empty id means none.
type HostResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// ActiveHostResolver resolves the host from the current location. Only
// locations under the workspace prefix resolve a host; a host id in the
// query is remembered as the active host for later locations without one.
type ActiveHostResolver struct {
	location        Location
	store           keystore.ActiveHostStore
	workspacePrefix string
	hostParam       string
	logger          *slog.Logger
}

// NewActiveHostResolver creates a resolver.
func NewActiveHostResolver(loc Location, store keystore.ActiveHostStore, workspacePrefix, hostParam string, logger *slog.Logger) *ActiveHostResolver {
	return &ActiveHostResolver{
		location:        loc,
		store:           store,
		workspacePrefix: strings.TrimRight(workspacePrefix, "/"),
		hostParam:       hostParam,
		logger:          logging.For(logger, "relay"),
	}
}

func (r *ActiveHostResolver) Resolve(ctx context.Context) (string, error) {
	u := r.location.Current()
	if u == nil || !hasPathPrefix(u.Path, r.workspacePrefix) {
		return "", nil
	}

	if id := strings.TrimSpace(u.Query().Get(r.hostParam)); id != "" {
		if err := r.store.SetActiveHost(ctx, id); err != nil {
			r.logger.Warn("failed to persist active host",
				logging.KeyHostID, id,
				logging.KeyError, err)
		}
		return id, nil
	}
	return r.store.ActiveHost(ctx)
}

// hasPathPrefix reports whether path is prefix or lies beneath it.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
