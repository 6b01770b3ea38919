package session

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/metrics"
)

// Cache memoizes relay base URLs per host. Concurrent first calls for a host
// share one negotiation; failures are not cached.
type Cache struct {
	creator Creator
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	urls  map[string]string
	group singleflight.Group
}

// NewCache wraps creator. logger and m may be nil.
func NewCache(creator Creator, logger *slog.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		creator: creator,
		logger:  logging.For(logger, "session"),
		metrics: m,
		urls:    make(map[string]string),
	}
}

// BaseURL returns the cached base URL for hostID, negotiating one if needed.
func (c *Cache) BaseURL(ctx context.Context, hostID string) (string, error) {
	if u, ok := c.lookup(hostID); ok {
		return u, nil
	}

	ch := c.group.DoChan(hostID, func() (any, error) {
		if u, ok := c.lookup(hostID); ok {
			return u, nil
		}
		// Waiters other than the first caller still need the result.
		u, err := c.creator.CreateBaseURL(context.WithoutCancel(ctx), hostID)
		if err != nil {
			c.metrics.RecordSessionNegotiation("error")
			c.logger.Warn("relay session negotiation failed",
				logging.KeyHostID, hostID,
				logging.KeyError, err)
			return "", err
		}
		c.metrics.RecordSessionNegotiation("success")

		c.mu.Lock()
		c.urls[hostID] = u
		n := len(c.urls)
		c.mu.Unlock()
		c.metrics.SetSessionsCached(n)
		return u, nil
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

// Evict drops the cached base URL for hostID so the next call renegotiates.
func (c *Cache) Evict(hostID string) {
	c.mu.Lock()
	_, ok := c.urls[hostID]
	delete(c.urls, hostID)
	n := len(c.urls)
	c.mu.Unlock()

	if ok {
		c.metrics.RecordSessionEviction()
		c.metrics.SetSessionsCached(n)
		c.logger.Debug("relay session evicted", logging.KeyHostID, hostID)
	}
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.urls)
}

func (c *Cache) lookup(hostID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.urls[hostID]
	return u, ok
}
