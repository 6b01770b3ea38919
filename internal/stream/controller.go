// Package stream consumes JSON Patch streams over Server-Sent Events or
// WebSocket and maintains the reconstructed {entries: [...]} snapshot.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"nhooyr.io/websocket"

	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/metrics"
	"github.com/vibekanban/vkrelay/internal/protocol"
	"github.com/vibekanban/vkrelay/internal/recovery"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultWebSocketSuffix = "/ws"
	DefaultReconnectDelay  = 3 * time.Second
	DefaultReadLimit       = 1 << 20
)

// Transport names, also used as metric labels.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// ErrInvalidPatch wraps patch batches that fail to decode or apply.
var ErrInvalidPatch = errors.New("invalid patch")

// State is the lifecycle state of a Controller.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateErrored
	StateFinished
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateErrored:
		return "ERRORED"
	case StateFinished:
		return "FINISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PatchContainer is the document patches are applied to.
type PatchContainer[E any] struct {
	Entries []E `json:"entries"`
}

// Options configures a stream.
type Options[E any] struct {
	// Initial seeds the snapshot. Nil means no entries.
	Initial *PatchContainer[E]

	// OnFinished runs once with the final entries when the server ends the
	// stream, before the transport is closed.
	OnFinished func(entries []E)

	// OnError receives transport and patch errors. The snapshot is never
	// modified by an error.
	OnError func(err error)

	// Header is sent with the SSE request or WebSocket handshake.
	Header http.Header

	// HTTPClient performs SSE requests and WebSocket handshakes.
	HTTPClient *http.Client

	// Dial replaces the default WebSocket dialer, e.g. with a relay dialer.
	Dial func(ctx context.Context, rawURL string) (*websocket.Conn, error)

	WebSocketSuffix string
	ReconnectDelay  time.Duration
	ReadLimit       int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type subscriber[E any] struct {
	fn func([]E)

	mu      sync.Mutex
	seen    uint64
	primed  bool
	removed atomic.Bool
}

// Controller owns one patch stream connection and its snapshot.
type Controller[E any] struct {
	url       string
	transport string
	opts      Options[E]
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	// applyMu serialises batch application and owns doc.
	applyMu sync.Mutex
	doc     []byte

	mu       sync.RWMutex
	snapshot *PatchContainer[E]
	version  uint64
	subs     map[uint64]*subscriber[E]
	nextSub  uint64

	finishOnce sync.Once
	closeOnce  sync.Once
}

// Open starts streaming from rawURL. URLs whose path ends in the WebSocket
// suffix use WebSocket; everything else is read as Server-Sent Events.
// Connection errors surface through OnError; Open only fails on bad input.
// The stream runs until the server finishes it, Close is called or ctx ends.
func Open[E any](ctx context.Context, rawURL string, opts Options[E]) (*Controller[E], error) {
	c, err := newController(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordStreamOpen(c.transport)
	go c.run()
	return c, nil
}

func newController[E any](ctx context.Context, rawURL string, opts Options[E]) (*Controller[E], error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	if opts.WebSocketSuffix == "" {
		opts.WebSocketSuffix = DefaultWebSocketSuffix
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	initial := PatchContainer[E]{Entries: []E{}}
	if opts.Initial != nil && opts.Initial.Entries != nil {
		initial.Entries = opts.Initial.Entries
	}
	doc, err := json.Marshal(initial)
	if err != nil {
		return nil, fmt.Errorf("encode initial snapshot: %w", err)
	}

	transport := TransportSSE
	if strings.HasSuffix(u.Path, opts.WebSocketSuffix) {
		transport = TransportWebSocket
	}

	c := &Controller[E]{
		url:       rawURL,
		transport: transport,
		opts:      opts,
		logger:    logging.For(opts.Logger, "stream", logging.KeyTransport, transport),
		metrics:   opts.Metrics,
		done:      make(chan struct{}),
		doc:       doc,
		snapshot:  &initial,
		subs:      make(map[uint64]*subscriber[E]),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.state.Store(int32(StateConnecting))
	return c, nil
}

func (c *Controller[E]) run() {
	defer close(c.done)
	defer c.metrics.RecordStreamClose(c.transport)
	defer recovery.RecoverWithLog(c.logger, "stream")

	if c.transport == TransportWebSocket {
		c.runWebSocket(c.ctx)
	} else {
		c.runSSE(c.ctx)
	}
}

// Transport returns TransportSSE or TransportWebSocket.
func (c *Controller[E]) Transport() string {
	return c.transport
}

// State returns the current lifecycle state.
func (c *Controller[E]) State() State {
	return State(c.state.Load())
}

func (c *Controller[E]) setState(s State) {
	for {
		cur := State(c.state.Load())
		if cur == StateFinished || cur == StateClosed {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

// Done is closed once the stream's reader has stopped.
func (c *Controller[E]) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns the current snapshot. A new container is published for
// every applied batch; callers must not modify the one they receive.
func (c *Controller[E]) Snapshot() *PatchContainer[E] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Entries returns the entries of the current snapshot.
func (c *Controller[E]) Entries() []E {
	return c.Snapshot().Entries
}

// OnChange registers cb and immediately calls it with the current entries.
// cb then runs after every applied batch. The returned function removes it.
func (c *Controller[E]) OnChange(cb func(entries []E)) (unsubscribe func()) {
	s := &subscriber[E]{fn: cb}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = s
	version, entries := c.version, c.snapshot.Entries
	c.mu.Unlock()

	c.deliver(s, version, entries)

	return func() {
		s.removed.Store(true)
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// deliver hands entries to s unless s already saw the same or a newer
// version, which happens when a batch lands between registration and replay.
func (c *Controller[E]) deliver(s *subscriber[E], version uint64, entries []E) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed.Load() || (s.primed && version <= s.seen) {
		return
	}
	s.primed = true
	s.seen = version
	if recovery.Call(c.logger, "subscriber", func() { s.fn(entries) }) {
		c.metrics.RecordSubscriberPanic()
	}
}

// Close stops the stream. It is safe to call from a subscriber.
func (c *Controller[E]) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.cancel()
	})
}

// applyBatch dedupes ops, applies them to a copy of the document and swaps
// the snapshot only when the whole batch succeeds.
func (c *Controller[E]) applyBatch(ops []protocol.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	deduped := DedupeOperations(ops)

	raw, err := json.Marshal(deduped)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	next, err := patch.Apply(c.doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}
	var snap PatchContainer[E]
	if err := json.Unmarshal(next, &snap); err != nil {
		return fmt.Errorf("%w: decode entries: %w", ErrInvalidPatch, err)
	}
	if snap.Entries == nil {
		snap.Entries = []E{}
	}
	c.doc = next

	c.mu.Lock()
	c.snapshot = &snap
	c.version++
	version := c.version
	subs := make([]*subscriber[E], 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.metrics.RecordPatchBatch(len(deduped), len(ops)-len(deduped))
	c.logger.Debug("patch batch applied",
		logging.KeyCount, len(deduped),
		"entries", len(snap.Entries))

	for _, s := range subs {
		c.deliver(s, version, snap.Entries)
	}
	return nil
}

// finish runs the finished callback once and stops the stream.
func (c *Controller[E]) finish() {
	c.finishOnce.Do(func() {
		c.setState(StateFinished)
		entries := c.Entries()
		c.logger.Debug("stream finished", "entries", len(entries))
		if c.opts.OnFinished != nil {
			recovery.Call(c.logger, "on_finished", func() { c.opts.OnFinished(entries) })
		}
		c.cancel()
	})
}

func (c *Controller[E]) reportError(kind string, err error) {
	if err == nil || c.ctx.Err() != nil {
		return
	}
	c.metrics.RecordPatchError(kind)
	c.logger.Warn("stream error", logging.KeyError, err)
	if c.opts.OnError != nil {
		recovery.Call(c.logger, "on_error", func() { c.opts.OnError(err) })
	}
}
