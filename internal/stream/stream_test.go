package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"

	"github.com/vibekanban/vkrelay/internal/metrics"
	"github.com/vibekanban/vkrelay/internal/protocol"
)

type logEntry struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func op(kind, path, value string) protocol.Operation {
	o := protocol.Operation{Op: kind, Path: path}
	if value != "" {
		o.Value = json.RawMessage(value)
	}
	return o
}

func entry(content string) string {
	return fmt.Sprintf(`{"type":"stdout","content":%q}`, content)
}

func newTestController(t *testing.T, initial []logEntry) *Controller[logEntry] {
	t.Helper()
	var opts Options[logEntry]
	if initial != nil {
		opts.Initial = &PatchContainer[logEntry]{Entries: initial}
	}
	c, err := newController(context.Background(), "http://example.test/stream", opts)
	if err != nil {
		t.Fatalf("newController() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func fourEntries() []logEntry {
	return []logEntry{
		{Type: "stdout", Content: "0"},
		{Type: "stdout", Content: "1"},
		{Type: "stdout", Content: "2"},
		{Type: "stdout", Content: "3"},
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateErrored, "ERRORED"},
		{StateFinished, "FINISHED"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestDedupeOperations(t *testing.T) {
	tests := []struct {
		name string
		in   []protocol.Operation
		want []protocol.Operation
	}{
		{
			name: "distinct paths untouched",
			in:   []protocol.Operation{op("add", "/entries/0", `1`), op("add", "/entries/1", `2`)},
			want: []protocol.Operation{op("add", "/entries/0", `1`), op("add", "/entries/1", `2`)},
		},
		{
			name: "add then replace folds to add",
			in:   []protocol.Operation{op("add", "/entries/4", `"A"`), op("replace", "/entries/4", `"B"`)},
			want: []protocol.Operation{op("add", "/entries/4", `"B"`)},
		},
		{
			name: "replace twice keeps last",
			in:   []protocol.Operation{op("replace", "/entries/1", `"A"`), op("replace", "/entries/1", `"B"`)},
			want: []protocol.Operation{op("replace", "/entries/1", `"B"`)},
		},
		{
			name: "survivors keep relative order",
			in: []protocol.Operation{
				op("replace", "/entries/0", `"a"`),
				op("replace", "/entries/1", `"b"`),
				op("replace", "/entries/0", `"c"`),
				op("replace", "/entries/2", `"d"`),
			},
			want: []protocol.Operation{
				op("replace", "/entries/1", `"b"`),
				op("replace", "/entries/0", `"c"`),
				op("replace", "/entries/2", `"d"`),
			},
		},
		{
			name: "remove after add keeps both",
			in:   []protocol.Operation{op("add", "/entries/1", `"x"`), op("remove", "/entries/1", "")},
			want: []protocol.Operation{op("add", "/entries/1", `"x"`), op("remove", "/entries/1", "")},
		},
		{
			name: "appends kept",
			in:   []protocol.Operation{op("add", "/entries/-", `"a"`), op("add", "/entries/-", `"b"`)},
			want: []protocol.Operation{op("add", "/entries/-", `"a"`), op("add", "/entries/-", `"b"`)},
		},
		{
			name: "add folds in place",
			in: []protocol.Operation{
				op("add", "/entries/0", `"A"`),
				op("replace", "/entries/1", `"X"`),
				op("replace", "/entries/0", `"B"`),
			},
			want: []protocol.Operation{
				op("add", "/entries/0", `"B"`),
				op("replace", "/entries/1", `"X"`),
			},
		},
		{
			name: "structural op ends collapse",
			in: []protocol.Operation{
				op("replace", "/entries/1", `"a"`),
				op("remove", "/entries/0", ""),
				op("replace", "/entries/1", `"b"`),
			},
			want: []protocol.Operation{
				op("replace", "/entries/1", `"a"`),
				op("remove", "/entries/0", ""),
				op("replace", "/entries/1", `"b"`),
			},
		},
		{
			name: "descendant replace ends collapse",
			in: []protocol.Operation{
				op("replace", "/entries/1", `{"content":"a"}`),
				op("replace", "/entries/1/content", `"b"`),
				op("replace", "/entries/1", `{"content":"c"}`),
			},
			want: []protocol.Operation{
				op("replace", "/entries/1", `{"content":"a"}`),
				op("replace", "/entries/1/content", `"b"`),
				op("replace", "/entries/1", `{"content":"c"}`),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DedupeOperations(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DedupeOperations() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDedupeOperations_SameStateAsSequential(t *testing.T) {
	doc := []byte(`{"entries":[` + strings.Join([]string{entry("0"), entry("1"), entry("2"), entry("3")}, ",") + `]}`)

	apply := func(t *testing.T, ops []protocol.Operation) []byte {
		t.Helper()
		raw, _ := json.Marshal(ops)
		patch, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			t.Fatalf("DecodePatch() error = %v", err)
		}
		out, err := patch.Apply(doc)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		return out
	}

	tests := []struct {
		name string
		ops  []protocol.Operation
	}{
		{
			name: "add then replace at end",
			ops: []protocol.Operation{
				op("add", "/entries/4", entry("A")),
				op("replace", "/entries/4", entry("B")),
			},
		},
		{
			name: "three appends",
			ops: []protocol.Operation{
				op("add", "/entries/-", entry("a")),
				op("add", "/entries/-", entry("b")),
				op("add", "/entries/-", entry("c")),
			},
		},
		{
			name: "two removes at one index",
			ops: []protocol.Operation{
				op("remove", "/entries/0", ""),
				op("remove", "/entries/0", ""),
			},
		},
		{
			name: "insert shifts a later replace",
			ops: []protocol.Operation{
				op("add", "/entries/0", entry("A")),
				op("replace", "/entries/1", entry("X")),
				op("replace", "/entries/0", entry("B")),
			},
		},
		{
			name: "remove between replaces",
			ops: []protocol.Operation{
				op("replace", "/entries/1", entry("a")),
				op("remove", "/entries/0", ""),
				op("replace", "/entries/1", entry("b")),
			},
		},
		{
			name: "replaces collapse across other paths",
			ops: []protocol.Operation{
				op("replace", "/entries/0", entry("a")),
				op("replace", "/entries/2", entry("b")),
				op("replace", "/entries/0", entry("c")),
				op("add", "/entries/-", entry("d")),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full := apply(t, tt.ops)
			deduped := apply(t, DedupeOperations(tt.ops))
			if !jsonpatch.Equal(full, deduped) {
				t.Errorf("deduped state = %s, want %s", deduped, full)
			}
		})
	}
}

func TestApplyBatch_Appends(t *testing.T) {
	c := newTestController(t, fourEntries())

	err := c.applyBatch([]protocol.Operation{
		op("add", "/entries/-", entry("a")),
		op("add", "/entries/-", entry("b")),
		op("add", "/entries/-", entry("c")),
	})
	if err != nil {
		t.Fatalf("applyBatch() error = %v", err)
	}

	entries := c.Entries()
	if len(entries) != 7 {
		t.Fatalf("len(entries) = %d, want 7", len(entries))
	}
	if entries[6].Content != "c" {
		t.Errorf("entries[6].Content = %q, want %q", entries[6].Content, "c")
	}
}

func TestApplyBatch_AddThenReplace(t *testing.T) {
	c := newTestController(t, fourEntries())

	err := c.applyBatch([]protocol.Operation{
		op("add", "/entries/4", entry("A")),
		op("replace", "/entries/4", entry("B")),
	})
	if err != nil {
		t.Fatalf("applyBatch() error = %v", err)
	}

	entries := c.Entries()
	if len(entries) != 5 {
		t.Fatalf("len(entries) = %d, want 5", len(entries))
	}
	if entries[4].Content != "B" {
		t.Errorf("entries[4].Content = %q, want %q", entries[4].Content, "B")
	}
}

func TestApplyBatch_CopyOnWrite(t *testing.T) {
	c := newTestController(t, fourEntries())

	before := c.Snapshot()
	if err := c.applyBatch([]protocol.Operation{op("replace", "/entries/0", entry("changed"))}); err != nil {
		t.Fatalf("applyBatch() error = %v", err)
	}
	after := c.Snapshot()

	if before == after {
		t.Fatal("Snapshot() returned the same container before and after a batch")
	}
	if before.Entries[0].Content != "0" {
		t.Errorf("old snapshot entries[0] = %q, want %q", before.Entries[0].Content, "0")
	}
	if after.Entries[0].Content != "changed" {
		t.Errorf("new snapshot entries[0] = %q, want %q", after.Entries[0].Content, "changed")
	}
}

func TestApplyBatch_ErrorLeavesSnapshot(t *testing.T) {
	c := newTestController(t, fourEntries())
	before := c.Snapshot()

	var notified int
	c.OnChange(func([]logEntry) { notified++ })

	err := c.applyBatch([]protocol.Operation{
		op("replace", "/entries/0", entry("x")),
		op("remove", "/entries/10", ""),
	})
	if !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("applyBatch() error = %v, want ErrInvalidPatch", err)
	}
	if c.Snapshot() != before {
		t.Error("snapshot was replaced after a failed batch")
	}
	if c.Entries()[0].Content != "0" {
		t.Errorf("entries[0] = %q, want unchanged", c.Entries()[0].Content)
	}
	if notified != 1 {
		t.Errorf("subscriber calls = %d, want 1 (replay only)", notified)
	}
}

func TestOnChange_LateSubscriberReplay(t *testing.T) {
	c := newTestController(t, nil)
	for i := 0; i < 3; i++ {
		if err := c.applyBatch([]protocol.Operation{op("add", "/entries/-", entry(fmt.Sprint(i)))}); err != nil {
			t.Fatalf("applyBatch(%d) error = %v", i, err)
		}
	}

	var calls [][]logEntry
	unsubscribe := c.OnChange(func(entries []logEntry) { calls = append(calls, entries) })

	if len(calls) != 1 {
		t.Fatalf("calls after subscribe = %d, want 1", len(calls))
	}
	if len(calls[0]) != 3 || calls[0][2].Content != "2" {
		t.Errorf("replayed entries = %+v, want 3 entries ending in 2", calls[0])
	}

	c.applyBatch([]protocol.Operation{op("add", "/entries/-", entry("3"))})
	if len(calls) != 2 || len(calls[1]) != 4 {
		t.Fatalf("calls after batch = %d, want 2 with 4 entries", len(calls))
	}

	unsubscribe()
	c.applyBatch([]protocol.Operation{op("add", "/entries/-", entry("4"))})
	if len(calls) != 2 {
		t.Errorf("calls after unsubscribe = %d, want 2", len(calls))
	}
}

func TestOnChange_PanicIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	c, err := newController(context.Background(), "http://example.test/stream", Options[logEntry]{Metrics: m})
	if err != nil {
		t.Fatalf("newController() error = %v", err)
	}
	defer c.Close()

	var got int
	c.OnChange(func([]logEntry) { panic("boom") })
	c.OnChange(func([]logEntry) { got++ })

	if err := c.applyBatch([]protocol.Operation{op("add", "/entries/-", entry("a"))}); err != nil {
		t.Fatalf("applyBatch() error = %v", err)
	}
	if got != 2 {
		t.Errorf("healthy subscriber calls = %d, want 2", got)
	}
	if v := testutil.ToFloat64(m.SubscriberPanics); v != 2 {
		t.Errorf("subscriber panics = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.PatchBatches); v != 1 {
		t.Errorf("patch batches = %v, want 1", v)
	}
}

func TestOpen_TransportSelection(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://h/api/execution-processes/1/raw-logs/ws", TransportWebSocket},
		{"ws://h/api/execution-processes/1/raw-logs/ws?token=x", TransportWebSocket},
		{"http://h/api/execution-processes/1/raw-logs", TransportSSE},
		{"http://h/api/wsx", TransportSSE},
	}
	for _, tt := range tests {
		c, err := newController(context.Background(), tt.url, Options[logEntry]{})
		if err != nil {
			t.Fatalf("newController(%q) error = %v", tt.url, err)
		}
		if got := c.Transport(); got != tt.want {
			t.Errorf("Transport(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestEventReader(t *testing.T) {
	input := ": comment\n" +
		"retry: 1500\n" +
		"id: 7\n" +
		"event: json_patch\n" +
		"data: [1,\n" +
		"data: 2]\n" +
		"\n" +
		"data:plain\r\n" +
		"\r\n" +
		"event: finished\n" +
		"\n"
	r := newEventReader(strings.NewReader(input), 1<<20)

	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Name != "json_patch" || ev.Data != "[1,\n2]" || ev.ID != "7" || ev.Retry != 1500*time.Millisecond {
		t.Errorf("first event = %+v", ev)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Name != "message" || ev.Data != "plain" {
		t.Errorf("second event = %+v", ev)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Name != "finished" {
		t.Errorf("third event name = %q, want finished", ev.Name)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

func writeEvent(w http.ResponseWriter, name, data string) {
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func TestSSE_PatchesAndFinished(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer abc" {
			t.Errorf("Authorization = %q, want Bearer abc", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "json_patch", `[{"op":"add","path":"/entries/-","value":`+entry("one")+`}]`)
		writeEvent(w, "json_patch", `[{"op":"add","path":"/entries/-","value":`+entry("two")+`}]`)
		writeEvent(w, "finished", "")
	}))
	defer server.Close()

	finished := make(chan []logEntry, 1)
	c, err := Open(context.Background(), server.URL+"/api/logs", Options[logEntry]{
		Header:     http.Header{"Authorization": {"Bearer abc"}},
		OnFinished: func(entries []logEntry) { finished <- entries },
		OnError:    func(err error) { t.Errorf("OnError(%v)", err) },
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitDone(t, c.Done())

	select {
	case entries := <-finished:
		if len(entries) != 2 || entries[1].Content != "two" {
			t.Errorf("finished entries = %+v", entries)
		}
	default:
		t.Fatal("OnFinished was not called")
	}
	if got := c.State(); got != StateFinished {
		t.Errorf("State() = %v, want FINISHED", got)
	}
}

func TestSSE_ReconnectsWithLastEventID(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
		lastIDs  []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		lastIDs = append(lastIDs, r.Header.Get("Last-Event-ID"))
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			fmt.Fprint(w, "retry: 10\nid: 41\n")
			writeEvent(w, "json_patch", `[{"op":"add","path":"/entries/-","value":`+entry("first")+`}]`)
			return
		}
		writeEvent(w, "json_patch", `[{"op":"add","path":"/entries/-","value":`+entry("second")+`}]`)
		writeEvent(w, "finished", "")
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	var (
		errMu  sync.Mutex
		errs   []error
	)
	c, err := Open(context.Background(), server.URL, Options[logEntry]{
		ReconnectDelay: 20 * time.Millisecond,
		Metrics:        m,
		OnError: func(err error) {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitDone(t, c.Done())

	mu.Lock()
	defer mu.Unlock()
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	if lastIDs[0] != "" || lastIDs[1] != "41" {
		t.Errorf("Last-Event-ID headers = %q, want [\"\" \"41\"]", lastIDs)
	}
	if got := c.Entries(); len(got) != 2 || got[1].Content != "second" {
		t.Errorf("entries = %+v", got)
	}

	errMu.Lock()
	defer errMu.Unlock()
	if len(errs) != 1 || !IsStreamEnded(errs[0]) {
		t.Errorf("errors = %v, want one stream-ended error", errs)
	}
	if v := testutil.ToFloat64(m.StreamReconnects); v != 1 {
		t.Errorf("reconnects = %v, want 1", v)
	}
}

func TestSSE_BadPatchReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "json_patch", `not json`)
		writeEvent(w, "json_patch", `[{"op":"replace","path":"/entries/3","value":1}]`)
		writeEvent(w, "json_patch", `[{"op":"add","path":"/entries/-","value":`+entry("ok")+`}]`)
		writeEvent(w, "finished", "")
	}))
	defer server.Close()

	var (
		mu   sync.Mutex
		errs []error
	)
	c, err := Open(context.Background(), server.URL, Options[logEntry]{
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitDone(t, c.Done())

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrInvalidPatch) {
			t.Errorf("error %v is not ErrInvalidPatch", err)
		}
	}
	if got := c.Entries(); len(got) != 1 || got[0].Content != "ok" {
		t.Errorf("entries = %+v", got)
	}
}

func TestSSE_CloseStopsReconnecting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	errCh := make(chan error, 16)
	c, err := Open(context.Background(), server.URL, Options[logEntry]{
		ReconnectDelay: time.Hour,
		OnError:        func(err error) { errCh <- err },
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	select {
	case err := <-errCh:
		if protocol.StatusOf(err) != http.StatusServiceUnavailable {
			t.Errorf("error status = %d, want 503", protocol.StatusOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}
	c.Close()
	waitDone(t, c.Done())

	if got := c.State(); got != StateClosed {
		t.Errorf("State() = %v, want CLOSED", got)
	}
}

func TestSSE_ClientErrorStopsReconnecting(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"unauthorized", http.StatusUnauthorized},
		{"not found", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "rejected", tt.status)
			}))
			defer server.Close()

			errCh := make(chan error, 16)
			c, err := Open(context.Background(), server.URL, Options[logEntry]{
				ReconnectDelay: time.Millisecond,
				OnError:        func(err error) { errCh <- err },
			})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer c.Close()
			waitDone(t, c.Done())

			if got := hits.Load(); got != 1 {
				t.Errorf("server hits = %d, want 1", got)
			}
			if got := c.State(); got != StateErrored {
				t.Errorf("State() = %v, want ERRORED", got)
			}
			if len(errCh) != 1 {
				t.Fatalf("errors reported = %d, want 1", len(errCh))
			}
			if got := protocol.StatusOf(<-errCh); got != tt.status {
				t.Errorf("error status = %d, want %d", got, tt.status)
			}
		})
	}
}

func wsServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept() error = %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client closes it.
		conn.Read(ctx)
	}))
}

func TestWebSocket_FinishedFrames(t *testing.T) {
	tests := []struct {
		name     string
		finished string
	}{
		{"Finished key", `{"Finished":null}`},
		{"legacy finished flag", `{"finished":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := wsServer(t,
				`{"JsonPatch":[{"op":"add","path":"/entries/-","value":`+entry("a")+`}]}`,
				`{"JsonPatch":[{"op":"add","path":"/entries/-","value":`+entry("b")+`},{"op":"replace","path":"/entries/1","value":`+entry("c")+`}]}`,
				tt.finished,
			)
			defer server.Close()

			finished := make(chan []logEntry, 1)
			c, err := Open(context.Background(), server.URL+"/api/logs/ws", Options[logEntry]{
				OnFinished: func(entries []logEntry) { finished <- entries },
				OnError:    func(err error) { t.Errorf("OnError(%v)", err) },
			})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if c.Transport() != TransportWebSocket {
				t.Fatalf("Transport() = %q, want websocket", c.Transport())
			}
			waitDone(t, c.Done())

			select {
			case entries := <-finished:
				if len(entries) != 2 || entries[1].Content != "c" {
					t.Errorf("finished entries = %+v", entries)
				}
			default:
				t.Fatal("OnFinished was not called")
			}
		})
	}
}

func TestWebSocket_DropIsNotRetried(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"JsonPatch":[{"op":"add","path":"/entries/-","value":`+entry("a")+`}]}`))
		conn.Close(websocket.StatusGoingAway, "restart")
	}))
	defer server.Close()

	errCh := make(chan error, 4)
	c, err := Open(context.Background(), server.URL+"/ws", Options[logEntry]{
		ReconnectDelay: time.Millisecond,
		OnError:        func(err error) { errCh <- err },
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitDone(t, c.Done())

	select {
	case err := <-errCh:
		if !IsStreamEnded(err) {
			t.Errorf("error = %v, want stream ended", err)
		}
	default:
		t.Fatal("OnError was not called")
	}
	if got := c.State(); got != StateErrored {
		t.Errorf("State() = %v, want ERRORED", got)
	}
	if got := c.Entries(); len(got) != 1 {
		t.Errorf("entries = %+v, want the one applied before the drop", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestWebSocket_CustomDial(t *testing.T) {
	server := wsServer(t, `{"Finished":{}}`)
	defer server.Close()

	var dialed string
	c, err := Open(context.Background(), "http://relay.invalid/api/logs/ws", Options[logEntry]{
		Dial: func(ctx context.Context, rawURL string) (*websocket.Conn, error) {
			dialed = rawURL
			conn, _, err := websocket.Dial(ctx, server.URL, nil)
			return conn, err
		},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitDone(t, c.Done())

	if dialed != "http://relay.invalid/api/logs/ws" {
		t.Errorf("Dial url = %q", dialed)
	}
	if got := c.State(); got != StateFinished {
		t.Errorf("State() = %v, want FINISHED", got)
	}
}
