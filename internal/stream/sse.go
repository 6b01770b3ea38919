package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/protocol"
)

// ErrStreamEnded is reported when the server closes an SSE response without
// sending the finished event.
var ErrStreamEnded = errors.New("event stream ended")

// event is one dispatched Server-Sent Event.
type event struct {
	Name  string
	Data  string
	ID    string
	Retry time.Duration
}

// eventReader parses the text/event-stream format.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader, limit int) *eventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), limit)
	return &eventReader{scanner: scanner}
}

// Next returns the next event. Retry is set when the block carried a valid
// retry field, and ID is set when it carried an id field. Blocks with no data
// and no event name are skipped unless they update the retry delay or id.
func (r *eventReader) Next() (event, error) {
	var (
		ev      event
		data    strings.Builder
		hasData bool
		hasMeta bool
	)
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if hasData || hasMeta || ev.Name != "" {
				if ev.Name == "" {
					ev.Name = "message"
				}
				ev.Data = data.String()
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
				hasMeta = true
			}
		case "retry":
			if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
				ev.Retry = time.Duration(ms) * time.Millisecond
				hasMeta = true
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return event{}, err
	}
	return event{}, io.EOF
}

// runSSE keeps an event stream open, reconnecting after errors until the
// stream finishes or is closed. Attempts are spaced at least the
// server-advertised retry delay apart. A 4xx response fails the stream for
// good; network errors and 5xx responses are retried.
func (c *Controller[E]) runSSE(ctx context.Context) {
	delay := c.opts.ReconnectDelay
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	lastEventID := ""

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if attempt > 0 {
			c.metrics.RecordStreamReconnect()
			c.logger.Debug("reconnecting event stream", logging.KeyAttempt, attempt)
		}

		finished, err := c.readSSE(ctx, &lastEventID, &delay)
		if finished || ctx.Err() != nil {
			return
		}
		c.setState(StateErrored)
		c.reportError("transport", err)
		if status := protocol.StatusOf(err); status >= 400 && status < 500 {
			c.logger.Warn("event stream rejected", logging.KeyStatus, status)
			return
		}
		limiter.SetLimit(rate.Every(delay))
	}
}

// readSSE holds one connection open. It reports whether the server finished
// the stream.
func (c *Controller[E]) readSSE(ctx context.Context, lastEventID *string, delay *time.Duration) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, err
	}
	for k, v := range c.opts.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if *lastEventID != "" {
		req.Header.Set("Last-Event-ID", *lastEventID)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, protocol.NewHTTPError("open event stream", resp)
	}

	c.setState(StateConnected)
	c.logger.Debug("event stream connected", logging.KeyURL, c.url)

	events := newEventReader(resp.Body, int(c.opts.ReadLimit))
	for {
		ev, err := events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			return false, err
		}
		if ev.ID != "" {
			*lastEventID = ev.ID
		}
		if ev.Retry > 0 {
			*delay = ev.Retry
		}

		switch ev.Name {
		case protocol.EventJSONPatch:
			ops, err := protocol.ParsePatch([]byte(ev.Data))
			if err != nil {
				c.reportError("decode", fmt.Errorf("%w: %w", ErrInvalidPatch, err))
				continue
			}
			if err := c.applyBatch(ops); err != nil {
				c.reportError("apply", err)
			}
		case protocol.EventFinished:
			c.finish()
			return true, nil
		}
	}
}
