package stream

import (
	"context"
	"errors"
	"fmt"

	"nhooyr.io/websocket"

	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/protocol"
)

func (c *Controller[E]) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.opts.Dial != nil {
		return c.opts.Dial(ctx, c.url)
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: c.opts.Header,
	})
	return conn, err
}

// runWebSocket reads one WebSocket connection until it finishes, fails or
// is closed. WebSocket streams are not reconnected.
func (c *Controller[E]) runWebSocket(ctx context.Context) {
	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateErrored)
		c.reportError("transport", fmt.Errorf("dial stream websocket: %w", err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(c.opts.ReadLimit)

	c.setState(StateConnected)
	c.logger.Debug("websocket stream connected", logging.KeyURL, c.url)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			c.setState(StateErrored)
			if status := websocket.CloseStatus(err); status != -1 {
				err = fmt.Errorf("%w: %w", ErrStreamEnded, err)
			}
			c.reportError("transport", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.ParseStreamMessage(data)
		if err != nil {
			c.reportError("decode", fmt.Errorf("%w: %w", ErrInvalidPatch, err))
			continue
		}
		if len(msg.Patch) > 0 {
			if err := c.applyBatch(msg.Patch); err != nil {
				c.reportError("apply", err)
			}
		}
		if msg.Finished {
			c.finish()
			conn.Close(websocket.StatusNormalClosure, "finished")
			return
		}
	}
}

// IsStreamEnded reports whether err means the server ended the stream
// without finishing it.
func IsStreamEnded(err error) bool {
	return errors.Is(err, ErrStreamEnded)
}
