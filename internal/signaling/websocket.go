package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/meeting-signaling/internal/models"
)

type DialOptions struct {
	Header       http.Header
	PingInterval time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (o *DialOptions) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 54 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WSConn is a Conn over a gorilla WebSocket. One goroutine reads and one
// writes; Send only queues.
type WSConn struct {
	conn     *websocket.Conn
	opts     DialOptions
	logger   *slog.Logger
	send     chan []byte
	messages chan models.SignalMessage

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub's WebSocket endpoint.
func Dial(ctx context.Context, url string, opts DialOptions) (*WSConn, error) {
	opts.setDefaults()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WSConn{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger.With("component", "signaling"),
		send:     make(chan []byte, 256),
		messages: make(chan models.SignalMessage, 256),
		done:     make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *WSConn) Send(ctx context.Context, msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSConn) Messages() <-chan models.SignalMessage {
	return c.messages
}

func (c *WSConn) Close() error {
	c.shutdown()
	return nil
}

func (c *WSConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WSConn) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		close(c.messages)
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("signaling connection lost", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		msg, err := models.ParseSignalMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed message from hub", "err", err)
			continue
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("failed to write message", "err", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
