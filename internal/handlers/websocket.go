package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/meeting-signaling/internal/hub"
	"github.com/mossy-p/meeting-signaling/internal/metrics"
	"github.com/mossy-p/meeting-signaling/internal/models"
)

const (
	defaultSendBuffer  = 256
	maxSignalFrameSize = 64 << 10
)

var (
	errClientClosed   = errors.New("client connection closed")
	errSendBufferFull = errors.New("client send buffer full")
)

// SignalingOptions tunes WebSocket keepalive for signaling clients.
type SignalingOptions struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Signaling upgrades HTTP requests to signaling connections and feeds their
// messages to the hub.
type Signaling struct {
	hub      *hub.Hub
	opts     SignalingOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewSignaling(h *hub.Hub, opts SignalingOptions) *Signaling {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Signaling{
		hub:    h,
		opts:   opts,
		logger: logger.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
	}
}

// Client is one WebSocket connection. Its participant ID is assigned on
// connect and stays fixed for the connection's lifetime.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (c *Client) ID() string { return c.id }

// Send queues msg for the write pump without blocking.
func (c *Client) Send(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// HandleSignaling handles WebSocket connections for meeting signaling.
func (s *Signaling) HandleSignaling(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "err", err)
		return
	}

	id := uuid.New().String()
	client := &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, s.opts.SendBuffer),
		done:   make(chan struct{}),
		logger: s.logger.With("participant", id),
	}
	client.logger.Info("client connected", "remote", c.Request.RemoteAddr)

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Signaling) readPump(c *Client) {
	ctx := context.Background()
	defer func() {
		c.close()
		s.hub.Disconnect(ctx, c.id)
		_ = c.conn.Close()
		c.logger.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxSignalFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))

		msg, err := models.ParseSignalMessage(data)
		if err != nil {
			s.opts.Metrics.Inc(metrics.InvalidMessage)
			c.logger.Debug("rejected malformed message", "err", err)
			_ = c.Send(models.SignalMessage{Type: models.SignalTypeError, Error: err.Error()})
			continue
		}

		// Failures are already reported to the client by the hub.
		if err := s.hub.Dispatch(ctx, c, msg); err != nil {
			c.logger.Debug("message not handled", "type", msg.Type, "meeting", msg.MeetingID, "err", err)
		}
	}
}

func (s *Signaling) writePump(c *Client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("failed to write message", "err", err)
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteTimeout))
			return
		}
	}
}
