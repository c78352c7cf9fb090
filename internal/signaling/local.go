package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/meeting-signaling/internal/hub"
	"github.com/mossy-p/meeting-signaling/internal/models"
)

var errBufferFull = errors.New("signaling buffer full")

// LocalConn is an in-process Conn bound directly to a Hub. Messages sent on
// it are dispatched synchronously; hub deliveries are queued on a buffered
// channel and dropped when it is full.
type LocalConn struct {
	hub  *hub.Hub
	peer *localPeer
}

type localPeer struct {
	id       string
	mu       sync.Mutex
	closed   bool
	messages chan models.SignalMessage
}

// NewLocalConn registers nothing with the hub until the first join-or-create
// is sent.
func NewLocalConn(h *hub.Hub, participantID string, buffer int) *LocalConn {
	if buffer <= 0 {
		buffer = 256
	}
	return &LocalConn{
		hub: h,
		peer: &localPeer{
			id:       participantID,
			messages: make(chan models.SignalMessage, buffer),
		},
	}
}

func (c *LocalConn) ID() string { return c.peer.id }

func (c *LocalConn) Send(ctx context.Context, msg models.SignalMessage) error {
	if c.peer.isClosed() {
		return ErrClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	err := c.hub.Dispatch(ctx, c.peer, msg)
	if errors.Is(err, hub.ErrRecipientUnavailable) {
		// The hub has already told us; the sender learns it from the stream.
		return nil
	}
	return err
}

func (c *LocalConn) Messages() <-chan models.SignalMessage {
	return c.peer.messages
}

// Close disconnects from the hub, which treats it as leaving every meeting.
func (c *LocalConn) Close() error {
	if !c.peer.close() {
		return nil
	}
	c.hub.Disconnect(context.Background(), c.peer.id)
	return nil
}

func (p *localPeer) ID() string { return p.id }

func (p *localPeer) Send(msg models.SignalMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.messages <- msg:
		return nil
	default:
		return errBufferFull
	}
}

func (p *localPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// close marks the peer closed and closes its stream. It reports whether this
// call did the closing.
func (p *localPeer) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	close(p.messages)
	return true
}
