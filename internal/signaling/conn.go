// Package signaling is the client side of the signaling channel: an ordered,
// bidirectional message stream between one participant and the hub.
package signaling

import (
	"context"
	"errors"

	"github.com/mossy-p/meeting-signaling/internal/models"
)

var ErrClosed = errors.New("signaling connection closed")

// Conn delivers messages in send order. Messages is closed when the
// connection ends, whether by Close or by the remote side.
type Conn interface {
	Send(ctx context.Context, msg models.SignalMessage) error
	Messages() <-chan models.SignalMessage
	Close() error
}
