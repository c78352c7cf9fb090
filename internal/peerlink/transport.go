package peerlink

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/models"
)

// ConnectionState mirrors the peer connection states reported by the media engine.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteTrack describes a media track received from the remote participant.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
}

// Transport is one peer connection owned by exactly one Link. Callbacks may
// fire on any goroutine.
type Transport interface {
	CreateOffer(iceRestart bool) (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetLocalDescription(desc models.SessionDescription) error
	SetRemoteDescription(desc models.SessionDescription) error
	AddICECandidate(c models.ICECandidate) error
	AddTrack(track webrtc.TrackLocal) error
	OnICECandidate(func(models.ICECandidate))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(ConnectionState))
	Close() error
}

// TransportFactory creates a fresh Transport for a new link.
type TransportFactory func() (Transport, error)

// Sender delivers a signaling message to the hub.
type Sender interface {
	Send(ctx context.Context, msg models.SignalMessage) error
}

// Observer receives link-level events. Calls are made from whichever
// goroutine drives the link.
type Observer interface {
	LinkStateChanged(remoteID string, state State, err error)
	RemoteTrack(remoteID string, track RemoteTrack)
}
