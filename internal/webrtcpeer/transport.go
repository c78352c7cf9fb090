package webrtcpeer

import (
	"errors"
	"io"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/peerlink"
)

// Transport is a peerlink.Transport backed by a pion PeerConnection.
type Transport struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger
}

func (t *Transport) CreateOffer(iceRestart bool) (models.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.pc.CreateOffer(opts)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (t *Transport) CreateAnswer() (models.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (t *Transport) SetLocalDescription(desc models.SessionDescription) error {
	return t.pc.SetLocalDescription(toPion(desc))
}

func (t *Transport) SetRemoteDescription(desc models.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPion(desc))
}

func (t *Transport) AddICECandidate(c models.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *Transport) OnICECandidate(f func(models.ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		f(models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *Transport) OnTrack(f func(peerlink.RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(peerlink.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
		})
		go t.drain(track)
	})
}

// drain discards inbound RTP; rendering is left to the presentation layer.
func (t *Transport) drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("remote track ended", "track", track.ID(), "err", err)
			}
			return
		}
	}
}

func (t *Transport) OnConnectionStateChange(f func(peerlink.ConnectionState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f(connectionState(s))
	})
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

func connectionState(s webrtc.PeerConnectionState) peerlink.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return peerlink.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return peerlink.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return peerlink.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return peerlink.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return peerlink.ConnectionStateClosed
	default:
		return peerlink.ConnectionStateNew
	}
}

func toPion(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	}
}

func fromPion(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{
		Type: models.SDPType(desc.Type.String()),
		SDP:  desc.SDP,
	}
}
