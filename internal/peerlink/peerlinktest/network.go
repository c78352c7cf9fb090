// Package peerlinktest provides an in-memory peer transport for exercising
// negotiation without a media engine.
//
// Fake transports enforce the same ordering rules as a real engine: remote
// candidates are rejected until a remote description is set, and an offer
// cannot be applied over a pending local offer without a rollback. Session
// descriptions carry the creating transport's name, which lets a Network
// pair two transports once both sides have completed a round.
package peerlinktest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/peerlink"
)

var (
	ErrClosed          = errors.New("transport closed")
	ErrNoRemote        = errors.New("remote description not set")
	ErrWrongState      = errors.New("description not valid in current signaling state")
	ErrInjectedFailure = errors.New("injected failure")
)

// Network creates fake transports. With Auto set, transports emit one host
// candidate per local description and report Connected (plus a remote track
// per peer track) once paired, all asynchronously as a real engine would.
type Network struct {
	Auto bool

	mu         sync.Mutex
	seq        int
	transports map[string]*Transport
	created    []*Transport
}

func NewNetwork(auto bool) *Network {
	return &Network{Auto: auto, transports: make(map[string]*Transport)}
}

// Factory returns a TransportFactory whose transports are named prefix-N.
func (n *Network) Factory(prefix string) peerlink.TransportFactory {
	return func() (peerlink.Transport, error) {
		return n.New(prefix), nil
	}
}

func (n *Network) New(prefix string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	t := &Transport{
		Name: fmt.Sprintf("%s-%d", prefix, n.seq),
		net:  n,
	}
	n.transports[t.Name] = t
	n.created = append(n.created, t)
	return t
}

// Transports returns every transport created so far.
func (n *Network) Transports() []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Transport(nil), n.created...)
}

// Open counts transports that have not been closed.
func (n *Network) Open() int {
	count := 0
	for _, t := range n.Transports() {
		if !t.Closed() {
			count++
		}
	}
	return count
}

func (n *Network) lookup(name string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[name]
}

type signalingState int

const (
	stable signalingState = iota
	haveLocalOffer
	haveRemoteOffer
)

type Transport struct {
	Name string
	net  *Network

	// Injected failures.
	FailCreateOffer  error
	FailCreateAnswer error
	FailSetRemote    error

	mu            sync.Mutex
	version       int
	signaling     signalingState
	local         *models.SessionDescription
	remote        *models.SessionDescription
	pendingLocal  *models.SessionDescription
	pendingRemote *models.SessionDescription
	tracks        []webrtc.TrackLocal
	added         []models.ICECandidate
	offers        []bool // iceRestart flag per CreateOffer call
	rollbacks     int
	closed        bool
	connected     bool
	onCandidate   func(models.ICECandidate)
	onTrack       func(peerlink.RemoteTrack)
	onState       func(peerlink.ConnectionState)
}

func (t *Transport) CreateOffer(iceRestart bool) (models.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return models.SessionDescription{}, ErrClosed
	}
	if t.FailCreateOffer != nil {
		return models.SessionDescription{}, t.FailCreateOffer
	}
	t.offers = append(t.offers, iceRestart)
	t.version++
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: t.sdpLocked("offer")}, nil
}

func (t *Transport) CreateAnswer() (models.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return models.SessionDescription{}, ErrClosed
	}
	if t.FailCreateAnswer != nil {
		return models.SessionDescription{}, t.FailCreateAnswer
	}
	if t.signaling != haveRemoteOffer {
		return models.SessionDescription{}, ErrWrongState
	}
	t.version++
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: t.sdpLocked("answer")}, nil
}

func (t *Transport) sdpLocked(kind string) string {
	return fmt.Sprintf("fake %s %s %d", t.Name, kind, t.version)
}

func (t *Transport) SetLocalDescription(desc models.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	d := desc
	switch desc.Type {
	case models.SDPTypeRollback:
		if t.signaling != haveLocalOffer {
			t.mu.Unlock()
			return ErrWrongState
		}
		t.pendingLocal = nil
		t.signaling = stable
		t.rollbacks++
		t.mu.Unlock()
		return nil
	case models.SDPTypeOffer:
		if t.signaling == haveRemoteOffer {
			t.mu.Unlock()
			return ErrWrongState
		}
		t.pendingLocal = &d
		t.signaling = haveLocalOffer
	case models.SDPTypeAnswer:
		if t.signaling != haveRemoteOffer {
			t.mu.Unlock()
			return ErrWrongState
		}
		t.local = &d
		t.remote = t.pendingRemote
		t.pendingRemote = nil
		t.signaling = stable
	default:
		t.mu.Unlock()
		return ErrWrongState
	}
	auto := t.net.Auto
	cb := t.onCandidate
	c := models.ICECandidate{Candidate: fmt.Sprintf("candidate:%s-%d 1 udp 2130706431 10.0.0.1 9 typ host", t.Name, t.version)}
	t.mu.Unlock()

	if auto && cb != nil {
		go t.emit(func() { cb(c) })
	}
	t.maybeConnect()
	return nil
}

func (t *Transport) SetRemoteDescription(desc models.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.FailSetRemote != nil {
		t.mu.Unlock()
		return t.FailSetRemote
	}
	d := desc
	switch desc.Type {
	case models.SDPTypeOffer:
		if t.signaling == haveLocalOffer {
			t.mu.Unlock()
			return ErrWrongState
		}
		t.pendingRemote = &d
		t.signaling = haveRemoteOffer
	case models.SDPTypeAnswer:
		if t.signaling != haveLocalOffer {
			t.mu.Unlock()
			return ErrWrongState
		}
		t.local = t.pendingLocal
		t.pendingLocal = nil
		t.remote = &d
		t.signaling = stable
	default:
		t.mu.Unlock()
		return ErrWrongState
	}
	t.mu.Unlock()

	t.maybeConnect()
	return nil
}

func (t *Transport) AddICECandidate(c models.ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.remote == nil && t.pendingRemote == nil {
		return ErrNoRemote
	}
	t.added = append(t.added, c)
	return nil
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *Transport) OnICECandidate(f func(models.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = f
	t.mu.Unlock()
}

func (t *Transport) OnTrack(f func(peerlink.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(f func(peerlink.ConnectionState)) {
	t.mu.Lock()
	t.onState = f
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// EmitCandidate fires the local candidate callback synchronously.
func (t *Transport) EmitCandidate(c models.ICECandidate) {
	t.mu.Lock()
	cb := t.onCandidate
	t.mu.Unlock()
	if cb != nil {
		t.emit(func() { cb(c) })
	}
}

// EmitState fires the connection state callback synchronously.
func (t *Transport) EmitState(s peerlink.ConnectionState) {
	t.mu.Lock()
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		t.emit(func() { cb(s) })
	}
}

// EmitTrack fires the remote track callback synchronously.
func (t *Transport) EmitTrack(track peerlink.RemoteTrack) {
	t.mu.Lock()
	cb := t.onTrack
	t.mu.Unlock()
	if cb != nil {
		t.emit(func() { cb(track) })
	}
}

func (t *Transport) emit(f func()) {
	if t.Closed() {
		return
	}
	f()
}

// maybeConnect reports Connected on both transports once each holds the
// other's description and both have completed an offer/answer round.
func (t *Transport) maybeConnect() {
	if !t.net.Auto {
		return
	}
	peerName, ok := t.remotePeer()
	if !ok {
		return
	}
	peer := t.net.lookup(peerName)
	if peer == nil {
		return
	}
	if name, ok := peer.remotePeer(); !ok || name != t.Name {
		return
	}
	for _, side := range []*Transport{t, peer} {
		other := peer
		if side == peer {
			other = t
		}
		side.mu.Lock()
		fire := !side.connected && !side.closed
		side.connected = true
		stateCB := side.onState
		trackCB := side.onTrack
		side.mu.Unlock()
		if !fire {
			continue
		}
		tracks := other.Tracks()
		go side.emit(func() {
			if stateCB != nil {
				stateCB(peerlink.ConnectionStateConnected)
			}
			if trackCB != nil {
				for _, tr := range tracks {
					trackCB(peerlink.RemoteTrack{ID: tr.ID(), StreamID: tr.StreamID(), Kind: tr.Kind().String()})
				}
			}
		})
	}
}

// remotePeer returns the name of the transport whose description was applied
// as remote, when a full offer/answer round is complete.
func (t *Transport) remotePeer() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.signaling != stable || t.local == nil || t.remote == nil {
		return "", false
	}
	fields := strings.Fields(t.remote.SDP)
	if len(fields) < 2 || fields[0] != "fake" {
		return "", false
	}
	return fields[1], true
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Added returns remote candidates applied so far, in order.
func (t *Transport) Added() []models.ICECandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.ICECandidate(nil), t.added...)
}

func (t *Transport) Tracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), t.tracks...)
}

// Offers returns the iceRestart flag of every CreateOffer call.
func (t *Transport) Offers() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.offers...)
}

func (t *Transport) Rollbacks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbacks
}

func (t *Transport) LocalDescription() *models.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) RemoteDescription() *models.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}
