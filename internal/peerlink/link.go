// Package peerlink drives the offer/answer negotiation between the local
// participant and one remote participant.
//
// A Link owns exactly one Transport. Remote ICE candidates that arrive before
// a remote description is applied are queued and flushed in arrival order once
// it is. Simultaneous offers (glare) are resolved by identifier order: the
// participant with the lexicographically smaller identifier is polite, rolls
// back its own offer and answers; the other ignores the colliding offer.
//
// A Link is not safe for concurrent use. Its owner serializes every call, and
// transport callbacks are marshalled back onto the owner through
// Config.Dispatch.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/metrics"
	"github.com/mossy-p/meeting-signaling/internal/models"
)

var (
	ErrInvalidState     = errors.New("invalid negotiation state")
	ErrClosed           = errors.New("peer link closed")
	ErrIceRestartFailed = errors.New("ice restart failed")
)

// State is the negotiation state of a link.
type State int

const (
	StateIdle State = iota
	StateLocalOfferPending
	StateRemoteOfferApplied
	StateStable
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalOfferPending:
		return "local-offer-pending"
	case StateRemoteOfferApplied:
		return "remote-offer-applied"
	case StateStable:
		return "stable"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further negotiation can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

type Config struct {
	MeetingID string
	LocalID   string
	RemoteID  string

	NewTransport TransportFactory
	Tracks       []webrtc.TrackLocal
	Signaler     Sender
	Observer     Observer
	// Reset marks the link's first offer as replacing whatever link the
	// remote side currently holds for us.
	Reset bool

	// Dispatch schedules transport callbacks onto the owner's event loop.
	// Nil runs them inline.
	Dispatch func(func())
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Link struct {
	cfg    Config
	logger *slog.Logger

	state     State
	transport Transport
	// generation increments whenever the transport is replaced or released;
	// callbacks carrying an older generation are dropped.
	generation uint64

	localDesc     *models.SessionDescription
	remoteDesc    *models.SessionDescription
	remoteApplied bool
	pending       []models.ICECandidate

	connState    ConnectionState
	iceRestarted bool
	glares       int
}

func New(cfg Config) *Link {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(f func()) { f() }
	}
	return &Link{
		cfg:    cfg,
		logger: logger.With("meeting", cfg.MeetingID, "peer", cfg.RemoteID),
	}
}

func (l *Link) RemoteID() string { return l.cfg.RemoteID }

func (l *Link) State() State { return l.state }

// Polite reports whether this side yields on glare.
func (l *Link) Polite() bool { return l.cfg.LocalID < l.cfg.RemoteID }

// PendingCandidates is the number of remote candidates awaiting a remote description.
func (l *Link) PendingCandidates() int { return len(l.pending) }

// Glares counts colliding offers seen by this link.
func (l *Link) Glares() int { return l.glares }

// Reset reports whether the link was created to replace a broken one.
func (l *Link) Reset() bool { return l.cfg.Reset }

func (l *Link) LocalDescription() *models.SessionDescription { return l.localDesc }

func (l *Link) RemoteDescription() *models.SessionDescription { return l.remoteDesc }

// Initiate creates the transport, attaches local tracks and sends an offer.
// Only valid from Idle.
func (l *Link) Initiate(ctx context.Context) error {
	if l.state != StateIdle {
		return fmt.Errorf("%w: initiate from %s", ErrInvalidState, l.state)
	}
	if err := l.ensureTransport(); err != nil {
		return l.fail(err)
	}
	return l.offer(ctx, false)
}

// HandleOffer applies a remote offer and answers it. A colliding offer while
// our own is pending is resolved by the politeness rule.
func (l *Link) HandleOffer(ctx context.Context, offer models.SessionDescription) error {
	switch l.state {
	case StateFailed, StateClosed:
		return ErrClosed
	case StateLocalOfferPending:
		l.glares++
		l.cfg.Metrics.Inc(metrics.NegotiationGlare)
		if !l.Polite() {
			l.logger.Info("ignoring colliding offer", "local", l.cfg.LocalID)
			return nil
		}
		l.logger.Info("rolling back local offer for colliding offer", "local", l.cfg.LocalID)
		if err := l.transport.SetLocalDescription(models.SessionDescription{Type: models.SDPTypeRollback}); err != nil {
			return l.fail(fmt.Errorf("rollback local offer: %w", err))
		}
		l.localDesc = nil
	}

	if err := l.ensureTransport(); err != nil {
		return l.fail(err)
	}
	if err := l.transport.SetRemoteDescription(offer); err != nil {
		return l.fail(fmt.Errorf("set remote offer: %w", err))
	}
	l.remoteDesc = &offer
	l.remoteApplied = true
	l.setState(StateRemoteOfferApplied, nil)
	l.flushCandidates()

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		return l.fail(fmt.Errorf("create answer: %w", err))
	}
	if l.state.Terminal() {
		return ErrClosed
	}
	if err := l.transport.SetLocalDescription(answer); err != nil {
		return l.fail(fmt.Errorf("set local answer: %w", err))
	}
	l.localDesc = &answer
	l.settle()

	return l.send(ctx, models.SignalMessage{Type: models.SignalTypeAnswer, SDP: &answer})
}

// HandleAnswer applies the remote answer to our pending offer.
func (l *Link) HandleAnswer(ctx context.Context, answer models.SessionDescription) error {
	if l.state.Terminal() {
		return ErrClosed
	}
	if l.state != StateLocalOfferPending {
		return fmt.Errorf("%w: answer in %s", ErrInvalidState, l.state)
	}
	if err := l.transport.SetRemoteDescription(answer); err != nil {
		return l.fail(fmt.Errorf("set remote answer: %w", err))
	}
	l.remoteDesc = &answer
	l.remoteApplied = true
	l.flushCandidates()
	l.settle()
	return nil
}

// HandleCandidate adds a remote candidate, queueing it until a remote
// description has been applied.
func (l *Link) HandleCandidate(ctx context.Context, c models.ICECandidate) error {
	if l.state.Terminal() {
		return ErrClosed
	}
	if !l.remoteApplied || l.transport == nil {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.transport.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close releases the transport and drops queued candidates. Idempotent; no
// messages are sent.
func (l *Link) Close() error {
	if l.state == StateClosed {
		return nil
	}
	err := l.releaseTransport()
	l.pending = nil
	l.setState(StateClosed, nil)
	return err
}

func (l *Link) ensureTransport() error {
	if l.transport != nil {
		return nil
	}
	if l.cfg.NewTransport == nil {
		return errors.New("no transport factory configured")
	}
	t, err := l.cfg.NewTransport()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	l.generation++
	gen := l.generation
	t.OnICECandidate(func(c models.ICECandidate) {
		l.cfg.Dispatch(func() {
			if l.generation == gen {
				l.localCandidate(c)
			}
		})
	})
	t.OnTrack(func(track RemoteTrack) {
		l.cfg.Dispatch(func() {
			if l.generation == gen && !l.state.Terminal() && l.cfg.Observer != nil {
				l.cfg.Observer.RemoteTrack(l.cfg.RemoteID, track)
			}
		})
	})
	t.OnConnectionStateChange(func(s ConnectionState) {
		l.cfg.Dispatch(func() {
			if l.generation == gen {
				l.connectionStateChanged(s)
			}
		})
	})

	for _, track := range l.cfg.Tracks {
		if err := t.AddTrack(track); err != nil {
			_ = t.Close()
			l.generation++
			return fmt.Errorf("add local track %s: %w", track.ID(), err)
		}
	}
	l.transport = t
	return nil
}

func (l *Link) releaseTransport() error {
	if l.transport == nil {
		return nil
	}
	l.generation++
	t := l.transport
	l.transport = nil
	return t.Close()
}

func (l *Link) offer(ctx context.Context, iceRestart bool) error {
	offer, err := l.transport.CreateOffer(iceRestart)
	if err != nil {
		return l.fail(fmt.Errorf("create offer: %w", err))
	}
	if l.state.Terminal() {
		return ErrClosed
	}
	if err := l.transport.SetLocalDescription(offer); err != nil {
		return l.fail(fmt.Errorf("set local offer: %w", err))
	}
	l.localDesc = &offer
	l.setState(StateLocalOfferPending, nil)
	return l.send(ctx, models.SignalMessage{Type: models.SignalTypeOffer, SDP: &offer, Reset: l.cfg.Reset && !iceRestart})
}

// settle moves a completed negotiation round to Stable, or straight back to
// Connected when the transport never left the connected state.
func (l *Link) settle() {
	if l.connState == ConnectionStateConnected {
		l.setState(StateConnected, nil)
		return
	}
	l.setState(StateStable, nil)
}

func (l *Link) flushCandidates() {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.transport.AddICECandidate(c); err != nil {
			l.logger.Warn("queued ice candidate rejected", "candidate", c.Candidate, "err", err)
		}
	}
	if len(pending) > 0 {
		l.logger.Debug("flushed queued ice candidates", "count", len(pending))
	}
}

func (l *Link) localCandidate(c models.ICECandidate) {
	if l.state.Terminal() {
		return
	}
	candidate := c
	if err := l.send(context.Background(), models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &candidate}); err != nil {
		l.logger.Warn("failed to send ice candidate", "err", err)
	}
}

func (l *Link) connectionStateChanged(s ConnectionState) {
	if l.state.Terminal() {
		return
	}
	l.connState = s
	l.logger.Debug("connection state changed", "connection", s.String(), "state", l.state.String())

	switch s {
	case ConnectionStateConnected:
		l.iceRestarted = false
		if l.state == StateStable {
			l.setState(StateConnected, nil)
		}
	case ConnectionStateFailed:
		if l.iceRestarted {
			l.fail(ErrIceRestartFailed)
			return
		}
		l.iceRestarted = true
		l.cfg.Metrics.Inc(metrics.IceRestart)
		l.logger.Warn("connection failed, attempting ice restart")
		if err := l.offer(context.Background(), true); err != nil && !errors.Is(err, ErrClosed) {
			l.fail(fmt.Errorf("%w: %v", ErrIceRestartFailed, err))
		}
	case ConnectionStateDisconnected:
		l.logger.Info("connection interrupted")
	}
}

func (l *Link) send(ctx context.Context, msg models.SignalMessage) error {
	if l.state.Terminal() || l.cfg.Signaler == nil {
		return ErrClosed
	}
	msg.MeetingID = l.cfg.MeetingID
	msg.From = l.cfg.LocalID
	msg.To = l.cfg.RemoteID
	if err := l.cfg.Signaler.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// fail moves the link to Failed, releasing its transport.
func (l *Link) fail(err error) error {
	if l.state.Terminal() {
		return err
	}
	l.logger.Warn("peer link failed", "err", err)
	_ = l.releaseTransport()
	l.pending = nil
	l.setState(StateFailed, err)
	return err
}

func (l *Link) setState(s State, err error) {
	if l.state == s {
		return
	}
	prev := l.state
	l.state = s
	l.logger.Debug("peer link state", "from", prev.String(), "to", s.String())
	if l.cfg.Observer != nil {
		l.cfg.Observer.LinkStateChanged(l.cfg.RemoteID, s, err)
	}
}
