// Package session coordinates one participant's view of a meeting: local
// media, the signaling connection and one peer link per remote participant.
//
// Every public operation, inbound signaling message and transport callback is
// handled to completion under a single lock, so the participant-to-link map
// has one writer. Transport callbacks are never run inline; links hand them to
// an unbounded task queue drained by Run.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/media"
	"github.com/mossy-p/meeting-signaling/internal/meetingcode"
	"github.com/mossy-p/meeting-signaling/internal/metrics"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/peerlink"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
)

var (
	ErrInvalidMeetingID = errors.New("meeting id is required")
	ErrHubUnreachable   = errors.New("signaling hub unreachable")
	ErrNotInMeeting     = errors.New("not in a meeting")
	ErrAlreadyInMeeting = errors.New("already in a meeting")
)

type Config struct {
	Conn         signaling.Conn
	Capturer     media.Capturer
	NewTransport peerlink.TransportFactory

	WantAudio bool
	WantVideo bool

	// NewMeetingID generates identifiers for StartMeeting. Defaults to meetingcode.New.
	NewMeetingID func() string
	// EventBuffer sizes the Events channel; events are dropped when it is full.
	EventBuffer int

	// RelayRetries bounds how often the link to a participant is rebuilt
	// after the hub could not deliver to it. Defaults to 3.
	RelayRetries int
	// RelayBackoff delays the first rebuilt link's offer and doubles with
	// each further retry. Defaults to 500ms.
	RelayBackoff time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Manager struct {
	cfg    Config
	logger *slog.Logger
	events chan Event
	tasks  *taskQueue

	mu        sync.Mutex
	closed    bool
	phase     Phase
	meetingID string
	localID   string
	role      models.Role
	tracks    *media.TrackSet
	links     map[string]*peerlink.Link
	retries   map[string]int
}

func New(cfg Config) *Manager {
	if cfg.NewMeetingID == nil {
		cfg.NewMeetingID = meetingcode.New
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.RelayRetries <= 0 {
		cfg.RelayRetries = 3
	}
	if cfg.RelayBackoff <= 0 {
		cfg.RelayBackoff = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		events:  make(chan Event, cfg.EventBuffer),
		tasks:   newTaskQueue(),
		links:   make(map[string]*peerlink.Link),
		retries: make(map[string]int),
	}
}

// Events is closed when Run returns.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Run processes signaling messages and transport callbacks until ctx is done
// or the signaling connection ends. A lost connection tears the session down
// and returns ErrHubUnreachable.
func (m *Manager) Run(ctx context.Context) error {
	msgs := m.cfg.Conn.Messages()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				m.hubLost()
				return ErrHubUnreachable
			}
			m.mu.Lock()
			if !m.closed {
				m.handleLocked(ctx, msg)
			}
			m.mu.Unlock()

		case <-m.tasks.notify:
			for _, task := range m.tasks.drain() {
				m.mu.Lock()
				if !m.closed {
					task()
				}
				m.mu.Unlock()
			}

		case <-ctx.Done():
			m.mu.Lock()
			m.teardownLocked()
			m.shutdownLocked()
			m.mu.Unlock()
			return ctx.Err()
		}
	}
}

// StartMeeting joins a freshly generated meeting identifier as its creator.
func (m *Manager) StartMeeting(ctx context.Context) (string, error) {
	id := m.cfg.NewMeetingID()
	if err := m.join(ctx, id, models.RoleCreator); err != nil {
		return "", err
	}
	return id, nil
}

// JoinMeeting joins an existing meeting as a guest. Local media is acquired
// before anything is sent to the hub.
func (m *Manager) JoinMeeting(ctx context.Context, meetingID string) error {
	meetingID = strings.TrimSpace(meetingID)
	if meetingID == "" {
		return ErrInvalidMeetingID
	}
	return m.join(ctx, meetingID, models.RoleGuest)
}

func (m *Manager) join(ctx context.Context, meetingID string, role models.Role) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrHubUnreachable
	}
	if m.phase != PhaseIdle {
		m.mu.Unlock()
		return ErrAlreadyInMeeting
	}
	m.phase = PhaseJoining
	m.mu.Unlock()

	var tracks *media.TrackSet
	var err error
	if m.cfg.Capturer != nil {
		tracks, err = m.cfg.Capturer.Acquire(ctx, m.cfg.WantAudio, m.cfg.WantVideo)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.phase = PhaseIdle
		return fmt.Errorf("acquire local media: %w", err)
	}
	if m.closed || m.phase != PhaseJoining {
		if tracks != nil {
			tracks.Release()
		}
		return ErrHubUnreachable
	}

	m.tracks = tracks
	m.meetingID = meetingID
	m.role = role
	m.logger.Info("joining meeting", "meeting", meetingID, "role", role)

	err = m.cfg.Conn.Send(ctx, models.SignalMessage{
		Type:      models.SignalTypeJoinOrCreate,
		MeetingID: meetingID,
	})
	if err != nil {
		m.teardownLocked()
		if errors.Is(err, signaling.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrHubUnreachable, err)
		}
		return fmt.Errorf("join meeting %s: %w", meetingID, err)
	}
	return nil
}

// LeaveMeeting closes every link, releases local media and tells the hub.
func (m *Manager) LeaveMeeting(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle {
		return ErrNotInMeeting
	}

	meetingID := m.meetingID
	m.teardownLocked()
	if err := m.cfg.Conn.Send(ctx, models.SignalMessage{Type: models.SignalTypeLeave, MeetingID: meetingID}); err != nil {
		m.logger.Warn("failed to send leave", "meeting", meetingID, "err", err)
	}
	m.emitLocked(Event{Type: EventLeft, MeetingID: meetingID})
	return nil
}

// SetAudioEnabled mutes or unmutes the local microphone and tells the meeting.
func (m *Manager) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return m.setMedia(ctx, func(t *media.TrackSet) { t.SetAudioEnabled(enabled) })
}

// SetVideoEnabled turns the local camera on or off and tells the meeting.
func (m *Manager) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return m.setMedia(ctx, func(t *media.TrackSet) { t.SetVideoEnabled(enabled) })
}

func (m *Manager) setMedia(ctx context.Context, apply func(*media.TrackSet)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseInMeeting || m.tracks == nil {
		return ErrNotInMeeting
	}
	apply(m.tracks)
	state := m.tracks.State()
	return m.cfg.Conn.Send(ctx, models.SignalMessage{
		Type:      models.SignalTypeMediaState,
		MeetingID: m.meetingID,
		Media:     &state,
	})
}

// Snapshot returns the current meeting view, links ordered by participant.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Phase:     m.phase,
		MeetingID: m.meetingID,
		LocalID:   m.localID,
		Role:      m.role,
		Links:     m.linksLocked(),
	}
	if m.tracks != nil {
		snap.Media = m.tracks.State()
	}
	return snap
}

// Links returns the state of every peer link, ordered by participant.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linksLocked()
}

func (m *Manager) linksLocked() []LinkInfo {
	out := make([]LinkInfo, 0, len(m.links))
	for id, l := range m.links {
		out = append(out, LinkInfo{ParticipantID: id, State: l.State(), Polite: l.Polite()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (m *Manager) handleLocked(ctx context.Context, msg models.SignalMessage) {
	if msg.Type != models.SignalTypeError && msg.MeetingID != "" && msg.MeetingID != m.meetingID {
		m.logger.Debug("ignoring message for another meeting", "type", msg.Type, "meeting", msg.MeetingID)
		return
	}

	switch msg.Type {
	case models.SignalTypeMeetingJoined:
		m.onMeetingJoined(msg)
	case models.SignalTypeUserJoined:
		m.onUserJoined(ctx, msg)
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		m.onNegotiation(ctx, msg)
	case models.SignalTypeLeave:
		id := msg.ParticipantID
		if id == "" {
			id = msg.From
		}
		delete(m.retries, id)
		if m.closeLinkLocked(id) || m.phase == PhaseInMeeting {
			m.emitLocked(Event{Type: EventParticipantLeft, MeetingID: m.meetingID, ParticipantID: id})
		}
	case models.SignalTypeRecipientUnavailable:
		m.onRecipientUnavailable(msg.ParticipantID)
	case models.SignalTypeMediaState:
		if m.phase == PhaseInMeeting && msg.Media != nil {
			state := *msg.Media
			m.emitLocked(Event{Type: EventRemoteMedia, MeetingID: m.meetingID, ParticipantID: msg.From, Media: &state})
		}
	case models.SignalTypeMeetingEnded:
		if m.phase == PhaseIdle {
			return
		}
		meetingID := m.meetingID
		m.teardownLocked()
		m.emitLocked(Event{Type: EventMeetingEnded, MeetingID: meetingID})
	case models.SignalTypeError:
		err := errors.New(msg.Error)
		if m.phase == PhaseJoining {
			meetingID := m.meetingID
			m.teardownLocked()
			m.emitLocked(Event{Type: EventError, MeetingID: meetingID, Err: fmt.Errorf("join meeting %s: %w", meetingID, err)})
			return
		}
		m.logger.Warn("hub reported error", "err", err)
		m.emitLocked(Event{Type: EventError, MeetingID: msg.MeetingID, Err: err})
	default:
		m.logger.Warn("unexpected message from hub", "type", msg.Type)
	}
}

func (m *Manager) onMeetingJoined(msg models.SignalMessage) {
	if m.phase != PhaseJoining {
		return
	}
	if msg.Role != m.role {
		m.logger.Info("hub assigned a different role", "requested", m.role, "assigned", msg.Role)
	}
	m.phase = PhaseInMeeting
	m.localID = msg.ParticipantID
	m.role = msg.Role
	m.logger.Info("joined meeting", "meeting", m.meetingID, "participant", m.localID, "role", m.role)
	m.emitLocked(Event{Type: EventMeetingJoined, MeetingID: m.meetingID, ParticipantID: m.localID, Role: m.role})
}

// onUserJoined creates the link for a newly discovered participant. Members
// listed in the roster on arrival are offered to; members arriving later
// initiate toward us.
func (m *Manager) onUserJoined(ctx context.Context, msg models.SignalMessage) {
	id := msg.ParticipantID
	if m.phase != PhaseInMeeting || id == "" || id == m.localID {
		return
	}
	link, ok := m.links[id]
	if !ok {
		link = m.newLinkLocked(id, false)
		m.emitLocked(Event{Type: EventParticipantJoined, MeetingID: m.meetingID, ParticipantID: id, Role: msg.Role})
	}
	if msg.Existing && link.State() == peerlink.StateIdle {
		if err := link.Initiate(ctx); err != nil {
			m.logger.Warn("failed to initiate link", "peer", id, "err", err)
		}
	}
}

func (m *Manager) onNegotiation(ctx context.Context, msg models.SignalMessage) {
	if m.phase != PhaseInMeeting || msg.From == "" {
		return
	}
	link, ok := m.links[msg.From]
	if !ok {
		if msg.Type != models.SignalTypeOffer {
			m.logger.Debug("no link for message", "type", msg.Type, "peer", msg.From)
			return
		}
		link = m.newLinkLocked(msg.From, false)
		m.emitLocked(Event{Type: EventParticipantJoined, MeetingID: m.meetingID, ParticipantID: msg.From})
	} else if msg.Type == models.SignalTypeOffer && msg.Reset && replaceable(link) {
		m.logger.Info("peer rebuilt its link, replacing ours", "peer", msg.From, "state", link.State().String())
		m.closeLinkLocked(msg.From)
		link = m.newLinkLocked(msg.From, false)
	}

	var err error
	switch msg.Type {
	case models.SignalTypeOffer:
		err = link.HandleOffer(ctx, *msg.SDP)
	case models.SignalTypeAnswer:
		err = link.HandleAnswer(ctx, *msg.SDP)
	case models.SignalTypeCandidate:
		err = link.HandleCandidate(ctx, *msg.Candidate)
	}
	if err != nil {
		m.logger.Warn("negotiation step failed", "type", msg.Type, "peer", msg.From, "err", err)
	}
}

// replaceable reports whether a reset offer should discard link. Idle links
// answer it as they are; two rebuilt links offering at once fall back to
// ordinary glare handling.
func replaceable(link *peerlink.Link) bool {
	switch link.State() {
	case peerlink.StateIdle:
		return false
	case peerlink.StateLocalOfferPending:
		return !link.Reset()
	}
	return true
}

// onRecipientUnavailable rebuilds the link to a member the hub could not
// reach. The link is forgotten on Leave, or here once the retries run out.
func (m *Manager) onRecipientUnavailable(id string) {
	link, ok := m.links[id]
	if !ok || link.State() == peerlink.StateIdle {
		// Idle links have sent nothing, so the report is about a replaced one.
		return
	}
	m.emitLocked(Event{Type: EventRecipientUnavailable, MeetingID: m.meetingID, ParticipantID: id})

	attempt := m.retries[id]
	m.closeLinkLocked(id)
	if attempt >= m.cfg.RelayRetries {
		delete(m.retries, id)
		m.logger.Warn("peer unreachable, link closed", "peer", id, "attempts", attempt)
		return
	}
	m.retries[id] = attempt + 1

	fresh := m.newLinkLocked(id, true)
	delay := m.cfg.RelayBackoff << attempt
	m.logger.Info("peer unavailable, rebuilding link", "peer", id, "attempt", attempt+1, "delay", delay)
	time.AfterFunc(delay, func() {
		m.tasks.push(func() { m.reinitiateLocked(id, fresh) })
	})
}

func (m *Manager) reinitiateLocked(id string, link *peerlink.Link) {
	if m.phase != PhaseInMeeting || m.links[id] != link || link.State() != peerlink.StateIdle {
		return
	}
	if err := link.Initiate(context.Background()); err != nil {
		m.logger.Warn("failed to initiate rebuilt link", "peer", id, "err", err)
	}
}

func (m *Manager) newLinkLocked(remoteID string, reset bool) *peerlink.Link {
	var tracks []webrtc.TrackLocal
	if m.tracks != nil {
		tracks = m.tracks.Tracks()
	}
	link := peerlink.New(peerlink.Config{
		MeetingID:    m.meetingID,
		LocalID:      m.localID,
		RemoteID:     remoteID,
		NewTransport: m.cfg.NewTransport,
		Tracks:       tracks,
		Signaler:     m.cfg.Conn,
		Observer:     (*linkObserver)(m),
		Reset:        reset,
		Dispatch:     m.tasks.push,
		Metrics:      m.cfg.Metrics,
		Logger:       m.logger,
	})
	m.links[remoteID] = link
	return link
}

// closeLinkLocked closes and forgets the link to id. It reports whether a
// link existed.
func (m *Manager) closeLinkLocked(id string) bool {
	link, ok := m.links[id]
	if !ok {
		return false
	}
	if err := link.Close(); err != nil {
		m.logger.Debug("closing peer transport", "peer", id, "err", err)
	}
	delete(m.links, id)
	return true
}

// teardownLocked closes every link, releases local media and returns to idle.
func (m *Manager) teardownLocked() {
	for id := range m.links {
		m.closeLinkLocked(id)
	}
	clear(m.retries)
	if m.tracks != nil {
		m.tracks.Release()
		m.tracks = nil
	}
	m.phase = PhaseIdle
	m.meetingID = ""
	m.localID = ""
	m.role = ""
}

func (m *Manager) hubLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	active := m.phase != PhaseIdle
	meetingID := m.meetingID
	m.teardownLocked()
	m.logger.Warn("signaling connection lost", "meeting", meetingID)
	if active {
		m.emitLocked(Event{Type: EventHubUnreachable, MeetingID: meetingID, Err: ErrHubUnreachable})
	}
	m.shutdownLocked()
}

func (m *Manager) shutdownLocked() {
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

func (m *Manager) emitLocked(e Event) {
	if m.closed {
		return
	}
	select {
	case m.events <- e:
	default:
		m.logger.Warn("event buffer full, dropping event", "type", e.Type, "peer", e.ParticipantID)
	}
}

// linkObserver receives link events. Links only call it from methods the
// manager invokes with m.mu held.
type linkObserver Manager

func (o *linkObserver) LinkStateChanged(remoteID string, state peerlink.State, err error) {
	m := (*Manager)(o)
	switch state {
	case peerlink.StateConnected:
		m.cfg.Metrics.Inc(metrics.LinkConnected)
		delete(m.retries, remoteID)
		m.logger.Info("peer link connected", "peer", remoteID)
	case peerlink.StateFailed:
		// The link logs its own failure.
		m.cfg.Metrics.Inc(metrics.LinkFailed)
	}
	m.emitLocked(Event{Type: EventLinkState, MeetingID: m.meetingID, ParticipantID: remoteID, State: state, Err: err})
}

func (o *linkObserver) RemoteTrack(remoteID string, track peerlink.RemoteTrack) {
	m := (*Manager)(o)
	t := track
	m.emitLocked(Event{Type: EventRemoteTrack, MeetingID: m.meetingID, ParticipantID: remoteID, Track: &t})
}
