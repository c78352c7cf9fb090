// Package hub implements the server-side meeting registry and message router.
//
// The hub maps meeting identifiers to their participant sets and relays
// point-to-point negotiation messages (offer, answer, candidate) between
// members of the same meeting. It never interprets SDP or candidate payloads.
// Every membership mutation of a meeting happens under that meeting's lock, so
// concurrent joins and leaves for one identifier are serialized while
// different meetings proceed independently.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/meeting-signaling/internal/metrics"
	"github.com/mossy-p/meeting-signaling/internal/models"
)

var (
	ErrInvalidMeetingID     = errors.New("meeting id is required")
	ErrMeetingFull          = errors.New("meeting is full")
	ErrUnknownMeeting       = errors.New("unknown meeting")
	ErrNotMember            = errors.New("participant is not a member of the meeting")
	ErrRecipientUnavailable = errors.New("recipient unavailable")
)

// Peer is a connected participant that the hub can deliver messages to.
// Send must not block; it returns an error when the message cannot be queued.
type Peer interface {
	ID() string
	Send(msg models.SignalMessage) error
}

// Presence mirrors membership changes to an external store.
type Presence interface {
	MemberJoined(ctx context.Context, meetingID string, p models.Participant) error
	MemberLeft(ctx context.Context, meetingID, participantID string, meetingEmpty bool) error
}

type Config struct {
	// MaxParticipants caps meeting size. Zero means unlimited.
	MaxParticipants int
	Presence        Presence
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Now             func() time.Time
}

type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	meetings map[string]*meeting

	// memberships maps participant ID → meeting IDs it belongs to, so a
	// transport disconnect can leave every meeting.
	idxMu       sync.Mutex
	memberships map[string]map[string]struct{}
}

type member struct {
	peer        Peer
	participant models.Participant
}

type meeting struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	members   map[string]*member
	order     []string // participant IDs in join order
	deleted   bool
}

func New(cfg Config) *Hub {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:         cfg,
		logger:      logger,
		meetings:    make(map[string]*meeting),
		memberships: make(map[string]map[string]struct{}),
	}
}

// acquire returns the meeting locked. A meeting deleted between lookup and
// locking is retried so callers never mutate a meeting that left the map.
func (h *Hub) acquire(meetingID string, create bool) (*meeting, error) {
	for {
		h.mu.Lock()
		m, ok := h.meetings[meetingID]
		if !ok {
			if !create {
				h.mu.Unlock()
				return nil, ErrUnknownMeeting
			}
			m = &meeting{
				id:        meetingID,
				createdAt: h.cfg.Now(),
				members:   make(map[string]*member),
			}
			h.meetings[meetingID] = m
		}
		h.mu.Unlock()

		m.mu.Lock()
		if m.deleted {
			m.mu.Unlock()
			continue
		}
		return m, nil
	}
}

// deleteLocked removes an empty meeting. Caller holds m.mu.
func (h *Hub) deleteLocked(m *meeting) {
	m.deleted = true
	h.mu.Lock()
	if h.meetings[m.id] == m {
		delete(h.meetings, m.id)
	}
	h.mu.Unlock()
	h.cfg.Metrics.Inc(metrics.MeetingDeleted)
	h.logger.Info("removed empty meeting", "meeting", m.id)
}

// JoinOrCreate adds the peer to the meeting, creating it with the peer as
// creator when it does not exist yet. The joiner receives a meeting-joined
// acknowledgement followed by one user-joined (existing) per member already
// present; every existing member receives user-joined for the joiner.
func (h *Hub) JoinOrCreate(ctx context.Context, meetingID string, peer Peer) (models.Role, error) {
	if meetingID == "" {
		return "", ErrInvalidMeetingID
	}

	m, err := h.acquire(meetingID, true)
	if err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	pid := peer.ID()
	if existing, ok := m.members[pid]; ok {
		return h.rejoinLocked(m, existing, peer)
	}

	if h.cfg.MaxParticipants > 0 && len(m.members) >= h.cfg.MaxParticipants {
		h.cfg.Metrics.Inc(metrics.ParticipantRejected)
		return "", ErrMeetingFull
	}

	created := len(m.members) == 0
	role := models.RoleGuest
	if created {
		role = models.RoleCreator
	}

	ack := models.SignalMessage{
		Type:          models.SignalTypeMeetingJoined,
		MeetingID:     m.id,
		ParticipantID: pid,
		Role:          role,
	}
	if err := peer.Send(ack); err != nil {
		if created {
			h.deleteLocked(m)
		}
		return "", fmt.Errorf("send meeting-joined: %w", err)
	}

	p := models.Participant{ID: pid, Role: role, JoinedAt: h.cfg.Now()}
	for _, id := range m.order {
		other := m.members[id]
		h.deliver(peer, models.SignalMessage{
			Type:          models.SignalTypeUserJoined,
			MeetingID:     m.id,
			ParticipantID: id,
			Role:          other.participant.Role,
			Existing:      true,
		})
		h.deliver(other.peer, models.SignalMessage{
			Type:          models.SignalTypeUserJoined,
			MeetingID:     m.id,
			ParticipantID: pid,
			Role:          role,
		})
	}

	m.members[pid] = &member{peer: peer, participant: p}
	m.order = append(m.order, pid)
	h.index(pid, m.id, true)

	if created {
		h.cfg.Metrics.Inc(metrics.MeetingCreated)
		h.logger.Info("created new meeting", "meeting", m.id, "creator", pid)
	}
	h.cfg.Metrics.Inc(metrics.ParticipantJoined)
	h.logger.Info("participant joined meeting",
		"meeting", m.id,
		"participant", pid,
		"role", role,
		"participants", len(m.members),
	)

	if h.cfg.Presence != nil {
		if err := h.cfg.Presence.MemberJoined(ctx, m.id, p); err != nil {
			h.logger.Warn("presence update failed", "meeting", m.id, "participant", pid, "err", err)
		}
	}
	return role, nil
}

// rejoinLocked answers a repeated join from a member as if it had just
// arrived. The member gets its acknowledgement and the roster again; the
// others see it leave and rejoin, so they drop their links to it and wait for
// its offers. Caller holds m.mu.
func (h *Hub) rejoinLocked(m *meeting, existing *member, peer Peer) (models.Role, error) {
	pid := peer.ID()
	role := existing.participant.Role
	ack := models.SignalMessage{
		Type:          models.SignalTypeMeetingJoined,
		MeetingID:     m.id,
		ParticipantID: pid,
		Role:          role,
	}
	if err := peer.Send(ack); err != nil {
		return "", fmt.Errorf("send meeting-joined: %w", err)
	}
	existing.peer = peer

	for _, id := range m.order {
		if id == pid {
			continue
		}
		other := m.members[id]
		h.deliver(peer, models.SignalMessage{
			Type:          models.SignalTypeUserJoined,
			MeetingID:     m.id,
			ParticipantID: id,
			Role:          other.participant.Role,
			Existing:      true,
		})
		h.deliver(other.peer, models.SignalMessage{
			Type:          models.SignalTypeLeave,
			MeetingID:     m.id,
			From:          pid,
			ParticipantID: pid,
		})
		h.deliver(other.peer, models.SignalMessage{
			Type:          models.SignalTypeUserJoined,
			MeetingID:     m.id,
			ParticipantID: pid,
			Role:          role,
		})
	}

	h.logger.Info("participant rejoined meeting", "meeting", m.id, "participant", pid, "role", role)
	return role, nil
}

// Relay forwards an offer, answer or candidate to msg.To. When the recipient
// is not a connected member of the meeting the message is dropped and the
// sender receives recipient-unavailable.
func (h *Hub) Relay(ctx context.Context, fromID string, msg models.SignalMessage) error {
	if !msg.Type.IsPointToPoint() {
		return fmt.Errorf("message type %q cannot be relayed", msg.Type)
	}

	m, err := h.acquire(msg.MeetingID, false)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	sender, ok := m.members[fromID]
	if !ok {
		return ErrNotMember
	}

	msg.From = fromID
	if recipient, ok := m.members[msg.To]; ok {
		err := recipient.peer.Send(msg)
		if err == nil {
			h.cfg.Metrics.Inc(metrics.MessageRelayed)
			return nil
		}
		h.logger.Warn("failed to relay message", "meeting", m.id, "type", msg.Type, "to", msg.To, "err", err)
	}

	h.cfg.Metrics.Inc(metrics.RecipientUnavailable)
	h.deliver(sender.peer, models.SignalMessage{
		Type:          models.SignalTypeRecipientUnavailable,
		MeetingID:     m.id,
		To:            fromID,
		ParticipantID: msg.To,
		Error:         fmt.Sprintf("%s not delivered", msg.Type),
	})
	return ErrRecipientUnavailable
}

// BroadcastMediaState forwards a media-state message to every other member.
func (h *Hub) BroadcastMediaState(ctx context.Context, fromID string, msg models.SignalMessage) error {
	m, err := h.acquire(msg.MeetingID, false)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, ok := m.members[fromID]; !ok {
		return ErrNotMember
	}
	msg.From = fromID
	h.broadcastLocked(m, msg, fromID)
	return nil
}

// Leave removes the participant, tells the remaining members and deletes the
// meeting once empty.
func (h *Hub) Leave(ctx context.Context, meetingID, participantID string) error {
	m, err := h.acquire(meetingID, false)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()
	return h.removeLocked(ctx, m, participantID)
}

// Disconnect treats a transport-level disconnect as an explicit leave of
// every meeting the participant belonged to.
func (h *Hub) Disconnect(ctx context.Context, participantID string) {
	for _, meetingID := range h.meetingsOf(participantID) {
		err := h.Leave(ctx, meetingID, participantID)
		if err != nil && !errors.Is(err, ErrNotMember) && !errors.Is(err, ErrUnknownMeeting) {
			h.logger.Warn("leave on disconnect failed", "meeting", meetingID, "participant", participantID, "err", err)
		}
	}
}

// End tells every member the meeting is over and deletes it.
func (h *Hub) End(ctx context.Context, meetingID string) error {
	m, err := h.acquire(meetingID, false)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	for _, id := range m.order {
		h.deliver(m.members[id].peer, models.SignalMessage{
			Type:      models.SignalTypeMeetingEnded,
			MeetingID: m.id,
		})
		h.index(id, m.id, false)
		if h.cfg.Presence != nil {
			if err := h.cfg.Presence.MemberLeft(ctx, m.id, id, true); err != nil {
				h.logger.Warn("presence update failed", "meeting", m.id, "participant", id, "err", err)
			}
		}
	}
	m.members = make(map[string]*member)
	m.order = nil
	h.cfg.Metrics.Inc(metrics.MeetingEnded)
	h.logger.Info("meeting ended", "meeting", m.id)
	h.deleteLocked(m)
	return nil
}

// Meeting returns a snapshot of a live meeting.
func (h *Hub) Meeting(meetingID string) (models.MeetingInfo, bool) {
	h.mu.Lock()
	m, ok := h.meetings[meetingID]
	h.mu.Unlock()
	if !ok {
		return models.MeetingInfo{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted {
		return models.MeetingInfo{}, false
	}
	info := models.MeetingInfo{
		ID:           m.id,
		CreatedAt:    m.createdAt,
		Participants: make([]models.Participant, 0, len(m.order)),
	}
	for _, id := range m.order {
		info.Participants = append(info.Participants, m.members[id].participant)
	}
	return info, true
}

// Dispatch routes a message received from a client connection. Failures are
// reported back to the client as an error message and returned.
func (h *Hub) Dispatch(ctx context.Context, peer Peer, msg models.SignalMessage) error {
	var err error
	switch msg.Type {
	case models.SignalTypeJoinOrCreate:
		_, err = h.JoinOrCreate(ctx, msg.MeetingID, peer)
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		err = h.Relay(ctx, peer.ID(), msg)
		if errors.Is(err, ErrRecipientUnavailable) {
			// Already reported to the sender.
			return err
		}
	case models.SignalTypeLeave:
		err = h.Leave(ctx, msg.MeetingID, peer.ID())
	case models.SignalTypeMediaState:
		err = h.BroadcastMediaState(ctx, peer.ID(), msg)
	default:
		err = fmt.Errorf("unexpected message type %q from client", msg.Type)
	}

	if err != nil {
		h.cfg.Metrics.Inc(metrics.InvalidMessage)
		h.deliver(peer, models.SignalMessage{
			Type:      models.SignalTypeError,
			MeetingID: msg.MeetingID,
			Error:     err.Error(),
		})
	}
	return err
}

// removeLocked removes participantID from m. Caller holds m.mu.
func (h *Hub) removeLocked(ctx context.Context, m *meeting, participantID string) error {
	if _, ok := m.members[participantID]; !ok {
		return ErrNotMember
	}
	delete(m.members, participantID)
	for i, id := range m.order {
		if id == participantID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	h.index(participantID, m.id, false)

	h.broadcastLocked(m, models.SignalMessage{
		Type:          models.SignalTypeLeave,
		MeetingID:     m.id,
		From:          participantID,
		ParticipantID: participantID,
	}, participantID)

	h.cfg.Metrics.Inc(metrics.ParticipantLeft)
	h.logger.Info("participant left meeting", "meeting", m.id, "participant", participantID, "participants", len(m.members))

	empty := len(m.members) == 0
	if h.cfg.Presence != nil {
		if err := h.cfg.Presence.MemberLeft(ctx, m.id, participantID, empty); err != nil {
			h.logger.Warn("presence update failed", "meeting", m.id, "participant", participantID, "err", err)
		}
	}
	if empty {
		h.deleteLocked(m)
	}
	return nil
}

func (h *Hub) broadcastLocked(m *meeting, msg models.SignalMessage, excludeID string) {
	for _, id := range m.order {
		if id == excludeID {
			continue
		}
		h.deliver(m.members[id].peer, msg)
	}
}

func (h *Hub) deliver(peer Peer, msg models.SignalMessage) {
	if err := peer.Send(msg); err != nil {
		h.cfg.Metrics.Inc(metrics.MessageDropped)
		h.logger.Warn("failed to send message to peer", "peer", peer.ID(), "type", msg.Type, "err", err)
	}
}

func (h *Hub) index(participantID, meetingID string, add bool) {
	h.idxMu.Lock()
	defer h.idxMu.Unlock()
	set := h.memberships[participantID]
	if add {
		if set == nil {
			set = make(map[string]struct{})
			h.memberships[participantID] = set
		}
		set[meetingID] = struct{}{}
		return
	}
	delete(set, meetingID)
	if len(set) == 0 {
		delete(h.memberships, participantID)
	}
}

func (h *Hub) meetingsOf(participantID string) []string {
	h.idxMu.Lock()
	defer h.idxMu.Unlock()
	out := make([]string, 0, len(h.memberships[participantID]))
	for id := range h.memberships[participantID] {
		out = append(out, id)
	}
	return out
}
