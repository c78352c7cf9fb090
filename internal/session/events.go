package session

import (
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/peerlink"
)

// EventType identifies a session event consumed by the presentation layer.
type EventType string

const (
	EventMeetingJoined        EventType = "meeting-joined"
	EventParticipantJoined    EventType = "participant-joined"
	EventParticipantLeft      EventType = "participant-left"
	EventRecipientUnavailable EventType = "recipient-unavailable"
	EventLinkState            EventType = "link-state"
	EventRemoteTrack          EventType = "remote-track"
	EventRemoteMedia          EventType = "remote-media"
	EventMeetingEnded         EventType = "meeting-ended"
	EventLeft                 EventType = "left"
	EventError                EventType = "error"
	EventHubUnreachable       EventType = "hub-unreachable"
)

// Event is one observable change in the session. Only the fields relevant to
// Type are set.
type Event struct {
	Type          EventType
	MeetingID     string
	ParticipantID string
	Role          models.Role
	State         peerlink.State
	Track         *peerlink.RemoteTrack
	Media         *models.MediaState
	Err           error
}

// Phase is the session's position in the meeting lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseJoining
	PhaseInMeeting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseJoining:
		return "joining"
	case PhaseInMeeting:
		return "in-meeting"
	default:
		return "unknown"
	}
}

// LinkInfo describes the link to one remote participant.
type LinkInfo struct {
	ParticipantID string
	State         peerlink.State
	Polite        bool
}

// Snapshot is a point-in-time copy of the session's view of the meeting.
type Snapshot struct {
	Phase     Phase
	MeetingID string
	LocalID   string
	Role      models.Role
	Media     models.MediaState
	Links     []LinkInfo
}
