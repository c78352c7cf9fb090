package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// SignalType represents the type of meeting signaling message
type SignalType string

const (
	SignalTypeJoinOrCreate         SignalType = "join-or-create"
	SignalTypeMeetingJoined        SignalType = "meeting-joined"
	SignalTypeUserJoined           SignalType = "user-joined"
	SignalTypeOffer                SignalType = "offer"
	SignalTypeAnswer               SignalType = "answer"
	SignalTypeCandidate            SignalType = "candidate"
	SignalTypeLeave                SignalType = "leave"
	SignalTypeMediaState           SignalType = "media-state"
	SignalTypeMeetingEnded         SignalType = "meeting-ended"
	SignalTypeRecipientUnavailable SignalType = "recipient-unavailable"
	SignalTypeError                SignalType = "error"
)

// IsPointToPoint reports whether messages of this type target a single
// participant and are relayed by the hub without interpretation.
func (t SignalType) IsPointToPoint() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate:
		return true
	}
	return false
}

// SDPType is the kind of a session description.
type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypeRollback SDPType = "rollback"
)

// SessionDescription is an opaque SDP payload exchanged during offer/answer.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate is a single connectivity option proposed by one side of a link.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// MediaState describes whether a participant is currently sending audio and video.
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// SignalMessage is the envelope for every message exchanged between a client
// and the signaling hub. Which fields are set depends on Type.
type SignalMessage struct {
	Type      SignalType `json:"type"`
	MeetingID string     `json:"meetingId,omitempty"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`

	// Membership events (meeting-joined, user-joined, leave, recipient-unavailable)
	ParticipantID string `json:"participantId,omitempty"`
	Role          Role   `json:"role,omitempty"`
	Existing      bool   `json:"existing,omitempty"` // user-joined sent to a joiner for members already present

	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	Media     *MediaState         `json:"media,omitempty"`

	// Reset on an offer asks the recipient to drop its current link to the
	// sender and answer on a fresh one.
	Reset bool `json:"reset,omitempty"`

	Error string `json:"error,omitempty"`
}

// ParseSignalMessage decodes a single JSON message, rejecting unknown fields
// and trailing data, and validates it.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalMessage
	if err := dec.Decode(&msg); err != nil {
		return SignalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return SignalMessage{}, err
	}
	return msg, nil
}

// Validate checks that the fields required by the message type are present.
func (m SignalMessage) Validate() error {
	if m.Reset && m.Type != SignalTypeOffer {
		return fmt.Errorf("%s message cannot carry reset", m.Type)
	}
	switch m.Type {
	case SignalTypeJoinOrCreate:
		if m.MeetingID == "" {
			return fmt.Errorf("join-or-create message missing meetingId")
		}
	case SignalTypeMeetingJoined, SignalTypeUserJoined, SignalTypeLeave, SignalTypeRecipientUnavailable:
		if m.MeetingID == "" {
			return fmt.Errorf("%s message missing meetingId", m.Type)
		}
		if m.Type != SignalTypeLeave && m.ParticipantID == "" {
			return fmt.Errorf("%s message missing participantId", m.Type)
		}
	case SignalTypeOffer, SignalTypeAnswer:
		if m.MeetingID == "" || m.To == "" {
			return fmt.Errorf("%s message missing meetingId/recipient", m.Type)
		}
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if string(m.SDP.Type) != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.Candidate != nil || m.Media != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case SignalTypeCandidate:
		if m.MeetingID == "" || m.To == "" {
			return fmt.Errorf("candidate message missing meetingId/recipient")
		}
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SDP != nil || m.Media != nil {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case SignalTypeMediaState:
		if m.MeetingID == "" || m.Media == nil {
			return fmt.Errorf("media-state message missing meetingId/media")
		}
	case SignalTypeMeetingEnded:
		if m.MeetingID == "" {
			return fmt.Errorf("meeting-ended message missing meetingId")
		}
	case SignalTypeError:
		if m.Error == "" {
			return fmt.Errorf("error message missing error")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
