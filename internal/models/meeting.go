package models

import "time"

// Role is a participant's role within a meeting
type Role string

const (
	RoleCreator Role = "creator"
	RoleGuest   Role = "guest"
)

// Participant is a member of a meeting as seen by the hub
type Participant struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// MeetingInfo is a point-in-time view of a live meeting
type MeetingInfo struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants"`
}

// MeetingMetadata stores information about a reserved meeting
type MeetingMetadata struct {
	ID              string    `json:"id"`
	CreatorID       string    `json:"creatorId"` // User ID from JWT who reserved the meeting
	CreatedAt       time.Time `json:"createdAt"`
	MaxParticipants int       `json:"maxParticipants"`
}

// CreateMeetingRequest is the request body for reserving a meeting
type CreateMeetingRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateMeetingResponse is the response for reserving a meeting
type CreateMeetingResponse struct {
	MeetingID string `json:"meetingId"`
}

// MeetingResponse combines live membership with stored metadata
type MeetingResponse struct {
	MeetingInfo
	Metadata *MeetingMetadata `json:"metadata,omitempty"`
	Live     bool             `json:"live"`
}
