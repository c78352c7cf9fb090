// Package metrics holds in-process event counters for the signaling server
// and meeting clients.
package metrics

import "sync"

// Event names.
const (
	MeetingReserved      = "meeting_reserved"
	MeetingCreated       = "meeting_created"
	MeetingDeleted       = "meeting_deleted"
	MeetingEnded         = "meeting_ended"
	ParticipantJoined    = "participant_joined"
	ParticipantLeft      = "participant_left"
	ParticipantRejected  = "participant_rejected"
	MessageRelayed       = "message_relayed"
	RecipientUnavailable = "recipient_unavailable"
	MessageDropped       = "message_dropped"
	InvalidMessage       = "invalid_message"

	// Client-side negotiation events.
	NegotiationGlare = "negotiation_glare"
	IceRestart       = "ice_restart"
	LinkConnected    = "link_connected"
	LinkFailed       = "link_failed"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// every update.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
