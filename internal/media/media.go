// Package media defines the local capture contract used by meeting sessions
// and a pion-backed synthetic capturer for headless clients.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/models"
)

var (
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrPermissionDenied  = errors.New("media permission denied")
)

// Capturer acquires local audio/video tracks.
type Capturer interface {
	Acquire(ctx context.Context, wantAudio, wantVideo bool) (*TrackSet, error)
}

// TrackSet is the set of local tracks attached to every peer link of a
// session. It is released exactly once when the session leaves the meeting.
type TrackSet struct {
	StreamID string
	Audio    webrtc.TrackLocal
	Video    webrtc.TrackLocal

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	released     bool
	onRelease    func()
}

func NewTrackSet(streamID string, audio, video webrtc.TrackLocal, onRelease func()) *TrackSet {
	return &TrackSet{
		StreamID:     streamID,
		Audio:        audio,
		Video:        video,
		audioEnabled: audio != nil,
		videoEnabled: video != nil,
		onRelease:    onRelease,
	}
}

// Tracks returns the acquired tracks, audio first.
func (t *TrackSet) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if t.Audio != nil {
		out = append(out, t.Audio)
	}
	if t.Video != nil {
		out = append(out, t.Video)
	}
	return out
}

func (t *TrackSet) SetAudioEnabled(enabled bool) {
	t.mu.Lock()
	t.audioEnabled = enabled && t.Audio != nil
	t.mu.Unlock()
}

func (t *TrackSet) SetVideoEnabled(enabled bool) {
	t.mu.Lock()
	t.videoEnabled = enabled && t.Video != nil
	t.mu.Unlock()
}

// State reports what the local participant is currently sending.
func (t *TrackSet) State() models.MediaState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.MediaState{Audio: t.audioEnabled, Video: t.videoEnabled}
}

// Release stops capture. Safe to call more than once.
func (t *TrackSet) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	t.audioEnabled = false
	t.videoEnabled = false
	onRelease := t.onRelease
	t.mu.Unlock()

	if onRelease != nil {
		onRelease()
	}
}

func (t *TrackSet) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}
