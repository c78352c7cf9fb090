package media

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame encoding silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceInterval = 20 * time.Millisecond

// SyntheticCapturer produces Opus/VP8 sample tracks without touching real
// devices. Audio tracks carry silence frames while audio is enabled so remote
// peers observe RTP flow; video tracks carry no samples.
type SyntheticCapturer struct {
	NoAudioDevice bool
	NoVideoDevice bool
	Denied        bool
	Logger        *slog.Logger
}

func (c *SyntheticCapturer) Acquire(ctx context.Context, wantAudio, wantVideo bool) (*TrackSet, error) {
	if c.Denied {
		return nil, ErrPermissionDenied
	}
	if (wantAudio && c.NoAudioDevice) || (wantVideo && c.NoVideoDevice) {
		return nil, ErrDeviceUnavailable
	}
	if !wantAudio && !wantVideo {
		return nil, fmt.Errorf("%w: no media requested", ErrDeviceUnavailable)
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamID := "local-" + uuid.NewString()

	var audio *webrtc.TrackLocalStaticSample
	var video *webrtc.TrackLocalStaticSample
	var err error
	if wantAudio {
		audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}
	if wantVideo {
		video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	set := NewTrackSet(streamID, nil, nil, cancel)
	if audio != nil {
		set.Audio = audio
	}
	if video != nil {
		set.Video = video
	}
	set.SetAudioEnabled(audio != nil)
	set.SetVideoEnabled(video != nil)

	if audio != nil {
		go pumpSilence(pumpCtx, set, audio, logger)
	}
	logger.Debug("acquired synthetic media", "stream", streamID, "audio", wantAudio, "video", wantVideo)
	return set, nil
}

func pumpSilence(ctx context.Context, set *TrackSet, track *webrtc.TrackLocalStaticSample, logger *slog.Logger) {
	ticker := time.NewTicker(silenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !set.State().Audio {
				continue
			}
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: silenceInterval}); err != nil {
				logger.Debug("write silence sample failed", "stream", set.StreamID, "err", err)
			}
		}
	}
}
