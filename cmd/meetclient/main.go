// Command meetclient joins a meeting from the terminal with synthetic media
// and logs what happens to every peer link.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mossy-p/meeting-signaling/config"
	"github.com/mossy-p/meeting-signaling/internal/media"
	"github.com/mossy-p/meeting-signaling/internal/meetingcode"
	"github.com/mossy-p/meeting-signaling/internal/metrics"
	"github.com/mossy-p/meeting-signaling/internal/session"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
	"github.com/mossy-p/meeting-signaling/internal/webrtcpeer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meetclient:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		url       string
		meetingID string
		start     bool
		audio     bool
		video     bool
		pionLevel string
		duration  time.Duration
	)
	flags := pflag.NewFlagSet("meetclient", pflag.ContinueOnError)
	flags.StringVar(&url, "url", cfg.SignalingURL, "signaling WebSocket URL")
	flags.StringVarP(&meetingID, "meeting", "m", "", "meeting to join")
	flags.BoolVar(&start, "start", false, "start a new meeting instead of joining one")
	flags.BoolVar(&audio, "audio", true, "send an audio track")
	flags.BoolVar(&video, "video", true, "send a video track")
	flags.StringVar(&pionLevel, "pion-log-level", cfg.PionLogLevel, "pion log level (disabled, error, warn, info, debug, trace)")
	flags.DurationVar(&duration, "duration", 0, "leave after this long (0 waits for a signal)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if start == (meetingID != "") {
		return errors.New("exactly one of --start or --meeting is required")
	}
	if meetingcode.IsCode(meetingcode.Normalize(meetingID)) {
		meetingID = meetingcode.Normalize(meetingID)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	factory, err := webrtcpeer.NewFactory(webrtcpeer.Options{
		ICEServers: cfg.ICEServers,
		LogLevel:   pionLevel,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	conn, err := signaling.Dial(ctx, url, signaling.DialOptions{
		PingInterval: cfg.PingInterval,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	m := metrics.New()
	mgr := session.New(session.Config{
		Conn:         conn,
		Capturer:     &media.SyntheticCapturer{Logger: logger},
		NewTransport: factory.NewTransport,
		WantAudio:    audio,
		WantVideo:    video,
		Metrics:      m,
		Logger:       logger,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(runCtx) }()
	go logEvents(logger, mgr.Events())

	if start {
		meetingID, err = mgr.StartMeeting(ctx)
		if err == nil {
			logger.Info("meeting started, share this id", "meeting", meetingID)
		}
	} else {
		err = mgr.JoinMeeting(ctx, meetingID)
	}
	if err != nil {
		return err
	}

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.LeaveMeeting(leaveCtx); err != nil && !errors.Is(err, session.ErrNotInMeeting) {
		logger.Warn("leave failed", "err", err)
	}
	cancelRun()
	<-runErr
	logger.Info("session finished", "counters", m.Snapshot())
	return nil
}

func logEvents(logger *slog.Logger, events <-chan session.Event) {
	for e := range events {
		attrs := []any{"meeting", e.MeetingID}
		if e.ParticipantID != "" {
			attrs = append(attrs, "participant", e.ParticipantID)
		}
		switch e.Type {
		case session.EventMeetingJoined:
			logger.Info("joined meeting", append(attrs, "role", e.Role)...)
		case session.EventLinkState:
			logger.Info("peer link state", append(attrs, "state", e.State)...)
		case session.EventRemoteTrack:
			logger.Info("remote track", append(attrs, "kind", e.Track.Kind, "stream", e.Track.StreamID)...)
		case session.EventRemoteMedia:
			logger.Info("remote media", append(attrs, "audio", e.Media.Audio, "video", e.Media.Video)...)
		case session.EventError, session.EventHubUnreachable:
			logger.Error(string(e.Type), append(attrs, "err", e.Err)...)
		default:
			logger.Info(string(e.Type), attrs...)
		}
	}
}
