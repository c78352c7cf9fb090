// Package webrtcpeer adapts pion peer connections to the peerlink.Transport
// contract.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/peerlink"
)

type Options struct {
	ICEServers []webrtc.ICEServer
	// LogLevel is pion's internal log level: disabled, error, warn, info, debug or trace.
	LogLevel string
	// ConfigureSettingEngine customizes network behaviour before the API is built.
	ConfigureSettingEngine func(se *webrtc.SettingEngine)
	Logger                 *slog.Logger
}

// Factory builds peer transports sharing one pion API.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
}

func NewAPI(opts Options) (*webrtc.API, error) {
	level, err := ParseLogLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = level

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	if opts.ConfigureSettingEngine != nil {
		opts.ConfigureSettingEngine(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func NewFactory(opts Options) (*Factory, error) {
	api, err := NewAPI(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{api: api, iceServers: opts.ICEServers, logger: logger}, nil
}

// NewTransport satisfies peerlink.TransportFactory.
func (f *Factory) NewTransport() (peerlink.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Transport{pc: pc, logger: f.logger}, nil
}

// ParseLogLevel maps a level name to pion's logging level. Empty means warn.
func ParseLogLevel(name string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "", "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unsupported pion log level %q", name)
	}
}
