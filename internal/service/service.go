// Package service wires the capture, session, recorder and upload
// controllers together behind a single facade used by the CLI and the
// control API.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/encoder"
	"github.com/audiolibrelab/meetcapture/internal/media"
	"github.com/audiolibrelab/meetcapture/internal/recorder"
	"github.com/audiolibrelab/meetcapture/internal/session"
	"github.com/audiolibrelab/meetcapture/internal/storage"
	"github.com/audiolibrelab/meetcapture/internal/upload"
)

// connectivityInterval is how often the ingest server is probed.
const connectivityInterval = 10 * time.Second

// Service is the core MeetCapture service interface.
type Service interface {
	// Capture operations
	RequestPermission() bool
	SetAudioDevice(id string)
	SetVideoDevice(id string)
	SwitchSourceType(sourceType media.SourceType)
	SwitchVideoSource(sourceType media.SourceType) bool
	ListDevices() ([]media.DeviceInfo, error)

	// Target operations
	SetActiveTarget(sessionID string)
	ClearActiveTarget()

	// Recording operations
	StartRecording()
	StopRecording()

	// Pending queue operations
	PendingRecordings() []recorder.PendingRecording
	DiscardPendingRecording(recordingID string)
	Reset()

	// Upload operations
	UploadPending() error
	CancelUpload()

	// Status operations
	Status() Status
	GetConfig() *config.Config

	Close()
}

// Status aggregates every controller's observable state.
type Status struct {
	Backend      string             `json:"backend"`
	ActiveTarget string             `json:"active_target,omitempty"`
	Conditions   session.Conditions `json:"conditions"`
	Capture      media.CaptureState `json:"capture"`
	Session      session.State      `json:"session"`
	Recorder     recorder.State     `json:"recorder"`
	Upload       upload.State       `json:"upload"`
}

// MeetCaptureService is the main service implementation.
type MeetCaptureService struct {
	cfg     *config.Config
	devices media.Devices
	capture *media.CaptureController
	rec     *recorder.LocalRecorder
	sess    *session.Controller
	uploads *upload.Controller
	store   *storage.SpoolStore

	probe    func() bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	connected    bool
	activeTarget string
	closed       bool
}

// New creates a fully wired service instance.
func New(cfg *config.Config) (*MeetCaptureService, error) {
	store, err := storage.NewSpoolStore(config.ExpandPath(cfg.Storage.Directory))
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	devices := media.NewDevices(cfg)
	capture := media.NewCaptureController(devices, media.CaptureOptions{
		SourceType:    media.SourceType(cfg.Capture.SourceType),
		AudioDeviceID: cfg.Capture.AudioDevice,
		VideoDeviceID: cfg.Capture.VideoDevice,
		SampleRate:    cfg.Capture.SampleRate,
		Channels:      cfg.Capture.Channels,
	})

	rec := recorder.New(store)

	s := &MeetCaptureService{
		cfg:     cfg,
		devices: devices,
		capture: capture,
		rec:     rec,
		store:   store,
		stopCh:  make(chan struct{}),
	}
	s.probe = s.probeServer

	s.sess = session.New(
		encoder.NewFactory(),
		capture.AudioStream,
		time.Duration(cfg.Capture.TimesliceMs)*time.Millisecond,
		encoder.Options{
			MimeType:   cfg.Capture.MimeType,
			SampleRate: cfg.Capture.SampleRate,
			Channels:   cfg.Capture.Channels,
		},
		session.Callbacks{
			OnRecordingStarted: s.handleRecordingStarted,
			OnRecordingStopped: func() { rec.Stop() },
			OnChunk:            rec.WriteChunk,
		},
	)

	s.uploads = upload.New(
		upload.NewHTTPTransport(),
		store,
		rec,
		cfg.Server.BaseURL,
		cfg.Capture.MimeType,
	)

	// Recover recordings a previous run left behind.
	if err := rec.Restore(); err != nil {
		slog.Warn("Failed to restore pending queue", "error", err)
	}

	capture.OnStateChange(func(media.CaptureState) {
		s.sess.ConditionsChanged(s.Conditions())
	})
	capture.OnScreenShareEnded(func() {
		slog.Info("Screen share ended, capture fell back to camera")
	})

	go s.monitorConnectivity()

	return s, nil
}

// Conditions evaluates the current recording preconditions.
func (s *MeetCaptureService) Conditions() session.Conditions {
	st := s.capture.State()
	audio := s.capture.AudioStream()

	s.mu.Lock()
	connected := s.connected
	target := s.activeTarget
	s.mu.Unlock()

	return session.Conditions{
		AudioStreamPresent: audio != nil && len(audio.AudioTracks()) > 0,
		HasPermission:      st.HasPermission,
		IsConnected:        connected,
		HasActiveTarget:    target != "",
	}
}

// RequestPermission acquires capture streams for the configured source.
func (s *MeetCaptureService) RequestPermission() bool {
	ok := s.capture.RequestPermission()
	s.sess.ConditionsChanged(s.Conditions())
	return ok
}

func (s *MeetCaptureService) SetAudioDevice(id string) { s.capture.SetAudioDevice(id) }
func (s *MeetCaptureService) SetVideoDevice(id string) { s.capture.SetVideoDevice(id) }

func (s *MeetCaptureService) SwitchSourceType(sourceType media.SourceType) {
	s.capture.SwitchSourceType(sourceType)
}

func (s *MeetCaptureService) SwitchVideoSource(sourceType media.SourceType) bool {
	return s.capture.SwitchVideoSource(sourceType)
}

// ListDevices enumerates capture devices from the active backend.
func (s *MeetCaptureService) ListDevices() ([]media.DeviceInfo, error) {
	return s.devices.Enumerate()
}

// SetActiveTarget names the meeting the next recording belongs to.
func (s *MeetCaptureService) SetActiveTarget(sessionID string) {
	s.mu.Lock()
	s.activeTarget = sessionID
	s.mu.Unlock()
	s.sess.ConditionsChanged(s.Conditions())
	slog.Info("Active target set", "session_id", sessionID)
}

// ClearActiveTarget drops the meeting association. A running recording
// keeps going; only future starts are blocked.
func (s *MeetCaptureService) ClearActiveTarget() {
	s.mu.Lock()
	s.activeTarget = ""
	s.mu.Unlock()
	s.sess.ConditionsChanged(s.Conditions())
}

// StartRecording asks the session controller to begin.
func (s *MeetCaptureService) StartRecording() {
	s.sess.Start(s.Conditions())
}

// StopRecording ends the current recording attempt.
func (s *MeetCaptureService) StopRecording() {
	s.sess.Stop()
}

func (s *MeetCaptureService) handleRecordingStarted() {
	s.mu.Lock()
	target := s.activeTarget
	s.mu.Unlock()
	if err := s.rec.Start(target); err != nil {
		slog.Error("Failed to start local recording", "error", err)
	}
}

// PendingRecordings returns the durable upload queue.
func (s *MeetCaptureService) PendingRecordings() []recorder.PendingRecording {
	return s.rec.PendingRecordings()
}

// DiscardPendingRecording drops one queued recording and its bytes.
func (s *MeetCaptureService) DiscardPendingRecording(recordingID string) {
	s.rec.RemovePendingRecording(recordingID)
}

// Reset wipes all local recording state.
func (s *MeetCaptureService) Reset() {
	s.uploads.Cancel()
	s.rec.Reset()
}

// UploadPending drains the queue to the ingest server and blocks until
// done, failed or cancelled.
func (s *MeetCaptureService) UploadPending() error {
	return s.uploads.Upload()
}

// CancelUpload aborts a running upload run.
func (s *MeetCaptureService) CancelUpload() {
	s.uploads.Cancel()
}

// Status returns an aggregated snapshot of every controller.
func (s *MeetCaptureService) Status() Status {
	s.mu.Lock()
	target := s.activeTarget
	s.mu.Unlock()

	return Status{
		Backend:      s.cfg.Capture.Backend,
		ActiveTarget: target,
		Conditions:   s.Conditions(),
		Capture:      s.capture.State(),
		Session:      s.sess.State(),
		Recorder:     s.rec.State(),
		Upload:       s.uploads.State(),
	}
}

// GetConfig returns the current configuration.
func (s *MeetCaptureService) GetConfig() *config.Config {
	return s.cfg
}

// Close stops recording, releases capture hardware and shuts down the
// background monitor. Queued recordings stay durable.
func (s *MeetCaptureService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.sess.Dispose()
	s.uploads.Dispose()
	s.rec.Dispose()
	s.capture.Dispose()
	slog.Info("Service closed")
}

// monitorConnectivity polls the ingest server and feeds the result into
// the session preconditions.
func (s *MeetCaptureService) monitorConnectivity() {
	check := func() {
		connected := s.probe()

		s.mu.Lock()
		changed := connected != s.connected
		s.connected = connected
		s.mu.Unlock()

		if changed {
			slog.Info("Connectivity changed", "connected", connected)
			s.sess.ConditionsChanged(s.Conditions())
		}
	}

	check()
	ticker := time.NewTicker(connectivityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			check()
		case <-s.stopCh:
			return
		}
	}
}

// probeServer treats any HTTP response as reachable; only transport
// errors count as offline.
func (s *MeetCaptureService) probeServer() bool {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Head(s.cfg.Server.BaseURL + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
