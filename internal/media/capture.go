package media

import (
	"fmt"
	"log/slog"
	"sync"
)

// CaptureState is the observable state of a CaptureController.
type CaptureState struct {
	HasPermission bool         `json:"has_permission"`
	SourceType    SourceType   `json:"source_type"`
	AudioDeviceID string       `json:"audio_device_id"`
	VideoDeviceID string       `json:"video_device_id"`
	AudioDevices  []DeviceInfo `json:"audio_devices"`
	VideoDevices  []DeviceInfo `json:"video_devices"`
	Error         string       `json:"error,omitempty"`
}

// CaptureOptions seeds a new CaptureController.
type CaptureOptions struct {
	SourceType    SourceType
	AudioDeviceID string
	VideoDeviceID string
	SampleRate    int
	Channels      int
}

// CaptureController owns the live capture streams. It acquires,
// replaces and releases camera, screen and microphone tracks, and
// exposes audio-only and video-only sub-streams.
//
// Every stream-acquiring call takes a fresh operation token. After the
// blocking acquisition returns, the token is compared against the
// current one; a stale result has its tracks stopped immediately and is
// discarded without touching state. This gives last-caller-wins
// semantics under rapid device switching and never leaves two
// overlapping hardware grants alive.
type CaptureController struct {
	devices    Devices
	sampleRate int
	channels   int

	mu       sync.Mutex
	state    CaptureState
	combined *Stream
	audio    *Stream
	video    *Stream

	// Operation tokens, one counter per operation category.
	streamToken uint64
	swapToken   uint64

	disposed bool

	subs      map[int]func(CaptureState)
	nextSubID int

	onScreenShareEnded func()
	unsubDeviceChange  func()
}

// NewCaptureController creates a controller over the given devices
// backend.
func NewCaptureController(devices Devices, opts CaptureOptions) *CaptureController {
	sourceType := opts.SourceType
	if sourceType == "" {
		sourceType = SourceCamera
	}

	c := &CaptureController{
		devices:    devices,
		sampleRate: opts.SampleRate,
		channels:   opts.Channels,
		state: CaptureState{
			SourceType:    sourceType,
			AudioDeviceID: opts.AudioDeviceID,
			VideoDeviceID: opts.VideoDeviceID,
		},
		subs: make(map[int]func(CaptureState)),
	}

	c.unsubDeviceChange = devices.OnDeviceChange(func() {
		c.refreshDevices(false)
	})

	return c
}

// State returns a snapshot of the controller state.
func (c *CaptureController) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *CaptureController) snapshotLocked() CaptureState {
	st := c.state
	st.AudioDevices = append([]DeviceInfo(nil), c.state.AudioDevices...)
	st.VideoDevices = append([]DeviceInfo(nil), c.state.VideoDevices...)
	return st
}

// OnStateChange subscribes to state snapshots. The returned function
// unsubscribes.
func (c *CaptureController) OnStateChange(fn func(CaptureState)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// OnScreenShareEnded registers the handler fired when a hot-swapped
// screen share ends outside the application and the controller falls
// back to the camera.
func (c *CaptureController) OnScreenShareEnded(fn func()) {
	c.mu.Lock()
	c.onScreenShareEnded = fn
	c.mu.Unlock()
}

func (c *CaptureController) broadcast() {
	c.mu.Lock()
	st := c.snapshotLocked()
	fns := make([]func(CaptureState), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// CombinedStream returns the active combined stream. Callers receive a
// read-only reference and must never stop its tracks.
func (c *CaptureController) CombinedStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.combined
}

// AudioStream returns the audio-only sub-stream.
func (c *CaptureController) AudioStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

// VideoStream returns the video-only sub-stream.
func (c *CaptureController) VideoStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video
}

// RequestPermission attempts to acquire a stream for the current
// source type. On success it also re-enumerates devices to populate
// default device selections. Returns false and records a classified
// error on failure; it never panics across this boundary.
func (c *CaptureController) RequestPermission() bool {
	if !c.acquireStream() {
		return false
	}
	c.refreshDevices(true)
	return true
}

// acquireStream acquires a full stream for the current source type and
// commits it if the operation is still the most recent one.
func (c *CaptureController) acquireStream() bool {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return false
	}
	c.streamToken++
	token := c.streamToken
	sourceType := c.state.SourceType
	audioID := c.state.AudioDeviceID
	videoID := c.state.VideoDeviceID
	c.mu.Unlock()

	stream, err := c.acquireForSource(sourceType, audioID, videoID)

	c.mu.Lock()
	if token != c.streamToken || c.disposed {
		c.mu.Unlock()
		if stream != nil {
			stream.StopTracks()
		}
		slog.Debug("Discarding stale stream acquisition", "token", token)
		return false
	}

	if err != nil {
		// A device-switch failure while already holding a usable
		// stream must not blow away the working session.
		if c.combined == nil {
			c.state.HasPermission = false
		}
		c.state.Error = ClassifyError(err)
		c.mu.Unlock()
		c.broadcast()
		slog.Debug("Stream acquisition failed", "source", sourceType, "error", err)
		return false
	}

	c.commitStreamLocked(stream, token)
	c.mu.Unlock()
	c.broadcast()

	slog.Debug("Stream acquired", "source", sourceType, "tracks", len(stream.Tracks()))
	return true
}

// commitStreamLocked installs a freshly acquired combined stream,
// stopping the previous one first so two hardware grants never
// overlap.
func (c *CaptureController) commitStreamLocked(stream *Stream, token uint64) {
	c.stopStreamsLocked()

	c.combined = stream
	c.audio = NewStream(stream.AudioTracks()...)
	c.video = NewStream(stream.VideoTracks()...)
	c.state.HasPermission = true
	c.state.Error = ""

	if c.state.SourceType == SourceScreen {
		for _, t := range stream.VideoTracks() {
			t.OnEnded(func() {
				c.handleScreenEnded(token)
			})
		}
	}
}

// handleScreenEnded reacts to the user ending a screen share outside
// the application by switching back to the camera.
func (c *CaptureController) handleScreenEnded(token uint64) {
	c.mu.Lock()
	if token != c.streamToken || c.disposed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	slog.Info("Screen share ended externally, switching back to camera")
	c.SwitchSourceType(SourceCamera)
}

// acquireForSource performs the backend calls for one acquisition.
func (c *CaptureController) acquireForSource(sourceType SourceType, audioID, videoID string) (*Stream, error) {
	switch sourceType {
	case SourceScreen:
		if !c.devices.HasDisplayMedia() {
			return nil, fmt.Errorf("screen capture is not available: %w", ErrConstraint)
		}
		display, err := c.devices.GetDisplayMedia(StreamConstraints{
			Video:         true,
			VideoDeviceID: videoID,
			SampleRate:    c.sampleRate,
			Channels:      c.channels,
		})
		if err != nil {
			return nil, err
		}
		mic, err := c.devices.GetUserMedia(StreamConstraints{
			Audio:         true,
			AudioDeviceID: audioID,
			SampleRate:    c.sampleRate,
			Channels:      c.channels,
		})
		if err != nil {
			display.StopTracks()
			return nil, err
		}
		return NewStream(append(display.Tracks(), mic.Tracks()...)...), nil

	default:
		if !c.devices.HasUserMedia() {
			return nil, fmt.Errorf("camera/microphone capture is not available: %w", ErrConstraint)
		}
		return c.devices.GetUserMedia(StreamConstraints{
			Audio:         true,
			AudioDeviceID: audioID,
			Video:         true,
			VideoDeviceID: videoID,
			SampleRate:    c.sampleRate,
			Channels:      c.channels,
		})
	}
}

// SetAudioDevice selects the audio input device and re-acquires the
// stream when permission was already granted.
func (c *CaptureController) SetAudioDevice(id string) {
	c.mu.Lock()
	if c.disposed || c.state.AudioDeviceID == id {
		c.mu.Unlock()
		return
	}
	c.state.AudioDeviceID = id
	hasPermission := c.state.HasPermission
	c.mu.Unlock()
	c.broadcast()

	if hasPermission {
		c.acquireStream()
	}
}

// SetVideoDevice selects the video input device. Device changes are
// ignored while the source type is screen.
func (c *CaptureController) SetVideoDevice(id string) {
	c.mu.Lock()
	if c.disposed || c.state.VideoDeviceID == id {
		c.mu.Unlock()
		return
	}
	c.state.VideoDeviceID = id
	hasPermission := c.state.HasPermission
	isScreen := c.state.SourceType == SourceScreen
	c.mu.Unlock()
	c.broadcast()

	if hasPermission && !isScreen {
		c.acquireStream()
	}
}

// SwitchSourceType stops the current stream, switches the source type
// and re-requests permission if it had previously been granted.
func (c *CaptureController) SwitchSourceType(sourceType SourceType) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	hadPermission := c.state.HasPermission
	c.invalidateLocked()
	c.stopStreamsLocked()
	c.state.HasPermission = false
	c.state.SourceType = sourceType
	c.mu.Unlock()
	c.broadcast()

	if hadPermission {
		c.RequestPermission()
	}
}

// SwitchVideoSource hot-swaps only the video portion of the active
// combined stream, leaving the audio track and its encoder untouched.
// It is a no-op (returning true) when already on the requested type and
// fails closed (returning false) when no permission or audio stream
// exists yet.
func (c *CaptureController) SwitchVideoSource(sourceType SourceType) bool {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return false
	}
	if c.state.SourceType == sourceType {
		c.mu.Unlock()
		return true
	}
	if !c.state.HasPermission || c.audio == nil || len(c.audio.Tracks()) == 0 {
		c.mu.Unlock()
		return false
	}
	c.swapToken++
	token := c.swapToken
	streamToken := c.streamToken
	videoID := c.state.VideoDeviceID
	c.mu.Unlock()

	var acquired *Stream
	var err error
	if sourceType == SourceScreen {
		acquired, err = c.devices.GetDisplayMedia(StreamConstraints{
			Video:      true,
			SampleRate: c.sampleRate,
			Channels:   c.channels,
		})
	} else {
		acquired, err = c.devices.GetUserMedia(StreamConstraints{
			Video:         true,
			VideoDeviceID: videoID,
			SampleRate:    c.sampleRate,
			Channels:      c.channels,
		})
	}

	c.mu.Lock()
	if token != c.swapToken || streamToken != c.streamToken || c.disposed {
		c.mu.Unlock()
		if acquired != nil {
			acquired.StopTracks()
		}
		slog.Debug("Discarding stale video hot swap", "token", token)
		return false
	}

	if err != nil {
		// Previous video stays active; the error is advisory.
		c.state.Error = ClassifyError(err)
		c.mu.Unlock()
		c.broadcast()
		slog.Debug("Video hot swap failed", "source", sourceType, "error", err)
		return false
	}

	// Splice the new video tracks with the existing audio tracks,
	// rebuilding the combined stream atomically.
	if c.video != nil {
		c.video.StopTracks()
	}
	newVideo := acquired.VideoTracks()
	audioTracks := c.audio.Tracks()
	c.video = NewStream(newVideo...)
	c.combined = NewStream(append(append([]Track(nil), newVideo...), audioTracks...)...)
	c.state.SourceType = sourceType
	c.state.Error = ""

	if sourceType == SourceScreen {
		for _, t := range newVideo {
			t.OnEnded(func() {
				c.handleSwappedScreenEnded(token)
			})
		}
	}
	c.mu.Unlock()
	c.broadcast()

	slog.Debug("Video source hot-swapped", "source", sourceType)
	return true
}

// handleSwappedScreenEnded falls back to the camera when a hot-swapped
// screen share ends, then notifies the caller.
func (c *CaptureController) handleSwappedScreenEnded(token uint64) {
	c.mu.Lock()
	if token != c.swapToken || c.disposed {
		c.mu.Unlock()
		return
	}
	notify := c.onScreenShareEnded
	c.mu.Unlock()

	slog.Info("Hot-swapped screen share ended, falling back to camera")
	c.SwitchVideoSource(SourceCamera)
	if notify != nil {
		notify()
	}
}

// StopStream invalidates all in-flight operations, stops every track of
// every held stream and resets the controller to no permission.
func (c *CaptureController) StopStream() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.invalidateLocked()
	c.stopStreamsLocked()
	c.state.HasPermission = false
	c.state.Error = ""
	c.mu.Unlock()
	c.broadcast()
}

// Dispose tears the controller down. All further calls are no-ops.
func (c *CaptureController) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.invalidateLocked()
	c.stopStreamsLocked()
	c.state.HasPermission = false
	c.disposed = true
	unsub := c.unsubDeviceChange
	c.unsubDeviceChange = nil
	c.subs = make(map[int]func(CaptureState))
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (c *CaptureController) invalidateLocked() {
	c.streamToken++
	c.swapToken++
}

func (c *CaptureController) stopStreamsLocked() {
	if c.combined != nil {
		c.combined.StopTracks()
	}
	c.combined = nil
	c.audio = nil
	c.video = nil
}

// refreshDevices re-enumerates devices and, when fillDefaults is set,
// populates unset device selections with the first available device.
func (c *CaptureController) refreshDevices(fillDefaults bool) {
	devices, err := c.devices.Enumerate()
	if err != nil {
		slog.Debug("Device enumeration failed", "error", err)
		return
	}

	var audioDevices, videoDevices []DeviceInfo
	for _, d := range devices {
		switch d.Kind {
		case DeviceAudioInput:
			audioDevices = append(audioDevices, d)
		case DeviceVideoInput:
			videoDevices = append(videoDevices, d)
		}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.state.AudioDevices = audioDevices
	c.state.VideoDevices = videoDevices
	if fillDefaults {
		if c.state.AudioDeviceID == "" && len(audioDevices) > 0 {
			c.state.AudioDeviceID = audioDevices[0].ID
		}
		if c.state.VideoDeviceID == "" && len(videoDevices) > 0 {
			c.state.VideoDeviceID = videoDevices[0].ID
		}
	}
	c.mu.Unlock()
	c.broadcast()
}
