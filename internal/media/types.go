package media

import (
	"errors"
	"io"
)

// SourceType selects where the video portion of a capture comes from.
type SourceType string

const (
	SourceCamera SourceType = "camera"
	SourceScreen SourceType = "screen"
)

// DeviceKind classifies an enumerated capture device.
type DeviceKind string

const (
	DeviceAudioInput DeviceKind = "audio-input"
	DeviceVideoInput DeviceKind = "video-input"
)

// DeviceInfo describes one capture device known to a backend.
type DeviceInfo struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// TrackKind is the media type carried by a track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one live capture track. Tracks are exclusively owned by the
// capture controller; consumers must never call Stop on a track they
// received as a reference.
type Track interface {
	ID() string
	Kind() TrackKind

	// Stop releases the underlying hardware grant. Idempotent.
	Stop()

	// OnEnded registers a handler fired when the track ends on its own,
	// e.g. the user stops a screen share from outside the application.
	OnEnded(fn func())
}

// AudioTrack is a track whose raw bytes can be read for encoding.
type AudioTrack interface {
	Track

	// NewByteReader returns a reader over the live audio bytes. The
	// reader is closed when the track stops.
	NewByteReader() (io.ReadCloser, error)
}

// Stream groups live tracks the way a combined capture does. The zero
// value is an empty stream.
type Stream struct {
	tracks []Track
}

// NewStream builds a stream over the given tracks.
func NewStream(tracks ...Track) *Stream {
	s := &Stream{}
	for _, t := range tracks {
		if t != nil {
			s.tracks = append(s.tracks, t)
		}
	}
	return s
}

// Tracks returns all tracks in the stream.
func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns the audio tracks in the stream.
func (s *Stream) AudioTracks() []Track {
	return s.tracksOfKind(TrackAudio)
}

// VideoTracks returns the video tracks in the stream.
func (s *Stream) VideoTracks() []Track {
	return s.tracksOfKind(TrackVideo)
}

func (s *Stream) tracksOfKind(kind TrackKind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// StopTracks stops every track in the stream.
func (s *Stream) StopTracks() {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		t.Stop()
	}
}

// StreamConstraints describes which tracks to acquire and from which
// devices. An empty device id means the backend default.
type StreamConstraints struct {
	Audio         bool
	AudioDeviceID string
	Video         bool
	VideoDeviceID string
	SampleRate    int
	Channels      int
}

// Devices is the device/stream acquisition backend. Implementations
// wrap real capture machinery (PipeWire child processes, in-process
// pion drivers) or test fakes.
type Devices interface {
	// Enumerate lists the capture devices currently available.
	Enumerate() ([]DeviceInfo, error)

	// GetUserMedia acquires a camera/microphone stream matching the
	// constraints.
	GetUserMedia(c StreamConstraints) (*Stream, error)

	// GetDisplayMedia acquires a screen capture stream. Audio is never
	// part of a display stream; callers combine a microphone track
	// themselves.
	GetDisplayMedia(c StreamConstraints) (*Stream, error)

	// OnDeviceChange registers a handler invoked when the device set
	// changes. The returned function unsubscribes the handler.
	OnDeviceChange(fn func()) (unsubscribe func())

	// HasUserMedia reports whether camera/microphone capture is
	// available on this system.
	HasUserMedia() bool

	// HasDisplayMedia reports whether screen capture is available on
	// this system.
	HasDisplayMedia() bool
}

// Classified acquisition failures. Backends wrap their platform errors
// into these so the controller can map them to user-facing messages.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceInUse      = errors.New("device in use")
	ErrConstraint       = errors.New("constraints cannot be satisfied")
	ErrAborted          = errors.New("operation aborted")
)

// ClassifyError maps an acquisition error to the message shown to the
// user. Unrecognized errors fall through to a generic message.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Camera and microphone access was denied. Please allow access and try again."
	case errors.Is(err, ErrDeviceNotFound):
		return "No camera or microphone was found. Please connect a device and try again."
	case errors.Is(err, ErrDeviceInUse):
		return "The camera or microphone is already in use by another application."
	case errors.Is(err, ErrConstraint):
		return "The selected device does not support the requested settings."
	case errors.Is(err, ErrAborted):
		return "Device access was interrupted. Please try again."
	default:
		return "Could not access capture devices: " + err.Error()
	}
}
