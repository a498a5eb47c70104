package media

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register screen driver
	audioio "github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v3"
)

// PionDevices acquires streams in-process through pion/mediadevices
// drivers. It is the fallback backend on systems without the PipeWire
// capture toolchain.
type PionDevices struct {
	sampleRate int
	channels   int
	notifier   *changeNotifier
}

// NewPionDevices creates the pion/mediadevices-backed adapter.
func NewPionDevices(sampleRate, channels int) *PionDevices {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	d := &PionDevices{
		sampleRate: sampleRate,
		channels:   channels,
	}
	d.notifier = newChangeNotifier(d.deviceSignature, 2*time.Second)
	return d
}

// Enumerate lists the devices known to the registered pion drivers.
func (d *PionDevices) Enumerate() ([]DeviceInfo, error) {
	var devices []DeviceInfo
	for _, info := range mediadevices.EnumerateDevices() {
		switch info.Kind {
		case mediadevices.AudioInput:
			devices = append(devices, DeviceInfo{ID: info.DeviceID, Label: info.Label, Kind: DeviceAudioInput})
		case mediadevices.VideoInput:
			devices = append(devices, DeviceInfo{ID: info.DeviceID, Label: info.Label, Kind: DeviceVideoInput})
		}
	}
	return devices, nil
}

// GetUserMedia acquires microphone audio and, if requested, camera
// video.
func (d *PionDevices) GetUserMedia(c StreamConstraints) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if c.AudioDeviceID != "" {
				mc.DeviceID = prop.String(c.AudioDeviceID)
			}
		}
	}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if c.VideoDeviceID != "" {
				mc.DeviceID = prop.String(c.VideoDeviceID)
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyPionError(err)
	}
	return wrapPionStream(stream), nil
}

// GetDisplayMedia acquires a screen capture video track.
func (d *PionDevices) GetDisplayMedia(c StreamConstraints) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.VideoDeviceID != "" {
				mc.DeviceID = prop.String(c.VideoDeviceID)
			}
		},
	}

	stream, err := mediadevices.GetDisplayMedia(constraints)
	if err != nil {
		return nil, classifyPionError(err)
	}
	return wrapPionStream(stream), nil
}

// OnDeviceChange polls the driver device set for changes.
func (d *PionDevices) OnDeviceChange(fn func()) func() {
	return d.notifier.Subscribe(fn)
}

func (d *PionDevices) deviceSignature() string {
	devices, err := d.Enumerate()
	if err != nil {
		return ""
	}
	parts := make([]string, 0, len(devices))
	for _, dev := range devices {
		parts = append(parts, string(dev.Kind)+"/"+dev.ID)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// HasUserMedia reports whether any input device driver is registered.
func (d *PionDevices) HasUserMedia() bool {
	return len(mediadevices.EnumerateDevices()) > 0
}

// HasDisplayMedia reports whether a screen driver is registered.
func (d *PionDevices) HasDisplayMedia() bool {
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind == mediadevices.VideoInput {
			return true
		}
	}
	return false
}

func classifyPionError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return fmt.Errorf("%s: %w", err.Error(), ErrPermissionDenied)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device"):
		return fmt.Errorf("%s: %w", err.Error(), ErrDeviceNotFound)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%s: %w", err.Error(), ErrDeviceInUse)
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "failed to find the best driver"):
		return fmt.Errorf("%s: %w", err.Error(), ErrConstraint)
	default:
		return err
	}
}

func wrapPionStream(stream mediadevices.MediaStream) *Stream {
	var tracks []Track
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, newPionTrack(t))
	}
	return NewStream(tracks...)
}

// pionTrack adapts a mediadevices track to the Track interface.
type pionTrack struct {
	inner mediadevices.Track

	mu      sync.Mutex
	stopped bool
}

func newPionTrack(inner mediadevices.Track) *pionTrack {
	return &pionTrack{inner: inner}
}

func (t *pionTrack) ID() string { return t.inner.ID() }

func (t *pionTrack) Kind() TrackKind {
	if t.inner.Kind() == webrtc.RTPCodecTypeAudio {
		return TrackAudio
	}
	return TrackVideo
}

func (t *pionTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if err := t.inner.Close(); err != nil {
		slog.Debug("Failed to close pion track", "track", t.inner.ID(), "error", err)
	}
}

func (t *pionTrack) OnEnded(fn func()) {
	t.inner.OnEnded(func(error) {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

// audioChunkSource is the raw-reader surface of a mediadevices audio
// track. Declared locally so only tracks that actually expose raw
// chunks are readable.
type audioChunkSource interface {
	NewReader(copyChunk bool) audioio.Reader
}

// NewByteReader converts the track's wave chunks to interleaved
// little-endian 16-bit PCM.
func (t *pionTrack) NewByteReader() (io.ReadCloser, error) {
	if t.Kind() != TrackAudio {
		return nil, fmt.Errorf("track %s does not carry audio", t.inner.ID())
	}
	src, ok := t.inner.(audioChunkSource)
	if !ok {
		return nil, fmt.Errorf("track %s does not expose raw audio chunks", t.inner.ID())
	}
	return &pcmReader{source: src.NewReader(false)}, nil
}

// pcmReader drains an audio chunk reader into a byte stream.
type pcmReader struct {
	source audioio.Reader

	mu       sync.Mutex
	leftover []byte
	closed   bool
}

func (r *pcmReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, io.EOF
	}

	for len(r.leftover) == 0 {
		chunk, release, err := r.source.Read()
		if err != nil {
			return 0, err
		}
		r.leftover = pcmBytes(chunk)
		if release != nil {
			release()
		}
	}

	n := copy(p, r.leftover)
	r.leftover = r.leftover[n:]
	return n, nil
}

func (r *pcmReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// pcmBytes flattens a wave chunk into interleaved s16le samples.
func pcmBytes(chunk wave.Audio) []byte {
	info := chunk.ChunkInfo()
	out := make([]byte, 0, info.Len*info.Channels*2)
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			sample := wave.Int16SampleFormat.Convert(chunk.At(i, ch))
			v := int16(sample.(wave.Int16Sample))
			out = append(out, byte(v), byte(uint16(v)>>8))
		}
	}
	return out
}
