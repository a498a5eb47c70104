package media

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PipeWireDevices acquires streams through child processes: device
// enumeration via pw-link, microphone capture via ffmpeg reading the
// PulseAudio bridge, camera via v4l2 and screen via x11grab. Each
// track owns its capture process; process exit doubles as the
// track-ended event.
type PipeWireDevices struct {
	sampleRate int
	channels   int
	notifier   *changeNotifier
}

// NewPipeWireDevices creates the PipeWire-backed devices adapter.
func NewPipeWireDevices(sampleRate, channels int) *PipeWireDevices {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	d := &PipeWireDevices{
		sampleRate: sampleRate,
		channels:   channels,
	}
	d.notifier = newChangeNotifier(d.deviceSignature, 2*time.Second)
	return d
}

// Enumerate lists audio sources from the PipeWire graph and video
// devices from /dev/video*.
func (d *PipeWireDevices) Enumerate() ([]DeviceInfo, error) {
	var devices []DeviceInfo

	audioNodes, err := d.listAudioNodes()
	if err != nil {
		slog.Debug("Failed to list PipeWire audio nodes", "error", err)
	} else {
		for _, node := range audioNodes {
			devices = append(devices, DeviceInfo{ID: node, Label: node, Kind: DeviceAudioInput})
		}
	}

	videoPaths, err := filepath.Glob("/dev/video*")
	if err == nil {
		sort.Strings(videoPaths)
		for _, path := range videoPaths {
			devices = append(devices, DeviceInfo{ID: path, Label: path, Kind: DeviceVideoInput})
		}
	}

	return devices, nil
}

// listAudioNodes parses pw-link output into unique node names.
func (d *PipeWireDevices) listAudioNodes() ([]string, error) {
	cmd := exec.Command("pw-link", "-o")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}

	seen := make(map[string]bool)
	var nodes []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Port names are "node:port"; collapse to the node.
		node := line
		if idx := strings.Index(line, ":"); idx > 0 {
			node = line[:idx]
		}
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// GetUserMedia acquires microphone audio and, if requested, camera
// video.
func (d *PipeWireDevices) GetUserMedia(c StreamConstraints) (*Stream, error) {
	var tracks []Track

	if c.Audio {
		track, err := d.startAudioCapture(c)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	if c.Video {
		track, err := d.startCameraCapture(c)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, track)
	}

	return NewStream(tracks...), nil
}

// GetDisplayMedia acquires a screen capture video track.
func (d *PipeWireDevices) GetDisplayMedia(c StreamConstraints) (*Stream, error) {
	display := os.Getenv("DISPLAY")
	if display == "" {
		return nil, fmt.Errorf("no display available for screen capture: %w", ErrDeviceNotFound)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "x11grab",
		"-i", display,
		"-f", "matroska",
		"-",
	}
	track, err := startExecTrack("screen:"+display, TrackVideo, args, true)
	if err != nil {
		return nil, err
	}
	return NewStream(track), nil
}

func (d *PipeWireDevices) startAudioCapture(c StreamConstraints) (Track, error) {
	device := c.AudioDeviceID
	if device == "" {
		device = "default"
	}
	sampleRate := c.SampleRate
	if sampleRate <= 0 {
		sampleRate = d.sampleRate
	}
	channels := c.Channels
	if channels <= 0 {
		channels = d.channels
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "pulse",
		"-i", device,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"-",
	}
	return startExecTrack("mic:"+device, TrackAudio, args, false)
}

func (d *PipeWireDevices) startCameraCapture(c StreamConstraints) (Track, error) {
	device := c.VideoDeviceID
	if device == "" {
		device = "/dev/video0"
	}
	if _, err := os.Stat(device); err != nil {
		return nil, fmt.Errorf("camera %s: %w", device, ErrDeviceNotFound)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-i", device,
		"-f", "matroska",
		"-",
	}
	return startExecTrack("camera:"+device, TrackVideo, args, true)
}

// OnDeviceChange polls the device set and notifies subscribers when it
// changes. The poller runs only while at least one subscriber exists.
func (d *PipeWireDevices) OnDeviceChange(fn func()) func() {
	return d.notifier.Subscribe(fn)
}

func (d *PipeWireDevices) deviceSignature() string {
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

// HasUserMedia reports whether the capture toolchain is present.
func (d *PipeWireDevices) HasUserMedia() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// HasDisplayMedia reports whether screen capture is possible.
func (d *PipeWireDevices) HasDisplayMedia() bool {
	return d.HasUserMedia() && os.Getenv("DISPLAY") != ""
}

// execTrack is a live track backed by a capture child process.
type execTrack struct {
	id     string
	kind   TrackKind
	cmd    *exec.Cmd
	stdout io.ReadCloser

	mu       sync.Mutex
	stopped  bool
	endedFns []func()
	done     chan struct{}
}

// startExecTrack launches ffmpeg with the given arguments and wraps the
// process as a track. When drain is set, stdout is consumed and
// discarded (video tracks, whose bytes nobody reads).
func startExecTrack(id string, kind TrackKind, args []string, drain bool) (*execTrack, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", ErrDeviceNotFound)
	}

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture process: %w", ErrAborted)
	}

	t := &execTrack{
		id:     id,
		kind:   kind,
		cmd:    cmd,
		stdout: stdout,
		done:   make(chan struct{}),
	}

	if drain {
		go func() {
			_, _ = io.Copy(io.Discard, stdout)
		}()
	}

	go t.monitor()

	slog.Debug("Capture process started", "track", id, "pid", cmd.Process.Pid)
	return t, nil
}

// monitor waits for the capture process and fires ended handlers when
// it exits on its own (e.g. the user closed the shared screen).
func (t *execTrack) monitor() {
	_ = t.cmd.Wait()
	close(t.done)

	t.mu.Lock()
	stopped := t.stopped
	fns := make([]func(), len(t.endedFns))
	copy(fns, t.endedFns)
	t.mu.Unlock()

	if stopped {
		return
	}
	slog.Debug("Capture process ended on its own", "track", t.id)
	for _, fn := range fns {
		fn()
	}
}

func (t *execTrack) ID() string      { return t.id }
func (t *execTrack) Kind() TrackKind { return t.kind }

// Stop interrupts the capture process and waits for it to exit,
// force-killing after a timeout.
func (t *execTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if t.cmd.Process != nil {
		if err := t.cmd.Process.Signal(os.Interrupt); err != nil {
			t.cmd.Process.Kill()
		}
	}

	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		slog.Warn("Capture process did not exit within timeout, force killing", "track", t.id)
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		<-t.done
	}
}

func (t *execTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endedFns = append(t.endedFns, fn)
}

// NewByteReader exposes the raw capture bytes of an audio track.
func (t *execTrack) NewByteReader() (io.ReadCloser, error) {
	if t.kind != TrackAudio {
		return nil, fmt.Errorf("track %s does not carry audio", t.id)
	}
	return t.stdout, nil
}
