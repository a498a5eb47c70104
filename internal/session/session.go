// Package session gates continuous audio capture on external
// preconditions: permission, a live audio stream, transport
// connectivity and an active recording target.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/encoder"
	"github.com/audiolibrelab/meetcapture/internal/media"
)

// Conditions are the live preconditions re-evaluated on every change.
type Conditions struct {
	AudioStreamPresent bool `json:"audio_stream_present"`
	HasPermission      bool `json:"has_permission"`
	IsConnected        bool `json:"is_connected"`
	HasActiveTarget    bool `json:"has_active_target"`
}

func (c Conditions) satisfied() bool {
	return c.AudioStreamPresent && c.HasPermission && c.IsConnected && c.HasActiveTarget
}

// Phase is the session controller's state-machine phase.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePendingStart Phase = "pending_start"
	PhaseRecording    Phase = "recording"
)

// State is the observable controller state.
type State struct {
	Phase Phase  `json:"phase"`
	Error string `json:"error,omitempty"`
}

// Callbacks are invoked on recording lifecycle events. OnChunk is
// forwarded verbatim from the encoder.
type Callbacks struct {
	OnRecordingStarted func()
	OnRecordingStopped func()
	OnChunk            func(chunk []byte)
}

// Controller is the capture session state machine. Start, Stop and
// ConditionsChanged are its only mutators.
type Controller struct {
	factory     encoder.Factory
	audioStream func() *media.Stream
	timeslice   time.Duration
	encOpts     encoder.Options
	cb          Callbacks

	mu       sync.Mutex
	phase    Phase
	errMsg   string
	enc      encoder.Encoder
	disposed bool

	subs      map[int]func(State)
	nextSubID int
}

// New creates a session controller. audioStream returns the current
// audio-only stream; it is consulted each time recording begins.
func New(factory encoder.Factory, audioStream func() *media.Stream, timeslice time.Duration, opts encoder.Options, cb Callbacks) *Controller {
	return &Controller{
		factory:     factory,
		audioStream: audioStream,
		timeslice:   timeslice,
		encOpts:     opts,
		cb:          cb,
		phase:       PhaseIdle,
		subs:        make(map[int]func(State)),
	}
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Phase: c.phase, Error: c.errMsg}
}

// OnStateChange subscribes to state snapshots.
func (c *Controller) OnStateChange(fn func(State)) func() {
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

func (c *Controller) broadcast() {
	c.mu.Lock()
	st := State{Phase: c.phase, Error: c.errMsg}
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Start evaluates the conditions and either begins recording, parks in
// PendingStart awaiting connectivity, or stays Idle.
func (c *Controller) Start(ctx Conditions) {
	c.mu.Lock()
	if c.disposed || c.phase != PhaseIdle {
		c.mu.Unlock()
		return
	}

	switch {
	case ctx.satisfied():
		c.enterRecordingLocked()
	case !ctx.HasActiveTarget:
		// Nothing to record against; silent no-op.
	case !ctx.HasPermission || !ctx.AudioStreamPresent:
		c.errMsg = "Cannot start recording: microphone permission or audio stream is missing"
	default:
		// Only connectivity is missing; record as soon as it returns.
		c.phase = PhasePendingStart
		c.errMsg = ""
		slog.Info("Recording pending, waiting for connection")
	}
	c.mu.Unlock()
	c.broadcast()
}

// Stop ends a running recording. Stopping from PendingStart returns to
// Idle without firing the stop callback, since recording never began.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	switch c.phase {
	case PhaseRecording:
		c.leaveRecordingLocked()
	case PhasePendingStart:
		c.phase = PhaseIdle
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.broadcast()
}

// ConditionsChanged re-evaluates the preconditions.
func (c *Controller) ConditionsChanged(ctx Conditions) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	switch c.phase {
	case PhasePendingStart:
		if ctx.satisfied() {
			c.enterRecordingLocked()
		} else if !ctx.HasPermission || !ctx.HasActiveTarget || !ctx.AudioStreamPresent {
			// The wait is over without recording ever starting; no
			// stop callback fires.
			c.phase = PhaseIdle
			slog.Info("Pending recording abandoned, preconditions lost")
		}
	case PhaseRecording:
		if !ctx.HasPermission || !ctx.AudioStreamPresent {
			slog.Info("Preconditions lost while recording, auto-stopping")
			c.leaveRecordingLocked()
		}
	}
	c.mu.Unlock()
	c.broadcast()
}

// Dispose performs the equivalent of Stop but suppresses the stop
// callback when recording never began.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	if c.phase == PhaseRecording {
		c.leaveRecordingLocked()
	}
	c.phase = PhaseIdle
	c.disposed = true
	c.subs = make(map[int]func(State))
	c.mu.Unlock()
}

// enterRecordingLocked starts the encoder against the current audio
// stream and forwards its chunks.
func (c *Controller) enterRecordingLocked() {
	stream := c.audioStream()
	enc, err := c.factory.New(stream, c.encOpts)
	if err != nil {
		c.phase = PhaseIdle
		c.errMsg = "Cannot start recording: " + err.Error()
		slog.Error("Failed to create encoder", "error", err)
		return
	}

	if c.cb.OnChunk != nil {
		enc.OnDataAvailable(c.cb.OnChunk)
	}
	enc.OnError(func(err error) {
		slog.Warn("Encoder error during recording", "error", err)
	})

	// The durable recorder must be listening before the first chunk.
	if c.cb.OnRecordingStarted != nil {
		c.cb.OnRecordingStarted()
	}

	if err := enc.Start(c.timeslice); err != nil {
		c.phase = PhaseIdle
		c.errMsg = "Cannot start recording: " + err.Error()
		if c.cb.OnRecordingStopped != nil {
			c.cb.OnRecordingStopped()
		}
		slog.Error("Failed to start encoder", "error", err)
		return
	}

	c.enc = enc
	c.phase = PhaseRecording
	c.errMsg = ""
	slog.Info("Recording started")
}

// leaveRecordingLocked stops the encoder and fires the stop callback.
func (c *Controller) leaveRecordingLocked() {
	if c.enc != nil {
		if err := c.enc.Stop(); err != nil {
			slog.Debug("Encoder stop failed", "error", err)
		}
		c.enc = nil
	}
	c.phase = PhaseIdle
	if c.cb.OnRecordingStopped != nil {
		c.cb.OnRecordingStopped()
	}
	slog.Info("Recording stopped")
}
