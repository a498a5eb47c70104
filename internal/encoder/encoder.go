// Package encoder turns a live audio stream into timed binary chunks,
// the shape expected by the durable local recorder.
package encoder

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/media"
)

// Options configures an encoder instance.
type Options struct {
	MimeType   string
	SampleRate int
	Channels   int
}

// Encoder emits timed chunks from a live audio stream. Handlers must
// be registered before Start.
type Encoder interface {
	// Start begins emitting a chunk every timeslice.
	Start(timeslice time.Duration) error
	// Stop flushes the remaining buffer, emits it and fires OnStop.
	Stop() error
	// Pause suspends chunk emission without releasing the stream.
	Pause() error
	// Resume continues emission after Pause.
	Resume() error

	OnDataAvailable(fn func(chunk []byte))
	OnStop(fn func())
	OnError(fn func(err error))
}

// Factory creates encoders over live streams.
type Factory interface {
	New(stream *media.Stream, opts Options) (Encoder, error)
	IsTypeSupported(mimeType string) bool
}

// ChunkFactory is the default Factory, producing PCM chunk encoders.
type ChunkFactory struct{}

// NewFactory returns the default encoder factory.
func NewFactory() *ChunkFactory {
	return &ChunkFactory{}
}

// IsTypeSupported probes whether a MIME type can be produced.
func (f *ChunkFactory) IsTypeSupported(mimeType string) bool {
	base := mimeType
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		base = mimeType[:idx]
	}
	switch strings.TrimSpace(strings.ToLower(base)) {
	case "audio/pcm", "audio/l16", "audio/wav":
		return true
	}
	return false
}

// New creates an encoder over the first readable audio track of the
// stream.
func (f *ChunkFactory) New(stream *media.Stream, opts Options) (Encoder, error) {
	if stream == nil {
		return nil, fmt.Errorf("no stream to encode")
	}
	if opts.MimeType != "" && !f.IsTypeSupported(opts.MimeType) {
		return nil, fmt.Errorf("unsupported mime type: %s", opts.MimeType)
	}

	for _, t := range stream.AudioTracks() {
		if at, ok := t.(media.AudioTrack); ok {
			return &chunkEncoder{track: at, opts: opts}, nil
		}
	}
	return nil, fmt.Errorf("stream has no readable audio track")
}

// chunkEncoder buffers raw track bytes and flushes them on a ticker.
type chunkEncoder struct {
	track media.AudioTrack
	opts  Options

	mu      sync.Mutex
	started bool
	stopped bool
	paused  bool
	buf     []byte
	reader  io.ReadCloser

	onData  func([]byte)
	onStop  func()
	onError func(error)

	stopCh     chan struct{}
	readDone   chan struct{}
	tickerDone chan struct{}
}

func (e *chunkEncoder) OnDataAvailable(fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onData = fn
}

func (e *chunkEncoder) OnStop(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStop = fn
}

func (e *chunkEncoder) OnError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

func (e *chunkEncoder) Start(timeslice time.Duration) error {
	if timeslice <= 0 {
		return fmt.Errorf("timeslice must be positive, got: %s", timeslice)
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("encoder already started")
	}
	reader, err := e.track.NewByteReader()
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to open audio reader: %w", err)
	}
	e.reader = reader
	e.started = true
	e.stopCh = make(chan struct{})
	e.readDone = make(chan struct{})
	e.tickerDone = make(chan struct{})
	e.mu.Unlock()

	go e.readLoop(reader)
	go e.tickLoop(timeslice)

	slog.Debug("Chunk encoder started", "track", e.track.ID(), "timeslice", timeslice)
	return nil
}

func (e *chunkEncoder) readLoop(reader io.Reader) {
	defer close(e.readDone)

	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			e.mu.Lock()
			if !e.paused && !e.stopped {
				e.buf = append(e.buf, chunk[:n]...)
			}
			e.mu.Unlock()
		}
		if err != nil {
			e.mu.Lock()
			stopped := e.stopped
			fn := e.onError
			e.mu.Unlock()
			if !stopped && err != io.EOF && fn != nil {
				fn(err)
			}
			return
		}
	}
}

func (e *chunkEncoder) tickLoop(timeslice time.Duration) {
	defer close(e.tickerDone)

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

// flush emits the buffered bytes as one chunk.
func (e *chunkEncoder) flush() {
	e.mu.Lock()
	if e.paused || len(e.buf) == 0 {
		e.mu.Unlock()
		return
	}
	chunk := e.buf
	e.buf = nil
	fn := e.onData
	e.mu.Unlock()

	if fn != nil {
		fn(chunk)
	}
}

func (e *chunkEncoder) Stop() error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	reader := e.reader
	e.mu.Unlock()

	close(e.stopCh)
	<-e.tickerDone
	if reader != nil {
		reader.Close()
	}
	<-e.readDone

	// Emit whatever is still buffered so the tail of the recording is
	// not lost.
	e.flush()

	e.mu.Lock()
	fn := e.onStop
	e.mu.Unlock()
	if fn != nil {
		fn()
	}

	slog.Debug("Chunk encoder stopped", "track", e.track.ID())
	return nil
}

func (e *chunkEncoder) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return fmt.Errorf("encoder is not running")
	}
	e.paused = true
	return nil
}

func (e *chunkEncoder) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return fmt.Errorf("encoder is not running")
	}
	e.paused = false
	return nil
}
