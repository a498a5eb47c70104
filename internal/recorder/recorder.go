// Package recorder makes every chunk of a recording attempt durable
// before it can be lost to a crash, reload or network outage.
package recorder

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/meetcapture/internal/storage"
)

// manifestKey is the spool key holding the pending-recordings queue,
// so the queue itself survives a process restart.
const manifestKey = "pending.yaml"

// PendingRecording is a completed, locally durable recording attempt
// awaiting upload.
type PendingRecording struct {
	RecordingID string    `yaml:"recording_id" json:"recording_id"`
	SessionID   string    `yaml:"session_id" json:"session_id"`
	TotalChunks int       `yaml:"total_chunks" json:"total_chunks"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
}

// State is the observable recorder state.
type State struct {
	IsRecording  bool   `json:"is_recording"`
	RecordingID  string `json:"recording_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	ChunkCount   int    `json:"chunk_count"`
	PendingCount int    `json:"pending_count"`
	Error        string `json:"error,omitempty"`
}

// LocalRecorder streams incoming chunks into a durable spool file per
// recording attempt and queues completed attempts for upload.
type LocalRecorder struct {
	store storage.Store

	mu          sync.Mutex
	recording   bool
	recordingID string
	sessionID   string
	chunkCount  int
	writer      storage.Writer
	pending     []PendingRecording
	lastErr     string
	disposed    bool

	subs      map[int]func(State)
	nextSubID int
}

// New creates a recorder over the given durable store.
func New(store storage.Store) *LocalRecorder {
	return &LocalRecorder{
		store: store,
		subs:  make(map[int]func(State)),
	}
}

// State returns a snapshot of the recorder state.
func (r *LocalRecorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *LocalRecorder) stateLocked() State {
	return State{
		IsRecording:  r.recording,
		RecordingID:  r.recordingID,
		SessionID:    r.sessionID,
		ChunkCount:   r.chunkCount,
		PendingCount: len(r.pending),
		Error:        r.lastErr,
	}
}

// OnStateChange subscribes to state snapshots.
func (r *LocalRecorder) OnStateChange(fn func(State)) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *LocalRecorder) broadcast() {
	r.mu.Lock()
	st := r.stateLocked()
	fns := make([]func(State), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// newRecordingID disambiguates multiple attempts for one session.
func newRecordingID(sessionID string) string {
	clean := strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			return c
		}
		return '_'
	}, sessionID)
	return fmt.Sprintf("%s-%d-%04x", clean, time.Now().UnixMilli(), rand.Intn(0x10000))
}

// Start opens a durable writer for a fresh recording attempt. It is a
// no-op when already recording. A storage creation failure aborts the
// attempt.
func (r *LocalRecorder) Start(sessionID string) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return fmt.Errorf("recorder is disposed")
	}
	if r.recording {
		r.mu.Unlock()
		return nil
	}

	recordingID := newRecordingID(sessionID)
	writer, err := r.store.CreateFile(recordingID)
	if err != nil {
		r.lastErr = fmt.Sprintf("failed to create local recording: %v", err)
		r.mu.Unlock()
		r.broadcast()
		return fmt.Errorf("failed to create local recording: %w", err)
	}

	r.recording = true
	r.recordingID = recordingID
	r.sessionID = sessionID
	r.chunkCount = 0
	r.writer = writer
	r.lastErr = ""
	r.mu.Unlock()
	r.broadcast()

	slog.Info("Local recording started", "recording_id", recordingID, "session_id", sessionID)
	return nil
}

// WriteChunk appends one chunk to the open recording. Write failures
// are recorded but do not stop the recording; losing one chunk must
// not abort an otherwise-successful capture.
func (r *LocalRecorder) WriteChunk(chunk []byte) {
	r.mu.Lock()
	if !r.recording || len(chunk) == 0 {
		r.mu.Unlock()
		return
	}

	if _, err := r.writer.Write(chunk); err != nil {
		r.lastErr = fmt.Sprintf("failed to write chunk: %v", err)
		r.mu.Unlock()
		r.broadcast()
		slog.Warn("Chunk write failed, continuing recording", "recording_id", r.recordingID, "error", err)
		return
	}

	r.chunkCount++
	r.mu.Unlock()
}

// Stop closes the writer and, if at least one chunk was written,
// appends the attempt to the pending queue. A zero-chunk recording is
// discarded.
func (r *LocalRecorder) Stop() {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}

	if err := r.writer.Close(); err != nil {
		// Swallowed: the recording is still queued if chunks exist.
		slog.Debug("Failed to close recording writer", "recording_id", r.recordingID, "error", err)
	}

	recordingID := r.recordingID
	sessionID := r.sessionID
	chunks := r.chunkCount

	r.recording = false
	r.writer = nil
	r.recordingID = ""
	r.sessionID = ""
	r.chunkCount = 0

	if chunks > 0 {
		r.pending = append(r.pending, PendingRecording{
			RecordingID: recordingID,
			SessionID:   sessionID,
			TotalChunks: chunks,
			CreatedAt:   time.Now(),
		})
		r.saveManifestLocked()
		r.mu.Unlock()
		r.broadcast()
		slog.Info("Recording queued for upload", "recording_id", recordingID, "chunks", chunks)
		return
	}
	r.mu.Unlock()

	// Nothing to upload; drop the empty spool file.
	if err := r.store.DeleteFile(recordingID); err != nil {
		slog.Debug("Failed to delete empty recording", "recording_id", recordingID, "error", err)
	}
	r.broadcast()
	slog.Debug("Discarded empty recording attempt", "recording_id", recordingID)
}

// PendingRecordings returns the queued attempts in creation order.
func (r *LocalRecorder) PendingRecordings() []PendingRecording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PendingRecording(nil), r.pending...)
}

// RemovePendingRecording removes exactly one queue entry by id and
// best-effort deletes its bytes.
func (r *LocalRecorder) RemovePendingRecording(recordingID string) {
	r.mu.Lock()
	found := false
	for i, p := range r.pending {
		if p.RecordingID == recordingID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			found = true
			break
		}
	}
	if found {
		r.saveManifestLocked()
	}
	r.mu.Unlock()

	if !found {
		return
	}
	if err := r.store.DeleteFile(recordingID); err != nil {
		slog.Debug("Failed to delete recording bytes", "recording_id", recordingID, "error", err)
	}
	r.broadcast()
}

// Reset best-effort deletes all durable state: every pending entry and
// any in-flight recording.
func (r *LocalRecorder) Reset() {
	r.mu.Lock()
	var keys []string
	for _, p := range r.pending {
		keys = append(keys, p.RecordingID)
	}
	if r.recording {
		keys = append(keys, r.recordingID)
		if r.writer != nil {
			r.writer.Close()
		}
	}
	r.recording = false
	r.writer = nil
	r.recordingID = ""
	r.sessionID = ""
	r.chunkCount = 0
	r.pending = nil
	r.lastErr = ""
	r.saveManifestLocked()
	r.mu.Unlock()

	for _, key := range keys {
		if err := r.store.DeleteFile(key); err != nil {
			slog.Debug("Failed to delete recording during reset", "recording_id", key, "error", err)
		}
	}
	r.broadcast()
}

// Dispose closes any open writer and clears transient state. Queued
// recordings stay in durable storage for a later session to restore.
func (r *LocalRecorder) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	if r.writer != nil {
		r.writer.Close()
	}
	r.recording = false
	r.writer = nil
	r.recordingID = ""
	r.sessionID = ""
	r.chunkCount = 0
	r.disposed = true
	r.subs = make(map[int]func(State))
	r.mu.Unlock()
}

// Restore rebuilds the pending queue from the durable manifest,
// dropping entries whose bytes no longer exist. Call once on startup.
func (r *LocalRecorder) Restore() error {
	data, err := r.store.GetFile(manifestKey)
	if err != nil {
		return fmt.Errorf("failed to read pending manifest: %w", err)
	}
	var pending []PendingRecording
	if data != nil {
		if err := yaml.Unmarshal(data, &pending); err != nil {
			return fmt.Errorf("failed to parse pending manifest: %w", err)
		}
	}

	keys, err := r.store.ListKeys()
	if err != nil {
		return fmt.Errorf("failed to list spool: %w", err)
	}
	present := make(map[string]bool, len(keys))
	for _, key := range keys {
		present[key] = true
	}

	var restored []PendingRecording
	for _, p := range pending {
		if present[p.RecordingID] {
			restored = append(restored, p)
			delete(present, p.RecordingID)
		} else {
			slog.Warn("Dropping queued recording with missing bytes", "recording_id", p.RecordingID)
		}
	}
	sort.Slice(restored, func(i, j int) bool {
		return restored[i].CreatedAt.Before(restored[j].CreatedAt)
	})

	delete(present, manifestKey)
	for key := range present {
		slog.Warn("Spool contains recording bytes with no queue entry", "key", key)
	}

	r.mu.Lock()
	r.pending = restored
	r.saveManifestLocked()
	r.mu.Unlock()
	r.broadcast()

	slog.Info("Pending queue restored", "count", len(restored))
	return nil
}

// saveManifestLocked persists the queue. Failures are logged only; the
// audio bytes themselves are already durable.
func (r *LocalRecorder) saveManifestLocked() {
	data, err := yaml.Marshal(r.pending)
	if err != nil {
		slog.Warn("Failed to encode pending manifest", "error", err)
		return
	}
	w, err := r.store.CreateFile(manifestKey)
	if err != nil {
		slog.Warn("Failed to write pending manifest", "error", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		slog.Warn("Failed to write pending manifest", "error", err)
	}
	if err := w.Close(); err != nil {
		slog.Warn("Failed to close pending manifest", "error", err)
	}
}
