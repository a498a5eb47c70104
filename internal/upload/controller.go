package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/audiolibrelab/meetcapture/internal/recorder"
	"github.com/audiolibrelab/meetcapture/internal/storage"
)

// transferShare is how much of an item's progress slot the byte
// transfer fills; the remainder covers server bookkeeping and the
// local delete.
const transferShare = 0.95

// Queue is the durable pending-recordings queue the controller drains.
type Queue interface {
	PendingRecordings() []recorder.PendingRecording
	RemovePendingRecording(recordingID string)
}

// State is the observable upload state.
type State struct {
	IsUploading           bool    `json:"is_uploading"`
	Progress              float64 `json:"progress"`
	Error                 string  `json:"error,omitempty"`
	UploadedCount         int     `json:"uploaded_count"`
	TotalCount            int     `json:"total_count"`
	LastUploadedSessionID string  `json:"last_uploaded_session_id,omitempty"`
	LastUploadedAudioURL  string  `json:"last_uploaded_audio_url,omitempty"`
}

// Controller uploads queued recordings sequentially, oldest first. A
// failure halts the run and leaves the remaining recordings durable
// for a retry.
type Controller struct {
	transport Transport
	store     storage.Store
	queue     Queue
	baseURL   string
	mimeType  string

	mu        sync.Mutex
	uploading bool
	cancel    context.CancelFunc
	state     State
	disposed  bool

	subs      map[int]func(State)
	nextSubID int
}

// New creates an upload controller. baseURL is the backend root, e.g.
// http://localhost:8787.
func New(transport Transport, store storage.Store, queue Queue, baseURL, mimeType string) *Controller {
	return &Controller{
		transport: transport,
		store:     store,
		queue:     queue,
		baseURL:   baseURL,
		mimeType:  mimeType,
		subs:      make(map[int]func(State)),
	}
}

// State returns a snapshot of the upload state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
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
	st := c.state
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Upload drains the pending queue and blocks until it finishes, fails
// or is cancelled. A call while an upload is running is a no-op.
func (c *Controller) Upload() error {
	c.mu.Lock()
	if c.disposed || c.uploading {
		c.mu.Unlock()
		return nil
	}

	pending := c.queue.PendingRecordings()
	if len(pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.uploading = true
	c.cancel = cancel
	c.state = State{IsUploading: true, TotalCount: len(pending)}
	c.mu.Unlock()
	c.broadcast()

	err := c.run(ctx, pending)

	c.mu.Lock()
	c.uploading = false
	c.cancel = nil
	cancel()
	c.state.IsUploading = false
	if err == nil && c.state.UploadedCount == c.state.TotalCount {
		c.state.Progress = 100
	}
	c.mu.Unlock()
	c.broadcast()
	return err
}

func (c *Controller) run(ctx context.Context, pending []recorder.PendingRecording) error {
	total := len(pending)
	for i, p := range pending {
		if ctx.Err() != nil {
			c.noteCancelled()
			return nil
		}

		data, err := c.store.GetFile(p.RecordingID)
		if err != nil || data == nil {
			msg := fmt.Sprintf("Upload failed: recording %s is missing from local storage", p.RecordingID)
			c.failRun(msg)
			return errors.New(msg)
		}

		req := Request{
			URL:  fmt.Sprintf("%s/api/meetings/%s/audio", c.baseURL, p.SessionID),
			Body: data,
			Headers: map[string]string{
				"Content-Type": c.mimeType,
				"X-Session-Id": p.SessionID,
			},
			OnProgress: func(sentBytes, totalBytes int64) {
				c.noteTransferProgress(i, total, sentBytes, totalBytes)
			},
		}

		resp, err := c.transport.Do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation is a clean outcome; the bytes stay queued.
				c.noteCancelled()
				return nil
			}
			msg := fmt.Sprintf("Upload failed: %v", err)
			c.failRun(msg)
			return errors.New(msg)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg := fmt.Sprintf("Upload failed: server returned %d", resp.StatusCode)
			c.failRun(msg)
			return errors.New(msg)
		}

		// The server holds the bytes now; only then drop the local copy.
		c.queue.RemovePendingRecording(p.RecordingID)
		c.noteItemComplete(i, total, p.SessionID, parseAudioURL(resp.Body))
		slog.Info("Recording uploaded", "recording_id", p.RecordingID, "session_id", p.SessionID)
	}
	return nil
}

// Cancel aborts a running upload. The current item's bytes stay in
// local storage and the controller returns to a clean idle state.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Dispose cancels any running upload and drops subscribers.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	cancel := c.cancel
	c.subs = make(map[int]func(State))
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// noteTransferProgress blends per-item byte progress into the overall
// percentage. The transfer fills at most transferShare of the item's
// slot; the slot completes only when the item is confirmed, so the
// figure never moves backwards.
func (c *Controller) noteTransferProgress(index, total int, sentBytes, totalBytes int64) {
	if total == 0 || totalBytes == 0 {
		return
	}
	slot := 100.0 / float64(total)
	p := float64(index)*slot + (float64(sentBytes)/float64(totalBytes))*transferShare*slot

	c.mu.Lock()
	if p > c.state.Progress {
		c.state.Progress = p
	}
	c.mu.Unlock()
	c.broadcast()
}

func (c *Controller) noteItemComplete(index, total int, sessionID, audioURL string) {
	c.mu.Lock()
	c.state.UploadedCount = index + 1
	c.state.LastUploadedSessionID = sessionID
	if audioURL != "" {
		c.state.LastUploadedAudioURL = audioURL
	}
	p := float64(index+1) * 100.0 / float64(total)
	if p > c.state.Progress {
		c.state.Progress = p
	}
	c.mu.Unlock()
	c.broadcast()
}

func (c *Controller) failRun(msg string) {
	c.mu.Lock()
	c.state.Error = msg
	c.mu.Unlock()
	c.broadcast()
	slog.Error("Upload run halted", "error", msg)
}

func (c *Controller) noteCancelled() {
	c.mu.Lock()
	c.state.Error = ""
	c.mu.Unlock()
	slog.Info("Upload cancelled")
}

// parseAudioURL extracts the optional audioUrl field from an upload
// response body.
func parseAudioURL(body []byte) string {
	var resp struct {
		AudioURL string `json:"audioUrl"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.AudioURL
}
