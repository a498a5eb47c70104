package upload

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/meetcapture/internal/recorder"
	"github.com/audiolibrelab/meetcapture/internal/storage"
)

// fakeQueue is a scriptable pending queue over a real spool store.
type fakeQueue struct {
	store storage.Store

	mu      sync.Mutex
	items   []recorder.PendingRecording
	removed []string
}

func (q *fakeQueue) PendingRecordings() []recorder.PendingRecording {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]recorder.PendingRecording(nil), q.items...)
}

func (q *fakeQueue) RemovePendingRecording(recordingID string) {
	q.mu.Lock()
	for i, p := range q.items {
		if p.RecordingID == recordingID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.removed = append(q.removed, recordingID)
	q.mu.Unlock()
	q.store.DeleteFile(recordingID)
}

func (q *fakeQueue) add(t *testing.T, recordingID, sessionID string, createdAt time.Time, data []byte) {
	t.Helper()
	w, err := q.store.CreateFile(recordingID)
	if err != nil {
		t.Fatalf("Failed to create spool file: %v", err)
	}
	w.Write(data)
	w.Close()
	q.mu.Lock()
	q.items = append(q.items, recorder.PendingRecording{
		RecordingID: recordingID,
		SessionID:   sessionID,
		TotalChunks: 1,
		CreatedAt:   createdAt,
	})
	q.mu.Unlock()
}

// fakeTransport records requests and delegates to a handler.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []Request
	handler func(ctx context.Context, req Request) (*Response, error)
}

func (t *fakeTransport) Do(ctx context.Context, req Request) (*Response, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	t.mu.Unlock()
	return t.handler(ctx, req)
}

func (t *fakeTransport) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func newTestQueue(t *testing.T) *fakeQueue {
	t.Helper()
	store, err := storage.NewSpoolStoreFs(afero.NewMemMapFs(), "/spool")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return &fakeQueue{store: store}
}

func ok(body string) func(context.Context, Request) (*Response, error) {
	return func(ctx context.Context, req Request) (*Response, error) {
		if req.OnProgress != nil {
			req.OnProgress(int64(len(req.Body)), int64(len(req.Body)))
		}
		return &Response{StatusCode: 200, Body: []byte(body)}, nil
	}
}

func TestUpload_DrainsOldestFirstAndDeletes(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now()
	// Inserted newest-first; the upload must still go oldest-first.
	q.add(t, "rec-new", "meeting-2", base.Add(time.Minute), []byte("newer"))
	q.add(t, "rec-old", "meeting-1", base, []byte("older"))

	tr := &fakeTransport{handler: ok(`{"audioUrl":"https://cdn.example/a.wav"}`)}
	c := New(tr, q.store, q, "http://localhost:8787", "audio/pcm")

	if err := c.Upload(); err != nil {
		t.Fatalf("Expected upload to succeed, got: %v", err)
	}

	if len(tr.calls) != 2 {
		t.Fatalf("Expected 2 uploads, got: %d", len(tr.calls))
	}
	if !strings.Contains(tr.calls[0].URL, "/api/meetings/meeting-1/audio") {
		t.Errorf("Expected oldest recording first, got URL: %s", tr.calls[0].URL)
	}
	if tr.calls[0].Headers["X-Session-Id"] != "meeting-1" {
		t.Errorf("Expected session header, got: %v", tr.calls[0].Headers)
	}
	if tr.calls[0].Headers["Content-Type"] != "audio/pcm" {
		t.Errorf("Expected content type header, got: %v", tr.calls[0].Headers)
	}

	if len(q.PendingRecordings()) != 0 {
		t.Error("Expected queue to be drained")
	}
	for _, id := range []string{"rec-old", "rec-new"} {
		if data, _ := q.store.GetFile(id); data != nil {
			t.Errorf("Expected %s bytes to be deleted after ack", id)
		}
	}

	st := c.State()
	if st.IsUploading {
		t.Error("Expected upload to be finished")
	}
	if st.Progress != 100 {
		t.Errorf("Expected progress 100, got: %f", st.Progress)
	}
	if st.UploadedCount != 2 || st.TotalCount != 2 {
		t.Errorf("Expected 2/2 uploaded, got: %d/%d", st.UploadedCount, st.TotalCount)
	}
	if st.LastUploadedSessionID != "meeting-2" {
		t.Errorf("Expected last session meeting-2, got: %s", st.LastUploadedSessionID)
	}
	if st.LastUploadedAudioURL != "https://cdn.example/a.wav" {
		t.Errorf("Expected parsed audio url, got: %s", st.LastUploadedAudioURL)
	}
}

func TestUpload_ServerErrorHaltsRun(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now()
	q.add(t, "rec-1", "meeting-1", base, []byte("first"))
	q.add(t, "rec-2", "meeting-2", base.Add(time.Second), []byte("second"))

	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req Request) (*Response, error) {
		if strings.Contains(req.URL, "meeting-2") {
			return &Response{StatusCode: 500}, nil
		}
		return &Response{StatusCode: 200}, nil
	}
	c := New(tr, q.store, q, "http://localhost:8787", "audio/pcm")

	err := c.Upload()
	if err == nil || !strings.Contains(err.Error(), "Upload failed") {
		t.Fatalf("Expected halting error, got: %v", err)
	}

	st := c.State()
	if st.UploadedCount != 1 || st.TotalCount != 2 {
		t.Errorf("Expected 1/2 uploaded, got: %d/%d", st.UploadedCount, st.TotalCount)
	}
	if !strings.Contains(st.Error, "Upload failed") {
		t.Errorf("Expected state error, got: %s", st.Error)
	}

	// The failed recording stays durable for a retry.
	if data, _ := q.store.GetFile("rec-2"); data == nil {
		t.Error("Expected failed recording bytes to survive")
	}
	if len(q.PendingRecordings()) != 1 {
		t.Errorf("Expected 1 recording still queued, got: %d", len(q.PendingRecordings()))
	}
}

func TestUpload_MissingBytesHaltsRun(t *testing.T) {
	q := newTestQueue(t)
	q.add(t, "rec-1", "meeting-1", time.Now(), []byte("audio"))
	q.store.DeleteFile("rec-1")

	tr := &fakeTransport{handler: ok("")}
	c := New(tr, q.store, q, "http://localhost:8787", "audio/pcm")

	err := c.Upload()
	if err == nil || !strings.Contains(err.Error(), "missing from local storage") {
		t.Fatalf("Expected missing-bytes error, got: %v", err)
	}
	if tr.callCount() != 0 {
		t.Error("Expected no transport call for missing bytes")
	}
}

func TestUpload_ProgressIsMonotone(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now()
	q.add(t, "rec-1", "meeting-1", base, make([]byte, 1000))
	q.add(t, "rec-2", "meeting-1", base.Add(time.Second), make([]byte, 10))

	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req Request) (*Response, error) {
		total := int64(len(req.Body))
		for _, sent := range []int64{total / 4, total / 2, total} {
			req.OnProgress(sent, total)
		}
		return &Response{StatusCode: 200}, nil
	}
	c := New(tr, q.store, q, "http://localhost:8787", "audio/pcm")

	var mu sync.Mutex
	var seen []float64
	c.OnStateChange(func(st State) {
		mu.Lock()
		seen = append(seen, st.Progress)
		mu.Unlock()
	})

	if err := c.Upload(); err != nil {
		t.Fatalf("Expected upload to succeed, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("Expected progress updates")
	}
	last := 0.0
	for _, p := range seen {
		if p < last {
			t.Fatalf("Expected monotone progress, saw %f after %f", p, last)
		}
		last = p
	}
	if last != 100 {
		t.Errorf("Expected final progress 100, got: %f", last)
	}
}

func TestUpload_ConcurrentCallIsNoOp(t *testing.T) {
	q := newTestQueue(t)
	q.add(t, "rec-1", "meeting-1", time.Now(), []byte("audio"))

	release := make(chan struct{})
	started := make(chan struct{})
	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req Request) (*Response, error) {
		close(started)
		<-release
		return &Response{StatusCode: 200}, nil
	}
	c := New(tr, q.store, q, "http://localhost:8787", "audio/pcm")

	done := make(chan error, 1)
	go func() { done <- c.Upload() }()
	<-started

	// Second call returns immediately without touching the transport.
	if err := c.Upload(); err != nil {
		t.Errorf("Expected concurrent Upload to be a no-op, got: %v", err)
	}
	if tr.callCount() != 1 {
		t.Errorf("Expected a single transport call, got: %d", tr.callCount())
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("Expected first upload to succeed, got: %v", err)
	}
}

func TestCancel_CleanIdleAndBytesIntact(t *testing.T) {
	q := newTestQueue(t)
	q.add(t, "rec-1", "meeting-1", time.Now(), []byte("audio"))

	started := make(chan struct{})
	tr := &fakeTransport{}
	tr.handler = func(ctx context.Context, req Request) (*Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := New(tr, q.store, q, "http://localhost:8787", "audio/pcm")

	done := make(chan error, 1)
	go func() { done <- c.Upload() }()
	<-started
	c.Cancel()

	if err := <-done; err != nil {
		t.Fatalf("Expected cancellation to be a clean outcome, got: %v", err)
	}

	st := c.State()
	if st.IsUploading {
		t.Error("Expected idle state after cancel")
	}
	if st.Error != "" {
		t.Errorf("Expected no error after cancel, got: %s", st.Error)
	}
	if data, _ := q.store.GetFile("rec-1"); data == nil {
		t.Error("Expected cancelled recording bytes to stay durable")
	}
	if len(q.PendingRecordings()) != 1 {
		t.Error("Expected cancelled recording to stay queued")
	}
}

func TestUpload_EmptyQueueIsNoOp(t *testing.T) {
	q := newTestQueue(t)
	tr := &fakeTransport{handler: ok("")}
	c := New(tr, q.store, q, "http://localhost:8787", "audio/pcm")

	if err := c.Upload(); err != nil {
		t.Errorf("Expected empty-queue upload to succeed, got: %v", err)
	}
	if tr.callCount() != 0 {
		t.Error("Expected no transport calls for an empty queue")
	}
}
