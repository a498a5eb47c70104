package recorder

import (
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/audiolibrelab/meetcapture/internal/storage"
)

func newTestStore(t *testing.T) *storage.SpoolStore {
	t.Helper()
	store, err := storage.NewSpoolStoreFs(afero.NewMemMapFs(), "/spool")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store
}

func TestStartStopCycles_QueueContents(t *testing.T) {
	store := newTestStore(t)
	r := New(store)

	// First attempt: two 100-byte chunks.
	if err := r.Start("meeting-1"); err != nil {
		t.Fatalf("Expected Start to succeed, got: %v", err)
	}
	r.WriteChunk(make([]byte, 100))
	r.WriteChunk(make([]byte, 100))
	r.Stop()

	// Second attempt: one 50-byte chunk.
	if err := r.Start("meeting-1"); err != nil {
		t.Fatalf("Expected second Start to succeed, got: %v", err)
	}
	r.WriteChunk(make([]byte, 50))
	r.Stop()

	pending := r.PendingRecordings()
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending recordings, got: %d", len(pending))
	}
	if pending[0].TotalChunks != 2 {
		t.Errorf("Expected first attempt to have 2 chunks, got: %d", pending[0].TotalChunks)
	}
	if pending[1].TotalChunks != 1 {
		t.Errorf("Expected second attempt to have 1 chunk, got: %d", pending[1].TotalChunks)
	}
	if pending[0].RecordingID == pending[1].RecordingID {
		t.Error("Expected distinct recording ids per attempt")
	}
	if pending[0].CreatedAt.After(pending[1].CreatedAt) {
		t.Error("Expected queue in creation order")
	}

	// Bytes are durable.
	data, err := store.GetFile(pending[0].RecordingID)
	if err != nil {
		t.Fatalf("Expected stored bytes, got: %v", err)
	}
	if len(data) != 200 {
		t.Errorf("Expected 200 durable bytes for first attempt, got: %d", len(data))
	}
}

func TestStop_ZeroChunksDiscarded(t *testing.T) {
	store := newTestStore(t)
	r := New(store)

	if err := r.Start("meeting-1"); err != nil {
		t.Fatalf("Expected Start to succeed, got: %v", err)
	}
	st := r.State()
	recordingID := st.RecordingID
	r.Stop()

	if len(r.PendingRecordings()) != 0 {
		t.Error("Expected no pending entry for a zero-chunk recording")
	}
	data, err := store.GetFile(recordingID)
	if err != nil {
		t.Fatalf("Unexpected store error: %v", err)
	}
	if data != nil {
		t.Error("Expected empty recording file to be deleted")
	}
}

func TestStart_NoOpWhileRecording(t *testing.T) {
	store := newTestStore(t)
	r := New(store)

	if err := r.Start("meeting-1"); err != nil {
		t.Fatalf("Expected Start to succeed, got: %v", err)
	}
	first := r.State().RecordingID

	if err := r.Start("meeting-2"); err != nil {
		t.Errorf("Expected second Start to be a no-op, got: %v", err)
	}
	if r.State().RecordingID != first {
		t.Error("Expected recording id to be unchanged by the second Start")
	}
	r.Stop()
}

// failingWriterStore fails every write but creates files fine.
type failingWriterStore struct {
	storage.Store
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, fmt.Errorf("disk full") }
func (failingWriter) Close() error                { return nil }

func (s *failingWriterStore) CreateFile(key string) (storage.Writer, error) {
	if key == "pending.yaml" {
		return s.Store.CreateFile(key)
	}
	return failingWriter{}, nil
}

func TestWriteChunk_FailureIsBestEffort(t *testing.T) {
	store := newTestStore(t)
	r := New(&failingWriterStore{Store: store})

	if err := r.Start("meeting-1"); err != nil {
		t.Fatalf("Expected Start to succeed, got: %v", err)
	}
	r.WriteChunk([]byte("lost"))

	st := r.State()
	if !st.IsRecording {
		t.Error("Expected recording to continue after a failed write")
	}
	if st.ChunkCount != 0 {
		t.Errorf("Expected failed write not to count, got: %d", st.ChunkCount)
	}
	if !strings.Contains(st.Error, "failed to write chunk") {
		t.Errorf("Expected recorded write error, got: %s", st.Error)
	}
	r.Stop()

	// No successful chunk, so nothing is queued.
	if len(r.PendingRecordings()) != 0 {
		t.Error("Expected no pending entry when every write failed")
	}
}

func TestRemovePendingRecording(t *testing.T) {
	store := newTestStore(t)
	r := New(store)

	r.Start("meeting-1")
	r.WriteChunk([]byte("audio"))
	r.Stop()

	pending := r.PendingRecordings()
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending recording, got: %d", len(pending))
	}

	r.RemovePendingRecording(pending[0].RecordingID)

	if len(r.PendingRecordings()) != 0 {
		t.Error("Expected queue to be empty after removal")
	}
	data, _ := store.GetFile(pending[0].RecordingID)
	if data != nil {
		t.Error("Expected recording bytes to be deleted")
	}

	// Removing an unknown id is a no-op.
	r.RemovePendingRecording("no-such-recording")
}

func TestReset_WipesEverything(t *testing.T) {
	store := newTestStore(t)
	r := New(store)

	r.Start("meeting-1")
	r.WriteChunk([]byte("one"))
	r.Stop()
	r.Start("meeting-2")
	r.WriteChunk([]byte("in flight"))

	r.Reset()

	if len(r.PendingRecordings()) != 0 {
		t.Error("Expected empty queue after reset")
	}
	st := r.State()
	if st.IsRecording {
		t.Error("Expected no in-flight recording after reset")
	}

	keys, err := store.ListKeys()
	if err != nil {
		t.Fatalf("Unexpected list error: %v", err)
	}
	for _, key := range keys {
		if key != "pending.yaml" {
			t.Errorf("Expected spool to contain only the manifest, found: %s", key)
		}
	}
}

func TestRestore_RebuildsQueueAcrossInstances(t *testing.T) {
	store := newTestStore(t)

	r1 := New(store)
	r1.Start("meeting-1")
	r1.WriteChunk([]byte("first"))
	r1.Stop()
	r1.Start("meeting-1")
	r1.WriteChunk([]byte("second"))
	r1.Stop()
	pending := r1.PendingRecordings()
	r1.Dispose()

	// Simulate losing the bytes of one entry.
	if err := store.DeleteFile(pending[1].RecordingID); err != nil {
		t.Fatalf("Failed to delete recording: %v", err)
	}

	r2 := New(store)
	if err := r2.Restore(); err != nil {
		t.Fatalf("Expected Restore to succeed, got: %v", err)
	}

	restored := r2.PendingRecordings()
	if len(restored) != 1 {
		t.Fatalf("Expected 1 restored recording, got: %d", len(restored))
	}
	if restored[0].RecordingID != pending[0].RecordingID {
		t.Errorf("Expected %s to survive the restart, got: %s", pending[0].RecordingID, restored[0].RecordingID)
	}
}

func TestDispose_PreservesDurableQueue(t *testing.T) {
	store := newTestStore(t)
	r := New(store)

	r.Start("meeting-1")
	r.WriteChunk([]byte("audio"))
	r.Stop()
	pending := r.PendingRecordings()

	r.Dispose()

	// Bytes and manifest stay durable.
	data, err := store.GetFile(pending[0].RecordingID)
	if err != nil || data == nil {
		t.Errorf("Expected durable bytes to survive Dispose, got data=%v err=%v", data, err)
	}
	manifest, err := store.GetFile("pending.yaml")
	if err != nil || manifest == nil {
		t.Error("Expected manifest to survive Dispose")
	}

	if err := r.Start("meeting-2"); err == nil {
		t.Error("Expected Start on a disposed recorder to fail")
	}
}
