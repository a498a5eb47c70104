package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/media"
	"github.com/audiolibrelab/meetcapture/internal/recorder"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

// fakeService records calls and serves canned state.
type fakeService struct {
	mu           sync.Mutex
	calls        []string
	permission   bool
	hotSwapOK    bool
	devices      []media.DeviceInfo
	pending      []recorder.PendingRecording
	activeTarget string
	uploadErr    error
}

func (f *fakeService) note(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeService) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeService) RequestPermission() bool { f.note("permission"); return f.permission }
func (f *fakeService) SetAudioDevice(string)   { f.note("audio-device") }
func (f *fakeService) SetVideoDevice(string)   { f.note("video-device") }
func (f *fakeService) SwitchSourceType(t media.SourceType) {
	f.note("switch:" + string(t))
}
func (f *fakeService) SwitchVideoSource(t media.SourceType) bool {
	f.note("hotswap:" + string(t))
	return f.hotSwapOK
}
func (f *fakeService) ListDevices() ([]media.DeviceInfo, error) { return f.devices, nil }
func (f *fakeService) SetActiveTarget(sessionID string) {
	f.note("target:" + sessionID)
	f.activeTarget = sessionID
}
func (f *fakeService) ClearActiveTarget() { f.note("clear-target") }
func (f *fakeService) StartRecording()    { f.note("start") }
func (f *fakeService) StopRecording()     { f.note("stop") }
func (f *fakeService) PendingRecordings() []recorder.PendingRecording {
	return f.pending
}
func (f *fakeService) DiscardPendingRecording(recordingID string) {
	f.note("discard:" + recordingID)
}
func (f *fakeService) Reset()               { f.note("reset") }
func (f *fakeService) UploadPending() error { f.note("upload"); return f.uploadErr }
func (f *fakeService) CancelUpload()        { f.note("cancel-upload") }
func (f *fakeService) Status() service.Status {
	return service.Status{Backend: "pipewire", ActiveTarget: f.activeTarget}
}
func (f *fakeService) GetConfig() *config.Config { return config.Default() }
func (f *fakeService) Close()                    {}

func newTestServer(f *fakeService) *httptest.Server {
	return httptest.NewServer(New(f, 0).Handler())
}

func TestStatusEndpoint(t *testing.T) {
	f := &fakeService{}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got: %d", resp.StatusCode)
	}
	var st service.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if st.Backend != "pipewire" {
		t.Errorf("Expected backend in status, got: %s", st.Backend)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	f := &fakeService{devices: []media.DeviceInfo{
		{ID: "mic-1", Kind: media.DeviceAudioInput, Label: "Microphone"},
	}}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var out DevicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode devices: %v", err)
	}
	if len(out.Devices) != 1 || out.Devices[0].ID != "mic-1" {
		t.Errorf("Expected one device, got: %v", out.Devices)
	}
}

func TestRecordStart_SetsTargetFirst(t *testing.T) {
	f := &fakeService{}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/record/start", "application/json",
		strings.NewReader(`{"session_id":"meeting-42"}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if !f.called("target:meeting-42") {
		t.Error("Expected target to be set")
	}
	if !f.called("start") {
		t.Error("Expected recording to start")
	}
}

func TestRecordStop(t *testing.T) {
	f := &fakeService{}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/record/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if !f.called("stop") {
		t.Error("Expected recording to stop")
	}
}

func TestSourceSwitch_HotSwapFailureReported(t *testing.T) {
	f := &fakeService{hotSwapOK: false}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/source", "application/json",
		strings.NewReader(`{"source_type":"screen","hot_swap":true}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var out GenericResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Success {
		t.Error("Expected hot swap failure to be reported")
	}
	if !f.called("hotswap:screen") {
		t.Error("Expected hot swap to be attempted")
	}
}

func TestSourceSwitch_RejectsUnknownType(t *testing.T) {
	f := &fakeService{}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/source", "application/json",
		strings.NewReader(`{"source_type":"hologram"}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown source type, got: %d", resp.StatusCode)
	}
}

func TestPendingList(t *testing.T) {
	f := &fakeService{pending: []recorder.PendingRecording{
		{RecordingID: "rec-1", SessionID: "meeting-1", TotalChunks: 3, CreatedAt: time.Now()},
	}}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/pending")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Pending    []recorder.PendingRecording `json:"pending"`
		TotalCount int                         `json:"total_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode pending: %v", err)
	}
	if out.TotalCount != 1 || out.Pending[0].RecordingID != "rec-1" {
		t.Errorf("Expected queued recording in response, got: %+v", out)
	}
}

func TestPendingDelete(t *testing.T) {
	f := &fakeService{}
	ts := newTestServer(f)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/pending/rec-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if !f.called("discard:rec-1") {
		t.Error("Expected recording to be discarded")
	}
}

func TestUpload_ReturnsAccepted(t *testing.T) {
	f := &fakeService{}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/upload", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected 202, got: %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := &fakeService{}
	ts := newTestServer(f)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got: %d", resp.StatusCode)
	}
}
