// Package server exposes the local JSON control API over HTTP.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/audiolibrelab/meetcapture/internal/media"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

// Server is the local control API for a running MeetCapture instance.
type Server struct {
	svc  service.Service
	port int
	mux  *http.ServeMux
}

// GenericResponse is the envelope for mutation endpoints.
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DevicesResponse lists the capture devices of the active backend.
type DevicesResponse struct {
	Devices []media.DeviceInfo `json:"devices"`
}

// SourceRequest switches the capture source.
type SourceRequest struct {
	SourceType string `json:"source_type"`
	HotSwap    bool   `json:"hot_swap"`
}

// RecordStartRequest optionally binds the recording to a meeting.
type RecordStartRequest struct {
	SessionID string `json:"session_id"`
}

// New creates a control server over the given service.
func New(svc service.Service, port int) *Server {
	s := &Server{svc: svc, port: port, mux: http.NewServeMux()}

	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/devices", s.handleDevices)
	s.mux.HandleFunc("/api/permission", s.handlePermission)
	s.mux.HandleFunc("/api/source", s.handleSource)
	s.mux.HandleFunc("/api/record/start", s.handleRecordStart)
	s.mux.HandleFunc("/api/record/stop", s.handleRecordStop)
	s.mux.HandleFunc("/api/pending", s.handlePending)
	s.mux.HandleFunc("/api/pending/", s.handlePendingItem)
	s.mux.HandleFunc("/api/upload", s.handleUpload)
	s.mux.HandleFunc("/api/upload/cancel", s.handleUploadCancel)

	return s
}

// Handler returns the API handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks serving the control API.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("Starting control API", "addr", addr, "url", fmt.Sprintf("http://localhost:%d", s.port))
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GenericResponse{Success: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	devices, err := s.svc.ListDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to enumerate devices: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: devices})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !s.svc.RequestPermission() {
		st := s.svc.Status()
		writeJSON(w, http.StatusOK, GenericResponse{Success: false, Error: st.Capture.Error})
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Permission granted"})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req SourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	sourceType := media.SourceType(req.SourceType)
	if sourceType != media.SourceCamera && sourceType != media.SourceScreen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown source type: %s", req.SourceType))
		return
	}

	if req.HotSwap {
		if !s.svc.SwitchVideoSource(sourceType) {
			writeJSON(w, http.StatusOK, GenericResponse{Success: false, Error: "Video hot swap failed"})
			return
		}
	} else {
		s.svc.SwitchSourceType(sourceType)
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: fmt.Sprintf("Source switched to %s", sourceType)})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req RecordStartRequest
	if r.Body != nil {
		// An empty or absent body keeps the current target.
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.SessionID != "" {
		s.svc.SetActiveTarget(req.SessionID)
	}
	s.svc.StartRecording()
	writeJSON(w, http.StatusOK, s.svc.Status().Session)
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	s.svc.StopRecording()
	writeJSON(w, http.StatusOK, s.svc.Status().Session)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	pending := s.svc.PendingRecordings()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending":     pending,
		"total_count": len(pending),
	})
}

func (s *Server) handlePendingItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	recordingID := strings.TrimPrefix(r.URL.Path, "/api/pending/")
	if recordingID == "" {
		writeError(w, http.StatusBadRequest, "Recording id is required")
		return
	}
	s.svc.DiscardPendingRecording(recordingID)
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording discarded"})
}

// handleUpload kicks off an upload run and returns immediately; poll
// /api/status for progress.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	go func() {
		if err := s.svc.UploadPending(); err != nil {
			slog.Error("Upload run failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, GenericResponse{Success: true, Message: "Upload started"})
}

func (s *Server) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	s.svc.CancelUpload()
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Upload cancelled"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, GenericResponse{Success: false, Error: message})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
