package media

import (
	"strings"

	"github.com/audiolibrelab/meetcapture/internal/config"
)

// BackendType identifies a device/stream acquisition backend.
type BackendType string

const (
	BackendPipeWire BackendType = "pipewire"
	BackendPion     BackendType = "pion"
	BackendAuto     BackendType = "auto"
)

// NewDevices creates the devices backend selected by the configuration.
func NewDevices(cfg *config.Config) Devices {
	switch determineBackend(cfg) {
	case BackendPion:
		return NewPionDevices(cfg.Capture.SampleRate, cfg.Capture.Channels)
	default:
		return NewPipeWireDevices(cfg.Capture.SampleRate, cfg.Capture.Channels)
	}
}

// determineBackend resolves the configured backend name, preferring
// PipeWire when set to auto.
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Capture.Backend) {
	case "pion":
		return BackendPion
	case "pipewire":
		return BackendPipeWire
	case "auto":
		pw := NewPipeWireDevices(cfg.Capture.SampleRate, cfg.Capture.Channels)
		if pw.HasUserMedia() {
			return BackendPipeWire
		}
		return BackendPion
	}
	return BackendPipeWire
}

// AvailableBackends returns the backends usable on this system.
func AvailableBackends(cfg *config.Config) []BackendType {
	var backends []BackendType
	if NewPipeWireDevices(cfg.Capture.SampleRate, cfg.Capture.Channels).HasUserMedia() {
		backends = append(backends, BackendPipeWire)
	}
	backends = append(backends, BackendPion)
	return backends
}
