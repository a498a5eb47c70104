package cmd

import (
	"fmt"

	"github.com/audiolibrelab/meetcapture/internal/media"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available capture devices",
	Long:  `List the audio and video capture devices visible to the active backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices := media.NewDevices(cfg)

		infos, err := devices.Enumerate()
		if err != nil {
			return fmt.Errorf("failed to enumerate devices: %w", err)
		}

		fmt.Printf("🎙  Capture Devices (backend: %s)\n", cfg.Capture.Backend)
		fmt.Printf("═══════════════════════════════════════\n\n")

		audio, video := 0, 0
		for _, d := range infos {
			if d.Kind == media.DeviceAudioInput {
				audio++
			} else {
				video++
			}
		}

		fmt.Printf("📋 AUDIO INPUTS (%d found):\n", audio)
		for _, d := range infos {
			if d.Kind == media.DeviceAudioInput {
				fmt.Printf("  • %s (%s)\n", d.Label, d.ID)
			}
		}

		fmt.Printf("\n📋 VIDEO INPUTS (%d found):\n", video)
		for _, d := range infos {
			if d.Kind == media.DeviceVideoInput {
				fmt.Printf("  • %s (%s)\n", d.Label, d.ID)
			}
		}

		fmt.Printf("\n💡 Set capture.audio_device / capture.video_device in the config to pick one.\n")
		return nil
	},
}
