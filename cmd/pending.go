package cmd

import (
	"fmt"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/recorder"
	"github.com/audiolibrelab/meetcapture/internal/storage"

	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List recordings waiting for upload",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := openQueue()
		if err != nil {
			return err
		}
		defer rec.Dispose()

		pending := rec.PendingRecordings()
		if len(pending) == 0 {
			fmt.Println("No recordings waiting for upload.")
			return nil
		}

		fmt.Printf("📼 Pending recordings (%d):\n", len(pending))
		for _, p := range pending {
			fmt.Printf("  • %s  session=%s  chunks=%d  created=%s\n",
				p.RecordingID, p.SessionID, p.TotalChunks, p.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var pendingDiscardCmd = &cobra.Command{
	Use:   "discard <recording-id>",
	Short: "Discard one queued recording and its local bytes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := openQueue()
		if err != nil {
			return err
		}
		defer rec.Dispose()

		rec.RemovePendingRecording(args[0])
		fmt.Printf("Discarded %s\n", args[0])
		return nil
	},
}

var pendingResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every queued recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := openQueue()
		if err != nil {
			return err
		}
		defer rec.Dispose()

		rec.Reset()
		fmt.Println("All queued recordings deleted.")
		return nil
	},
}

// openQueue restores the durable queue without starting the full
// service; these commands never touch capture hardware.
func openQueue() (*recorder.LocalRecorder, error) {
	store, err := storage.NewSpoolStore(config.ExpandPath(cfg.Storage.Directory))
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	rec := recorder.New(store)
	if err := rec.Restore(); err != nil {
		return nil, err
	}
	return rec, nil
}

func init() {
	pendingCmd.AddCommand(pendingDiscardCmd)
	pendingCmd.AddCommand(pendingResetCmd)
}
