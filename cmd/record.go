package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/meetcapture/internal/service"
	"github.com/audiolibrelab/meetcapture/internal/session"

	"github.com/spf13/cobra"
)

var recordUploadAfter bool

var recordCmd = &cobra.Command{
	Use:   "record <session-id>",
	Short: "Record meeting audio until interrupted",
	Long: `Record captures microphone audio for the given meeting session,
spooling every chunk to durable local storage. Press Ctrl+C to stop.

The finished recording is queued for upload; pass --upload to drain
the queue immediately after stopping.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		if !svc.RequestPermission() {
			st := svc.Status()
			return fmt.Errorf("failed to acquire capture devices: %s", st.Capture.Error)
		}

		svc.SetActiveTarget(args[0])
		svc.StartRecording()

		st := svc.Status()
		if st.Session.Error != "" {
			return fmt.Errorf("%s", st.Session.Error)
		}
		if st.Session.Phase == session.PhasePendingStart {
			fmt.Println("⏳ Waiting for server connectivity, recording will start automatically...")
		} else {
			fmt.Printf("🔴 Recording session %s, press Ctrl+C to stop\n", args[0])
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		svc.StopRecording()

		final := svc.Status()
		fmt.Printf("⏹  Recording stopped, %d recording(s) queued\n", final.Recorder.PendingCount)

		if recordUploadAfter {
			fmt.Println("⬆  Uploading queued recordings...")
			if err := svc.UploadPending(); err != nil {
				return err
			}
			fmt.Println("✅ Upload complete")
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().BoolVar(&recordUploadAfter, "upload", false, "upload queued recordings after stopping")
}
