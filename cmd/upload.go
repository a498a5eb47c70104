package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/storage"
	"github.com/audiolibrelab/meetcapture/internal/upload"

	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload queued recordings to the server",
	Long: `Upload drains the pending queue oldest-first. Local bytes are only
deleted after the server confirms each recording. A failure stops the
run; the remaining recordings stay queued for a retry. Press Ctrl+C
to cancel cleanly.`,
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

		store, err := storage.NewSpoolStore(config.ExpandPath(cfg.Storage.Directory))
		if err != nil {
			return fmt.Errorf("failed to open spool: %w", err)
		}

		ctl := upload.New(upload.NewHTTPTransport(), store, rec, cfg.Server.BaseURL, cfg.Capture.MimeType)
		defer ctl.Dispose()

		ctl.OnStateChange(func(st upload.State) {
			if st.IsUploading {
				fmt.Printf("\r⬆  Uploading %d/%d (%.0f%%)", st.UploadedCount, st.TotalCount, st.Progress)
			}
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nCancelling upload...")
			ctl.Cancel()
		}()

		if err := ctl.Upload(); err != nil {
			fmt.Println()
			return err
		}

		st := ctl.State()
		fmt.Printf("\n✅ Uploaded %d of %d recording(s)\n", st.UploadedCount, st.TotalCount)
		return nil
	},
}
