package cmd

import (
	"github.com/audiolibrelab/meetcapture/internal/server"
	"github.com/audiolibrelab/meetcapture/internal/service"

	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local control API",
	Long: `Serve starts the full capture service and exposes it over a local
JSON API, so a UI or scripts can drive permission, recording and
upload without restarting the process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		svc, err := service.New(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		return server.New(svc, cfg.Server.Port).Start()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "control API port (overrides config)")
}
