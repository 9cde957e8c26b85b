package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start the failover monitor, the replacement worker and the expiry reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		srv, err := newServer()
		if err != nil {
			return err
		}
		defer stopServer(ctx, srv)

		if err := srv.Run(ctx); err != nil {
			return err
		}
		log.WithContext(ctx).Info("fleet daemon stopped")
		return nil
	},
}
