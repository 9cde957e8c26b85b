package cmd

import (
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "run a single expiry reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		srv, err := newServer()
		if err != nil {
			return err
		}
		defer stopServer(ctx, srv)

		rec, err := srv.Reconciler(ctx)
		if err != nil {
			return err
		}
		return rec.RunOnce(ctx)
	},
}
