package cmd

import (
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "repair drift between the store and the accounts on every enabled server, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		srv, err := newServer()
		if err != nil {
			return err
		}
		defer stopServer(ctx, srv)

		syncer, err := srv.Syncer(ctx)
		if err != nil {
			return err
		}
		return syncer.RunOnce(ctx)
	},
}
