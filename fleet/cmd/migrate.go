package cmd

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/sshfleet/sshfleet/fleet/server/migration"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/util"
)

var (
	migrateReq    migration.Request
	migrateServer bool
	migrateFrom   string
	migrateTo     string

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "move the accounts of a domain to another domain or server, or every domain of a server",
		Example: `  sshfleet migrate --old-domain 3 --new-domain 7
  sshfleet migrate --old-domain 3 --new-server 10.0.0.9 --delete-old-users
  sshfleet migrate --server --from 10.0.0.1 --to 10.0.0.9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx = context.WithValue(ctx, util.SourceKey, util.MigrationSource)

			if migrateServer && (migrateFrom == "" || migrateTo == "") {
				return errors.New("--from and --to are required with --server")
			}
			if !migrateServer && migrateReq.OldDomainID == 0 {
				return errors.New("--old-domain is required")
			}

			srv, err := newServer()
			if err != nil {
				return err
			}
			defer stopServer(ctx, srv)

			coordinator, err := srv.MigrationCoordinator(ctx)
			if err != nil {
				return err
			}

			var out any
			if migrateServer {
				out, err = coordinator.MigrateServer(ctx, migrateFrom, migrateTo)
			} else {
				out, err = coordinator.Migrate(ctx, migrateReq)
			}
			if err != nil {
				if s, ok := status.FromError(err); ok && s.Type() == status.Inconsistent {
					detail, _ := json.MarshalIndent(s.Detail, "", "  ")
					cmd.PrintErrln(string(detail))
				}
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
)

func init() {
	migrateCmd.Flags().UintVar(&migrateReq.OldDomainID, "old-domain", 0, "id of the domain whose accounts are moved")
	migrateCmd.Flags().UintVar(&migrateReq.NewDomainID, "new-domain", 0, "id of the destination domain")
	migrateCmd.Flags().StringVar(&migrateReq.NewServerIP, "new-server", "", "ip of the destination server, the domain record follows the accounts")
	migrateCmd.Flags().BoolVar(&migrateReq.DeleteOldUsers, "delete-old-users", false, "delete the moved accounts from the source server")
	migrateCmd.Flags().BoolVar(&migrateReq.DisableOldDomain, "disable-old-domain", false, "disable the source domain after a domain move")
	migrateCmd.Flags().BoolVar(&migrateReq.DisableOldServer, "disable-old-server", false, "disable the source server after a server move")
	migrateCmd.Flags().BoolVar(&migrateServer, "server", false, "move every domain of --from to --to")
	migrateCmd.Flags().StringVar(&migrateFrom, "from", "", "source server ip, used with --server")
	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "destination server ip, used with --server")
}
