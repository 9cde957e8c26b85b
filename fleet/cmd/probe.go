package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <host>",
	Short: "run a single consensus probe against a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		srv, err := newServer()
		if err != nil {
			return err
		}
		defer stopServer(ctx, srv)

		checker, err := srv.HealthChecker(ctx)
		if err != nil {
			return err
		}
		verdict, err := checker.Check(ctx, args[0])
		if err != nil {
			return err
		}

		if verdict.Healthy {
			cmd.Printf("%s is healthy\n", verdict.Host)
			return nil
		}
		return fmt.Errorf("%s is unhealthy, failed nodes: %s", verdict.Host, strings.Join(verdict.Failed, ", "))
	},
}
