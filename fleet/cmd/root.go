package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sshfleet/sshfleet/fleet/server"
	"github.com/sshfleet/sshfleet/util"
)

const (
	// ExitSetupFailed defines exit code
	ExitSetupFailed = 1

	defaultConfig = "/etc/sshfleet/sshfleet.json"
)

var (
	configPath string
	logLevel   string
	logFile    string

	rootCmd = &cobra.Command{
		Use:           "sshfleet",
		Short:         "SSH fleet orchestration",
		Long:          "Places, migrates and expires SSH accounts across a fleet of servers and replaces unhealthy servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.SetFlagsFromEnvVars(cmd)
			return util.InitLog(logLevel, logFile)
		},
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "sshfleet config file location")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", util.LogConsole, "sets sshfleet log path. If console is specified the log will be output to stdout")

	rootCmd.AddCommand(runCmd, reconcileCmd, syncCmd, migrateCmd, probeCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), util.SourceKey, util.SystemSource))
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			log.WithContext(ctx).Infof("received %s, stopping", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigs)
	}()
	return ctx, cancel
}

// newServer loads and validates the config and creates the component builder
func newServer() (*server.BaseServer, error) {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return server.NewServer(config), nil
}

func stopServer(ctx context.Context, srv *server.BaseServer) {
	if err := srv.Stop(context.WithoutCancel(ctx)); err != nil {
		log.WithContext(ctx).Warnf("failed to release resources: %v", err)
	}
}
