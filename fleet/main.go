package main

import (
	"fmt"
	"os"

	"github.com/sshfleet/sshfleet/fleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cmd.ExitSetupFailed)
	}
}
