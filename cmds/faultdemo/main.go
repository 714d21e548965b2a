package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/safing/faultmgr/base/info"
	"github.com/safing/faultmgr/base/log"
	"github.com/safing/faultmgr/cmds/cmdbase"
)

var (
	rootCmd = &cobra.Command{
		Use:               "faultdemo",
		Short:             "Run units of work that fault and show which handler catches them.",
		PersistentPreRunE: initializeGlobals,
		SilenceUsage:      true,
	}

	logLevel string
)

func init() {
	// Add persistent flags for all commands.
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warning", "set log level to [trace|debug|info|warning|error|critical]")

	// Add commands.
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cmdbase.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initializeGlobals(cmd *cobra.Command, args []string) error {
	// Set name and license.
	info.Set("Fault Demo", "", "GPLv3")

	// Start logging.
	return log.Start(logLevel, nil)
}
