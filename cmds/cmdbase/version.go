package cmdbase

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/safing/faultmgr/base/info"
)

// VersionCmd prints the version and build metadata.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and related metadata.",
	RunE:  Version,
}

// Version prints the full version.
func Version(cmd *cobra.Command, args []string) error {
	_, err := fmt.Fprintln(cmd.OutOrStdout(), info.FullVersion())
	return err
}
