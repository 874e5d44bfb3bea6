// internal/cli/version.go
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at link time
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pybundle version %s\n", Version)
		fmt.Fprintln(cmd.OutOrStdout(), "Embedded Python runtime bundler")
		fmt.Fprintln(cmd.OutOrStdout(), "https://github.com/arc-language/pybundle")
	},
}
