// internal/cli/inspect.go
package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/arc-language/pybundle/pkg/archive"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "List the entries of a runtime archive or artifact",
	Long: `List every entry of a zip, tar.xz or tar.zst archive with its mode and size.

Examples:
  pybundle inspect build/generated/resources/python_dist.zip`,
	Args: cobra.ExactArgs(1),
	// Works without a config file
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := archive.List(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		var total int64
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Mode, humanize.Bytes(uint64(e.Size)), e.Path)
			total += e.Size
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s entries, %s uncompressed\n", humanize.Comma(int64(len(entries))), humanize.Bytes(uint64(total)))
		return nil
	},
}
