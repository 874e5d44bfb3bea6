// internal/cli/graph.go
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var graphDot bool

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Show the task graph",
	Long:  `Print the pipeline tasks grouped by level, or as Graphviz with --dot.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBundler()
		if err != nil {
			return err
		}
		g, err := b.Graph()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if graphDot {
			fmt.Fprintln(out, "digraph pybundle {")
			for _, e := range g.Edges() {
				fmt.Fprintf(out, "  %q -> %q;\n", e.From, e.To)
			}
			fmt.Fprintln(out, "}")
			return nil
		}

		for i, level := range g.Levels() {
			fmt.Fprintf(out, "level %d: %s\n", i+1, strings.Join(level, ", "))
		}
		return nil
	},
}

func init() {
	graphCmd.Flags().BoolVar(&graphDot, "dot", false, "print Graphviz dot")
}
