// internal/cli/build.go
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arc-language/pybundle"
)

var (
	stateCompleted = color.New(color.FgGreen).SprintFunc()
	stateCached    = color.New(color.FgCyan).SprintFunc()
	stateSkipped   = color.New(color.FgYellow).SprintFunc()
	stateFailed    = color.New(color.FgRed).SprintFunc()
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the whole bundling pipeline",
	Long: `Fetch the runtime, resolve packages, stage, clean, archive and inject.

Tasks whose inputs have not changed since the last run are reported as cached.
With JITPACK (or any configured restricted_env marker) set, every task that
needs the network is skipped.

Examples:
  pybundle build
  pybundle build --config app/pybundle.yaml --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTasks(cmd.OutOrStdout(), nil)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <task...>",
	Short: "Run the given tasks and their dependencies",
	Long: `Run a subset of the pipeline. Dependencies of the named tasks run first.

Tasks: fetch, resolve, stage, clean, archive, inject

Examples:
  pybundle run resolve
  pybundle run archive`,
	Args:      cobra.MinimumNArgs(1),
	ValidArgs: []string{pybundle.TaskFetch, pybundle.TaskResolve, pybundle.TaskStage, pybundle.TaskClean, pybundle.TaskArchive, pybundle.TaskInject},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTasks(cmd.OutOrStdout(), args)
	},
}

func runTasks(out io.Writer, targets []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b, err := newBundler()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Runtime: %s (%s)\n", b.Runtime(), b.Profile())

	report, err := b.Build(ctx, targets...)
	if report != nil {
		printReport(out, report)
	}
	if err != nil {
		var te *pybundle.TaskError
		if errors.As(err, &te) {
			fmt.Fprintf(out, "%s %s: %v\n", stateFailed("✗"), te.Task, te.Err)
		}
		return err
	}

	if info, statErr := os.Stat(config.Archive.Output); statErr == nil {
		fmt.Fprintf(out, "Archive: %s (%s)\n", config.Archive.Output, humanize.Bytes(uint64(info.Size())))
	}
	if config.Inject.Artifact != "" {
		if info, statErr := os.Stat(config.Inject.Artifact); statErr == nil {
			fmt.Fprintf(out, "Artifact: %s (%s)\n", config.Inject.Artifact, humanize.Bytes(uint64(info.Size())))
		}
	}
	return nil
}

func printReport(out io.Writer, report *pybundle.Report) {
	for _, res := range report.Results {
		var mark string
		switch res.State {
		case pybundle.StateCompleted:
			mark = stateCompleted("✓ completed")
		case pybundle.StateCached:
			mark = stateCached("● cached")
		case pybundle.StateSkipped:
			mark = stateSkipped("- skipped")
		default:
			mark = stateFailed("✗ failed")
		}
		fmt.Fprintf(out, "  %-8s %s %s\n", res.Task, mark, res.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "%d completed, %d cached, %d skipped in %s\n",
		report.Count(pybundle.StateCompleted),
		report.Count(pybundle.StateCached),
		report.Count(pybundle.StateSkipped),
		report.Duration.Round(time.Millisecond))
}
