// internal/cli/root.go
package cli

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/arc-language/pybundle"
	"github.com/arc-language/pybundle/internal/logging"
	"github.com/arc-language/pybundle/pkg/core"
)

var (
	cfgFile  string
	logLevel string
	force    bool
	config   *core.Config
	logger   logr.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pybundle",
	Short: "Embedded Python runtime bundler",
	Long: `pybundle - Embedded Python runtime bundler

Downloads an embeddable CPython distribution and the wheels a project needs,
stages them into a runnable tree, archives it and injects the archive plus
native libraries into the final artifact.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+core.DefaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "ignore recorded fingerprints and rerun every task")

	// Add commands
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() error {
	var err error
	config, err = core.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Override config with flags
	if logLevel != "" {
		config.LogLevel = logLevel
	}

	logger, err = logging.NewWithWriter(config.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	return nil
}

func newBundler() (*pybundle.Bundler, error) {
	return pybundle.New(config, pybundle.WithLogger(logger), pybundle.WithForce(force))
}
