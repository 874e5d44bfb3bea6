// internal/cli/init.go
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arc-language/pybundle/pkg/core"
	"github.com/arc-language/pybundle/pkg/platform"
)

var (
	initVersion  string
	initPlatform string
	initMode     string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write pybundle.yaml (or the --config path) with default settings.

Examples:
  pybundle init
  pybundle init --runtime 3.12.4 --mode install`,
	Args:              cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = core.DefaultConfigFile
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := core.DefaultConfig()
		cfg.Runtime.Version = initVersion
		cfg.Runtime.Platform = initPlatform
		cfg.Resolver.Mode = initMode
		cfg.Staging.Bootstrap = "main.py"
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := core.SaveConfig(cfg, path); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
		return nil
	},
}

func init() {
	defaults := core.DefaultConfig()
	initCmd.Flags().StringVar(&initVersion, "runtime", defaults.Runtime.Version, "CPython version to embed")
	initCmd.Flags().StringVar(&initPlatform, "platform", platform.DefaultTarget(), "wheel platform tag")
	initCmd.Flags().StringVar(&initMode, "mode", defaults.Resolver.Mode, "resolver mode: download or install")
}
