// Package cli provides the command-line interface for gribsync.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abelbrown/gribsync/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "gribsync",
	Short: "Keep a local cache of the newest weather model forecast files",
	Long: `gribsync follows the hourly cycles of a rolling forecast product and
downloads, for every forecast hour, the file from the freshest cycle that is
already published, cut down to the regions, fields and levels you ask for.

Old files are evicted from the cache once they pass the configured age.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("config file (default $%s or %s)", config.EnvPath, config.DefaultPath))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config selected by --config and the environment.
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gribsync %s\n", Version)
	},
}
