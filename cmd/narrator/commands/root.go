// Package commands implements the narrator CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-narrator/pkg/narrator"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "narrator",
		Short: "Narrator - spoken scene assistant",
		Long: `Narrator keeps a live voice conversation with a model that can see
through the camera, describes the surroundings and warns about obstacles.

Examples:
  narrator run
  narrator run --analysis --facing front
  narrator contacts add "Sam" "+1 555 0100" --category family
  narrator config set-key`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newContactsCmd(),
		newConfigCmd(),
		newDevicesCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable verbose debug output")

	return rootCmd
}

// loadConfig loads the file named by --config, or the first one found in
// the standard locations.
func loadConfig(cmd *cobra.Command) (*narrator.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = narrator.FindConfigFile()
	}
	cfg, err := narrator.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}
