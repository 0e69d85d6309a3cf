package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"streetview-harvest/internal/logging"
)

var (
	flagSettings string
	flagLogLevel string
	flagPretty   bool
)

// NewRootCmd builds the harvester CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streetview-harvest",
		Short: "Bulk street view panorama downloader with resumable progress",
		Long: `streetview-harvest resolves each coordinate in a points CSV to a street
view panorama, downloads its tile grid under a rate limit, stitches the tiles
into one image per point, and records every outcome so an interrupted run can
be resumed without redoing completed work.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			_, err := logging.Setup(logging.Config{
				Level:  flagLogLevel,
				Pretty: flagPretty,
			})
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&flagSettings, "settings", "settings.json", "path to the settings file")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flagPretty, "pretty", true, "human-readable console logging")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSettingsCmd())

	return cmd
}
