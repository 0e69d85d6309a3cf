package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"streetview-harvest/internal/config"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and manage the settings file",
	}
	cmd.AddCommand(newSettingsInitCmd())
	cmd.AddCommand(newSettingsShowCmd())
	return cmd
}

func newSettingsInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(flagSettings); err == nil {
					return fmt.Errorf("settings file %s already exists, use --force to overwrite", flagSettings)
				}
			}
			settings := config.DefaultSettings()
			if err := config.SaveSettings(flagSettings, settings); err != nil {
				return err
			}
			log.Info().Str("path", flagSettings).Msg("Settings file written")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings after defaults are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(flagSettings)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(settings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
