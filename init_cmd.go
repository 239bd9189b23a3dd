package main

import (
	"github.com/spf13/cobra"

	"github.com/heyslab/heysync/internal/config"
)

// newInitCmd creates the init command: write a commented default config
// file for the user to edit. Skips the usual config load because init
// is exactly what you run before a valid config exists.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			path := flagConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}

			if err := config.WriteDefault(path); err != nil {
				return err
			}

			statusf("Wrote %s\n", path)

			return nil
		},
	}
}
