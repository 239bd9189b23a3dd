package main

import (
	"github.com/spf13/cobra"
)

// newLogoutCmd creates the logout command: end the session and clear
// the engine's local namespace. The server copy is untouched.
func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear synchronized local data",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := buildApp(ctx, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.signedIn() {
		statusf("Not signed in.\n")
		return nil
	}

	if err := a.engine.EndSession(ctx); err != nil {
		return err
	}

	a.tokens.SetSession(nil)

	statusf("Signed out. Local data cleared.\n")

	return nil
}
