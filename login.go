package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var flagPassword string

// newLoginCmd creates the login command: exchange credentials for a
// session, then bootstrap the local mirror from the server.
func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in and bootstrap the local mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&flagPassword, "password", "", "password (read from stdin when omitted)")

	return cmd
}

func runLogin(cmd *cobra.Command, email string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	password := flagPassword
	if password == "" {
		statusf("Password: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		password = strings.TrimSpace(line)
	}

	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	a, err := buildApp(ctx, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.auth.SignIn(ctx, email, password)
	if err != nil {
		return err
	}

	// Not every auth backend echoes the email back.
	if session.Email == "" {
		session.Email = email
	}

	a.tokens.SetSession(session)

	statusf("Signed in as %s. Running initial sync...\n", email)

	if err := a.engine.StartSession(ctx, session.TenantID); err != nil {
		return err
	}

	if pending := a.engine.Pending(); pending > 0 {
		statusf("Done. %d writes still queued; they upload on the next sync.\n", pending)
	} else {
		statusf("Done.\n")
	}

	return nil
}
