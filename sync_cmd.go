package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/heyslab/heysync/internal/sync"
)

// drainTimeout bounds how long one-shot commands wait for queued
// uploads to reach the server.
const drainTimeout = 30 * time.Second

var flagSyncFull bool

// newSyncCmd creates the sync command: one reconcile pass plus a drain
// of the upload queues.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconcile pass and drain the upload queue",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	}

	cmd.Flags().BoolVar(&flagSyncFull, "full", false, "bypass change detection and fetch everything")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := buildApp(ctx, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.signedIn() {
		return errors.New("not signed in; run `heysync login` first")
	}

	if err := a.engine.FullSync(ctx, sync.FullSyncOpts{Force: flagSyncFull}); err != nil {
		return err
	}

	a.engine.Flush(ctx)

	if !a.engine.WaitForDrained(ctx, drainTimeout) {
		return fmt.Errorf("upload queue did not drain: %d writes still pending", a.engine.Pending())
	}

	statusf("Sync complete.\n")

	return nil
}
