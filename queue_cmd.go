package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var flagQueueRetry bool

// newQueueCmd creates the queue command: list the writes waiting to
// upload, optionally pushing them now.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued uploads",
		Args:  cobra.NoArgs,
		RunE:  runQueue,
	}

	cmd.Flags().BoolVar(&flagQueueRetry, "retry", false, "attempt to upload queued writes now")

	return cmd
}

func runQueue(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := buildApp(ctx, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	writes := a.engine.PendingWrites()

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(writes); err != nil {
			return err
		}
	} else if len(writes) == 0 {
		statusf("Queue is empty.\n")
	} else {
		for _, w := range writes {
			op := "put"
			if w.Delete {
				op = "delete"
			}

			fmt.Printf("%-7s %-10s %-30s %s\n",
				op,
				w.Category,
				w.Logical,
				time.UnixMilli(w.UpdatedAt).Format(time.RFC3339),
			)
		}
	}

	if !flagQueueRetry || len(writes) == 0 {
		return nil
	}

	if !a.signedIn() {
		return errors.New("not signed in; run `heysync login` first")
	}

	a.engine.Flush(ctx)

	if !a.engine.WaitForDrained(ctx, drainTimeout) {
		return fmt.Errorf("upload incomplete: %d writes still pending", a.engine.Pending())
	}

	statusf("Queue drained.\n")

	return nil
}
