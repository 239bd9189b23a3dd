package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the status command: session, queue depth, and
// local mirror usage. Works offline.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, queue, and local store status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// statusOutput is the machine-readable shape behind --json.
type statusOutput struct {
	SignedIn         bool    `json:"signed_in"`
	Email            string  `json:"email,omitempty"`
	Tenant           string  `json:"tenant,omitempty"`
	Pending          int     `json:"pending"`
	Keys             int     `json:"keys"`
	StoredBytes      int64   `json:"stored_bytes"`
	CapacityBytes    int64   `json:"capacity_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	a, err := buildApp(ctx, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Usage(ctx)
	if err != nil {
		return fmt.Errorf("reading store usage: %w", err)
	}

	out := statusOutput{
		Pending:          a.engine.Pending(),
		Keys:             stats.Keys,
		StoredBytes:      stats.StoredBytes,
		CapacityBytes:    stats.CapacityBytes,
		CompressionRatio: stats.CompressionRatio,
	}

	if s := a.tokens.Session(); s != nil {
		out.SignedIn = true
		out.Email = s.Email
		out.Tenant = s.TenantID
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	if out.SignedIn {
		fmt.Printf("Signed in as %s (tenant %s)\n", out.Email, out.Tenant)
	} else {
		fmt.Println("Not signed in")
	}

	fmt.Printf("Pending uploads: %d\n", out.Pending)
	fmt.Printf("Local mirror:    %d keys, %s of %s used (compression ratio %.2f)\n",
		out.Keys,
		formatSize(out.StoredBytes),
		formatSize(out.CapacityBytes),
		out.CompressionRatio,
	)

	return nil
}
