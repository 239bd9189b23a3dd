// Package sync implements the offline-first synchronization engine: a
// write-through local mirror with a persistent upload queue, a
// download reconciler with conflict merging, and a session manager
// driving the offline/online lifecycle.
package sync

import (
	"context"
	"encoding/json"

	"github.com/heyslab/heysync/internal/remote"
)

// RemoteAPI is the engine's view of the cloud KV store. Satisfied by
// *remote.Client; defined here per Go convention "accept interfaces,
// return structs".
type RemoteAPI interface {
	SelectAll(ctx context.Context) ([]remote.Row, error)
	SelectKeys(ctx context.Context, keys []string) ([]remote.Row, error)
	Sample(ctx context.Context, n int) ([]remote.KeyStamp, error)
	Upsert(ctx context.Context, rows []remote.Row) error
	Delete(ctx context.Context, keys []string) error
	Health(ctx context.Context) error
}

// PendingWrite is one queued upload. Logical is the remote-facing key
// (tenant prefix stripped); LocalKey is where the mirror copy lives.
type PendingWrite struct {
	LocalKey  string          `json:"local_key"`
	Logical   string          `json:"k"`
	Value     json.RawMessage `json:"v"`
	Delete    bool            `json:"delete,omitempty"`
	UpdatedAt int64           `json:"updated_at"` // client clock, unix ms
	Category  string          `json:"category"`
	Retries   int             `json:"retries,omitempty"`
}

// embeddedUpdatedAt extracts the record's own updatedAt field from a
// raw JSON value. Returns 0 for non-objects and records without one.
func embeddedUpdatedAt(raw json.RawMessage) int64 {
	var probe struct {
		UpdatedAt int64 `json:"updatedAt"`
	}

	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}

	return probe.UpdatedAt
}
