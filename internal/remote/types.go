package remote

import "encoding/json"

// Row is one stored record on the remote KV table. Keys are logical
// (tenant scoping lives in the row's ownership, not the key text), but
// historic rows may still carry scoped or double-scoped keys; the
// reconciler normalizes them on ingest.
type Row struct {
	Key             string          `json:"k"`
	Value           json.RawMessage `json:"v"`
	UpdatedAt       int64           `json:"updated_at,omitempty"`        // client clock, unix ms
	ServerUpdatedAt int64           `json:"server_updated_at,omitempty"` // server clock, unix ms
}

// KeyStamp is the lightweight change-detection projection: key plus
// server timestamp, no value payload.
type KeyStamp struct {
	Key             string `json:"k"`
	ServerUpdatedAt int64  `json:"server_updated_at"`
}

// Session is an authenticated session as issued by the auth endpoint.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TenantID     string `json:"tenant_id"`
	Email        string `json:"email,omitempty"`
}

// ChangeEvent is one realtime notification from the change channel.
type ChangeEvent struct {
	TenantID string `json:"tenant_id"`
	Key      string `json:"k"`
}
