// Package keykind provides type-safe classification of local storage keys.
// Every key entering the sync engine is parsed exactly once into a Key
// carrying its kind, owning tenant, and logical suffix as structured fields,
// replacing ad-hoc string matching at each decision point.
//
// Key grammar (historic, from the web client's localStorage layout):
//
//	heys_<suffix>                   global key (e.g. heys_clients)
//	heys_<tenant-uuid>_<suffix>     tenant-scoped key
//	dayv2_<date>                    legacy unscoped day key
//
// This is a leaf package with no dependencies beyond the uuid parser.
package keykind

import (
	"strings"

	"github.com/google/uuid"
)

// enginePrefix is the namespace prefix for all recognized keys.
const enginePrefix = "heys_"

// legacyDayPrefix matches unscoped day keys written by old clients.
const legacyDayPrefix = "dayv2_"

// Kind is the tagged classification of a storage key.
type Kind int

// Key kinds, ordered roughly by sync traffic volume.
const (
	KindUnknown Kind = iota
	KindDay
	KindProducts
	KindProfile
	KindNorms
	KindHRZones
	KindGame
	KindWidgetLayout
	KindClients
	KindAuthSecret
	KindBackup
	KindQueue // engine-internal queue persistence keys
	KindOther // recognized namespace, no specific kind
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindDay:
		return "day"
	case KindProducts:
		return "products"
	case KindProfile:
		return "profile"
	case KindNorms:
		return "norms"
	case KindHRZones:
		return "hr_zones"
	case KindGame:
		return "game"
	case KindWidgetLayout:
		return "widget_layout"
	case KindClients:
		return "clients"
	case KindAuthSecret:
		return "auth_secret"
	case KindBackup:
		return "backup"
	case KindQueue:
		return "queue"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Key is a parsed storage key. The zero value is an unknown key.
type Key struct {
	Kind     Kind
	TenantID string // empty for global and unscoped keys
	Suffix   string // logical suffix after prefix and tenant (e.g. "dayv2_2025-01-10")
	raw      string
}

// Reserved suffixes that must never leave the local store.
const (
	authSecretSuffix = "auth_session"
	queueSuffix      = "pending_queue"
	legacyQueueSufix = "pending_queue_legacy"
	syncLogSuffix    = "sync_log"
)

// Parse classifies a raw storage key. It never fails: unrecognizable keys
// come back with Kind == KindUnknown and are simply not sync-eligible.
func Parse(raw string) Key {
	if strings.HasPrefix(raw, legacyDayPrefix) {
		return Key{Kind: KindDay, Suffix: raw, raw: raw}
	}

	if !strings.HasPrefix(raw, enginePrefix) {
		// Remote rows address records by bare logical key ("products",
		// "norms"). Recognize the known suffixes so they scope back onto
		// the engine namespace; arbitrary unprefixed keys stay unknown.
		if kind := classifySuffix(raw); kind != KindOther {
			return Key{Kind: kind, Suffix: raw, raw: raw}
		}

		return Key{Kind: KindUnknown, raw: raw}
	}

	rest := raw[len(enginePrefix):]

	// Tenant-scoped form: heys_<uuid>_<suffix>. UUIDs are 36 characters and
	// contain no underscores, so a fixed-width probe is unambiguous.
	const uuidLen = 36
	if len(rest) > uuidLen+1 && rest[uuidLen] == '_' {
		if _, err := uuid.Parse(rest[:uuidLen]); err == nil {
			tenant := rest[:uuidLen]
			suffix := rest[uuidLen+1:]

			return Key{
				Kind:     classifySuffix(suffix),
				TenantID: tenant,
				Suffix:   suffix,
				raw:      raw,
			}
		}
	}

	return Key{Kind: classifySuffix(rest), Suffix: rest, raw: raw}
}

// classifySuffix maps a logical suffix to its kind.
func classifySuffix(suffix string) Kind {
	switch {
	case strings.HasPrefix(suffix, legacyDayPrefix):
		return KindDay
	case suffix == "products":
		return KindProducts
	case suffix == "profile":
		return KindProfile
	case suffix == "norms":
		return KindNorms
	case suffix == "hr_zones":
		return KindHRZones
	case suffix == "game":
		return KindGame
	case suffix == "widget_layout_v1":
		return KindWidgetLayout
	case suffix == "clients" || suffix == "client_current":
		return KindClients
	case suffix == authSecretSuffix:
		return KindAuthSecret
	case suffix == queueSuffix || suffix == legacyQueueSufix || suffix == syncLogSuffix:
		return KindQueue
	case strings.HasSuffix(suffix, "_backup") || strings.HasPrefix(suffix, "backup_"):
		return KindBackup
	default:
		return KindOther
	}
}

// String returns the raw key.
func (k Key) String() string {
	return k.raw
}

// Logical returns the tenant-prefix-stripped identifier used to address the
// record on the remote store. For unknown keys it returns the raw key.
func (k Key) Logical() string {
	if k.Suffix != "" {
		return k.Suffix
	}

	return k.raw
}

// Local returns the tenant-scoped local storage key for this logical key.
// Global keys land under the engine prefix; unknown keys pass through.
func (k Key) Local(tenantID string) string {
	if tenantID == "" || !k.TenantScoped() {
		if k.Kind != KindUnknown &&
			!strings.HasPrefix(k.raw, enginePrefix) &&
			!strings.HasPrefix(k.raw, legacyDayPrefix) {
			return enginePrefix + k.Suffix
		}

		return k.raw
	}

	return enginePrefix + tenantID + "_" + k.Logical()
}

// SyncEligible reports whether writes to this key should be mirrored to the
// remote store. Secrets, backups, engine-internal keys, and unrecognized
// namespaces never leave the device.
func (k Key) SyncEligible() bool {
	switch k.Kind {
	case KindUnknown, KindAuthSecret, KindBackup, KindQueue:
		return false
	default:
		return true
	}
}

// TenantScoped reports whether the key routes to the tenant batch queue
// (true) or the legacy global queue (false).
func (k Key) TenantScoped() bool {
	switch k.Kind {
	case KindDay, KindProducts, KindProfile, KindNorms, KindHRZones,
		KindGame, KindWidgetLayout, KindOther:
		return true
	default:
		return false
	}
}

// Date returns the calendar date of a day key ("2025-01-10") and whether
// this key is a day key at all.
func (k Key) Date() (string, bool) {
	if k.Kind != KindDay {
		return "", false
	}

	logical := k.Logical()
	if idx := strings.Index(logical, legacyDayPrefix); idx >= 0 {
		return logical[idx+len(legacyDayPrefix):], true
	}

	return "", false
}

// Category returns the observability bucket for upload breakdowns.
func (k Key) Category() string {
	switch k.Kind {
	case KindDay:
		return "day"
	case KindProducts:
		return "products"
	case KindProfile:
		return "profile"
	default:
		return "other"
	}
}

// Normalize collapses historic double-tenant prefixes
// (heys_<tenant>_heys_<tenant>_products → heys_<tenant>_products) and maps
// unscoped remote keys onto the tenant namespace. Multiple physical remote
// rows can normalize to the same logical local key; the reconciler
// deduplicates such groups.
func Normalize(raw, tenantID string) string {
	k := Parse(raw)

	// Strip nested prefixes: the suffix itself may be a full scoped key.
	for {
		inner := Parse(k.Logical())
		if inner.Kind == KindUnknown || inner.Logical() == k.Logical() {
			break
		}

		k = inner
	}

	return k.Local(tenantID)
}
