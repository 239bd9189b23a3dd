package localstore

import (
	"sort"
	"time"

	"github.com/heyslab/heysync/internal/keykind"
)

// Retention tiers, evaluated in order. Each tier drops day records older
// than the given number of days; the final tier sacrifices engine
// bookkeeping keys (queue snapshots, sync log) as a last resort.
var retentionTiers = []int{90, 14, 7}

// dayDateLayout is the calendar date embedded in day keys.
const dayDateLayout = "2006-01-02"

// evictionTier is one batch of keys that frees space together.
type evictionTier struct {
	name string
	keys []string
}

// planEviction groups the store's keys into ordered eviction tiers.
// Entries that belong to no tier (recent days, user profile, catalogs)
// are never evicted. Within a tier, oldest dates go first so partial
// application of a tier still removes the least valuable data.
func planEviction(entries []Entry, now time.Time) []evictionTier {
	type datedKey struct {
		key  string
		date time.Time
	}

	var days []datedKey

	var bookkeeping []string

	for _, e := range entries {
		k := keykind.Parse(e.Key)

		if k.Kind == keykind.KindQueue {
			bookkeeping = append(bookkeeping, e.Key)
			continue
		}

		dateStr, ok := k.Date()
		if !ok {
			continue
		}

		date, err := time.Parse(dayDateLayout, dateStr)
		if err != nil {
			// Malformed date suffix, leave the record alone.
			continue
		}

		days = append(days, datedKey{key: e.Key, date: date})
	}

	sort.Slice(days, func(i, j int) bool { return days[i].date.Before(days[j].date) })

	tiers := make([]evictionTier, 0, len(retentionTiers)+1)
	claimed := make(map[string]bool, len(days))

	for _, retention := range retentionTiers {
		cutoff := now.AddDate(0, 0, -retention)
		tier := evictionTier{name: tierName(retention)}

		for _, d := range days {
			if claimed[d.key] || !d.date.Before(cutoff) {
				continue
			}

			claimed[d.key] = true
			tier.keys = append(tier.keys, d.key)
		}

		if len(tier.keys) > 0 {
			tiers = append(tiers, tier)
		}
	}

	if len(bookkeeping) > 0 {
		sort.Strings(bookkeeping)
		tiers = append(tiers, evictionTier{name: "bookkeeping", keys: bookkeeping})
	}

	return tiers
}

func tierName(retentionDays int) string {
	switch retentionDays {
	case 90:
		return "days_over_90d"
	case 14:
		return "days_over_14d"
	case 7:
		return "days_over_7d"
	default:
		return "days"
	}
}
