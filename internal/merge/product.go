package merge

import (
	"strings"

	"golang.org/x/text/cases"
)

// Portion is a named serving size for a product.
type Portion struct {
	Name  string  `json:"name,omitempty"`
	Grams float64 `json:"grams,omitempty"`
}

// Product is one catalog entry. Identity is the normalized name — not the
// ID; two entries whose names fold to the same string are duplicates by
// definition.
type Product struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	Kcal100    float64   `json:"kcal100,omitempty"`
	Protein100 float64   `json:"protein100,omitempty"`
	Carbs100   float64   `json:"carbs100,omitempty"`
	Simple100  float64   `json:"simple100,omitempty"`
	Complex100 float64   `json:"complex100,omitempty"`
	Fat100     float64   `json:"fat100,omitempty"`
	BadFat100  float64   `json:"badFat100,omitempty"`
	GoodFat100 float64   `json:"goodFat100,omitempty"`
	Fiber100   float64   `json:"fiber100,omitempty"`
	GI         float64   `json:"gi,omitempty"`
	Harm       float64   `json:"harm,omitempty"`
	Portions   []Portion `json:"portions,omitempty"`
	CreatedAt  int64     `json:"createdAt,omitempty"`
}

// NormalizeName returns the identity key for a product name: trimmed and
// case-folded. Folding (not lowercasing) handles the catalog's mixed
// Cyrillic/Latin names. Empty output means the entry is invalid.
// A fresh Caser per call: Caser carries state and is not safe to share
// across goroutines.
func NormalizeName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Score is the completeness heuristic used to pick the better of two
// colliding entries. Weights follow the historic client: portions and name
// are worth two points, everything else one. Only the relative ranking
// matters — callers must not depend on exact values.
func (p *Product) Score() int {
	score := 0

	if p.ID != "" {
		score++
	}

	if p.Name != "" {
		score += 2
	}

	if p.Kcal100 > 0 {
		score++
	}

	if p.Protein100 > 0 {
		score++
	}

	if p.Carbs100 > 0 || p.Simple100 > 0 || p.Complex100 > 0 {
		score++
	}

	if p.Fat100 > 0 || p.BadFat100 > 0 || p.GoodFat100 > 0 {
		score++
	}

	if p.Fiber100 > 0 {
		score++
	}

	if p.GI > 0 {
		score++
	}

	if len(p.Portions) > 0 {
		score += 2
	}

	if p.CreatedAt > 0 {
		score++
	}

	return score
}

// better reports whether a should replace b on a name collision: higher
// completeness score wins, ties broken by newer creation timestamp.
func better(a, b *Product) bool {
	sa, sb := a.Score(), b.Score()
	if sa != sb {
		return sa > sb
	}

	return a.CreatedAt > b.CreatedAt
}

// IgnoreSet is the user-maintained deletion list, keyed by normalized name.
// Entries on the list are filtered from both sides before merging so a stale
// remote copy cannot resurrect a deleted product.
type IgnoreSet map[string]struct{}

// NewIgnoreSet builds an IgnoreSet from raw (unnormalized) names.
func NewIgnoreSet(names []string) IgnoreSet {
	s := make(IgnoreSet, len(names))
	for _, n := range names {
		if key := NormalizeName(n); key != "" {
			s[key] = struct{}{}
		}
	}

	return s
}

// MergeProducts merges two product catalogs by normalized name. Each side is
// deduplicated independently first, then unioned; on collision the higher
// completeness score wins, ties broken by newer CreatedAt. The result is a
// fresh slice that aliases neither input.
//
// Callers guard against stale clobbering by comparing the result length
// against UniqueCount of the larger input — that check lives at the call
// site because it is a race-condition safety net, not a merge rule.
func MergeProducts(local, remote []Product, ignored IgnoreSet) []Product {
	localDeduped := dedupe(local, ignored)
	remoteDeduped := dedupe(remote, ignored)

	if len(localDeduped) == 0 {
		return remoteDeduped
	}

	if len(remoteDeduped) == 0 {
		return localDeduped
	}

	order := make([]string, 0, len(remoteDeduped)+len(localDeduped))
	byName := make(map[string]Product)

	for _, p := range remoteDeduped {
		key := NormalizeName(p.Name)
		order = append(order, key)
		byName[key] = p
	}

	for _, p := range localDeduped {
		key := NormalizeName(p.Name)

		existing, ok := byName[key]
		if !ok {
			order = append(order, key)
			byName[key] = p

			continue
		}

		if better(&p, &existing) {
			byName[key] = p
		}
	}

	out := make([]Product, 0, len(order))
	for _, key := range order {
		out = append(out, byName[key])
	}

	return out
}

// UniqueCount returns the number of valid entries after name deduplication.
// Used by callers for the shrink guard on catalog writes.
func UniqueCount(products []Product, ignored IgnoreSet) int {
	return len(dedupe(products, ignored))
}

// dedupe drops invalid and ignored entries and collapses duplicates by
// normalized name, keeping the better entry. Input order is preserved for
// the surviving entries. The returned slice holds copies.
func dedupe(products []Product, ignored IgnoreSet) []Product {
	order := make([]string, 0, len(products))
	byName := make(map[string]Product, len(products))

	for _, p := range products {
		key := NormalizeName(p.Name)
		if key == "" {
			continue
		}

		if _, skip := ignored[key]; skip {
			continue
		}

		existing, ok := byName[key]
		if !ok {
			order = append(order, key)
			byName[key] = cloneProduct(p)

			continue
		}

		if better(&p, &existing) {
			byName[key] = cloneProduct(p)
		}
	}

	out := make([]Product, 0, len(order))
	for _, key := range order {
		out = append(out, byName[key])
	}

	return out
}

// cloneProduct copies a product including its portion list.
func cloneProduct(p Product) Product {
	p.Portions = append([]Portion(nil), p.Portions...)
	return p
}
