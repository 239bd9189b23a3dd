// Package merge implements entity-specific conflict resolution for the sync
// engine: day records and product catalogs. All functions are pure — they
// take both sides by value semantics, never alias their inputs into the
// result, and perform no I/O. The engine decides when to merge; this package
// only decides what the merged value is.
package merge

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// minTrainingSlots is the fixed minimum length of the trainings array.
// The UI renders three slots regardless of how many are filled.
const minTrainingSlots = 3

// defaultRating is substituted when normalizing legacy training records
// that carried no explicit rating.
const defaultRating = 5

// MealItem is a single entry in a meal's item list, identified by ID.
type MealItem struct {
	ID        string  `json:"id"`
	ProductID string  `json:"product_id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Grams     float64 `json:"grams,omitempty"`
}

// Meal is one logged meal. Identity is the ID; items merge by item ID.
type Meal struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Time  string     `json:"time,omitempty"`
	Mood  *int       `json:"mood,omitempty"`
	Items []MealItem `json:"items,omitempty"`
}

// Training is one training slot. Zones holds per-heart-rate-zone minutes.
// Quality and FeelAfter are the legacy rating fields; Normalize folds them
// into Mood and Wellbeing.
type Training struct {
	Zones     []int `json:"z"`
	Mood      *int  `json:"mood,omitempty"`
	Wellbeing *int  `json:"wellbeing,omitempty"`
	Stress    *int  `json:"stress,omitempty"`
	Quality   *int  `json:"quality,omitempty"`
	FeelAfter *int  `json:"feelAfter,omitempty"`
}

// zoneSum returns the total minutes across all zones.
func (t Training) zoneSum() int {
	sum := 0
	for _, z := range t.Zones {
		sum += z
	}

	return sum
}

// DayRecord is one calendar day of tracked data. UpdatedAt is the client-side
// logical timestamp in milliseconds; it drives every freshness comparison.
type DayRecord struct {
	Date                string          `json:"date,omitempty"`
	Meals               []Meal          `json:"meals,omitempty"`
	Trainings           []Training      `json:"trainings,omitempty"`
	Steps               int             `json:"steps,omitempty"`
	WaterMl             int             `json:"waterMl,omitempty"`
	HouseholdMin        *int            `json:"householdMin,omitempty"`
	HouseholdTime       *string         `json:"householdTime,omitempty"`
	HouseholdActivities json.RawMessage `json:"householdActivities,omitempty"`
	WeightMorning       float64         `json:"weightMorning,omitempty"`
	SleepStart          string          `json:"sleepStart,omitempty"`
	SleepEnd            string          `json:"sleepEnd,omitempty"`
	SleepQuality        string          `json:"sleepQuality,omitempty"`
	SleepNote           string          `json:"sleepNote,omitempty"`
	DayScore            string          `json:"dayScore,omitempty"`
	DayScoreManual      bool            `json:"dayScoreManual,omitempty"`
	DayComment          string          `json:"dayComment,omitempty"`
	CycleDay            *int            `json:"cycleDay,omitempty"`
	UpdatedAt           int64           `json:"updatedAt,omitempty"`
	SourceID            string          `json:"_sourceId,omitempty"`
	MergedAt            int64           `json:"_mergedAt,omitempty"`
}

// Meaningful reports whether the record contains at least one real logged
// data point. Empty records must never overwrite meaningful ones, on any
// merge path.
func (d *DayRecord) Meaningful() bool {
	if d == nil {
		return false
	}

	if len(d.Meals) > 0 {
		return true
	}

	for _, t := range d.Trainings {
		if t.zoneSum() > 0 {
			return true
		}
	}

	if d.Steps > 0 || d.WaterMl > 0 || d.WeightMorning > 0 {
		return true
	}

	if d.SleepStart != "" || d.SleepEnd != "" || d.SleepQuality != "" || d.SleepNote != "" {
		return true
	}

	return d.DayScore != "" || d.DayComment != ""
}

// Options control merge behavior for special sync flows.
type Options struct {
	// ForceKeepAll disables deletion inference for meals: no meal absent on
	// the newer side is treated as deleted. Used by explicit full refreshes.
	ForceKeepAll bool

	// PreferRemote flips the per-item preference inside shared meals so that
	// deletions propagate from a server-authoritative refresh.
	PreferRemote bool

	// Now overrides the merge timestamp (milliseconds). Zero means wall clock.
	Now int64
}

// MergeDay merges two versions of the same day record. Returns nil when no
// merge is needed: either side is nil, or the two sides are identical
// ignoring UpdatedAt and SourceID. The result never aliases either input.
//
// Policy summary:
//   - numeric aggregates (steps, water) take the maximum of both sides;
//   - freshness-gated scalars follow the side with the greater UpdatedAt,
//     local favored on exact ties;
//   - meals union by ID, with absence on a strictly-newer local side treated
//     as deletion;
//   - trainings merge per fixed slot, the newer source winning even when its
//     slot is empty (an emptied slot is a deliberate clear).
func MergeDay(local, remote *DayRecord, opts Options) *DayRecord {
	if local == nil || remote == nil {
		return nil
	}

	l := local.clone()
	r := remote.clone()
	l.Trainings = normalizeTrainings(l.Trainings)
	r.Trainings = normalizeTrainings(r.Trainings)

	if equalIgnoringMeta(l, r) {
		return nil
	}

	now := opts.Now
	if now == 0 {
		now = time.Now().UnixMilli()
	}

	localIsNewer := l.UpdatedAt >= r.UpdatedAt

	merged := r.clone()
	merged.Date = firstNonEmpty(l.Date, r.Date)
	merged.UpdatedAt = max(l.UpdatedAt, r.UpdatedAt, now)
	merged.MergedAt = now
	merged.SourceID = ""

	// Multi-device entry must never regress a logged total.
	merged.Steps = max(l.Steps, r.Steps)
	merged.WaterMl = max(l.WaterMl, r.WaterMl)

	mergeHousehold(merged, l, r, localIsNewer)
	mergeWeight(merged, l, r, localIsNewer)
	mergeSleep(merged, l, r, localIsNewer)
	mergeScore(merged, l, r, localIsNewer)
	mergeCycleDay(merged, l, r)
	merged.Meals = mergeMeals(l, r, localIsNewer, opts)
	merged.Trainings = mergeTrainings(l.Trainings, r.Trainings, localIsNewer)

	return merged
}

// clone returns a deep copy so the merge result never aliases an input.
func (d *DayRecord) clone() *DayRecord {
	if d == nil {
		return nil
	}

	out := *d
	out.Meals = make([]Meal, len(d.Meals))

	for i, m := range d.Meals {
		out.Meals[i] = m
		out.Meals[i].Items = append([]MealItem(nil), m.Items...)
	}

	out.Trainings = make([]Training, len(d.Trainings))
	for i, t := range d.Trainings {
		out.Trainings[i] = t
		out.Trainings[i].Zones = append([]int(nil), t.Zones...)
	}

	out.HouseholdActivities = append(json.RawMessage(nil), d.HouseholdActivities...)

	return &out
}

// normalizeTrainings folds legacy quality/feelAfter ratings into the current
// mood/wellbeing/stress schema. Records without legacy fields pass through.
func normalizeTrainings(trainings []Training) []Training {
	out := make([]Training, len(trainings))

	for i, t := range trainings {
		if t.Quality == nil && t.FeelAfter == nil {
			out[i] = t
			continue
		}

		n := t
		if n.Mood == nil {
			n.Mood = coalesceInt(t.Quality, defaultRating)
		}

		if n.Wellbeing == nil {
			n.Wellbeing = coalesceInt(t.FeelAfter, defaultRating)
		}

		if n.Stress == nil {
			n.Stress = intPtr(defaultRating)
		}

		n.Quality = nil
		n.FeelAfter = nil
		out[i] = n
	}

	return out
}

// equalIgnoringMeta compares two records with UpdatedAt, SourceID, and
// MergedAt zeroed. Serialized comparison keeps this robust against field
// additions without a hand-written Equal.
func equalIgnoringMeta(a, b *DayRecord) bool {
	ac := *a
	bc := *b
	ac.UpdatedAt, bc.UpdatedAt = 0, 0
	ac.SourceID, bc.SourceID = "", ""
	ac.MergedAt, bc.MergedAt = 0, 0

	aj, errA := json.Marshal(&ac)
	bj, errB := json.Marshal(&bc)
	if errA != nil || errB != nil {
		return false
	}

	return bytes.Equal(aj, bj)
}

func mergeHousehold(merged, l, r *DayRecord, localIsNewer bool) {
	if localIsNewer {
		merged.HouseholdMin = coalesceIntPtr(l.HouseholdMin, r.HouseholdMin)
		merged.HouseholdTime = coalesceStrPtr(l.HouseholdTime, r.HouseholdTime)
		merged.HouseholdActivities = coalesceRaw(l.HouseholdActivities, r.HouseholdActivities)
	} else {
		merged.HouseholdMin = coalesceIntPtr(r.HouseholdMin, l.HouseholdMin)
		merged.HouseholdTime = coalesceStrPtr(r.HouseholdTime, l.HouseholdTime)
		merged.HouseholdActivities = coalesceRaw(r.HouseholdActivities, l.HouseholdActivities)
	}
}

func mergeWeight(merged, l, r *DayRecord, localIsNewer bool) {
	switch {
	case l.WeightMorning > 0 && r.WeightMorning > 0:
		if localIsNewer {
			merged.WeightMorning = l.WeightMorning
		} else {
			merged.WeightMorning = r.WeightMorning
		}
	case l.WeightMorning > 0:
		merged.WeightMorning = l.WeightMorning
	default:
		merged.WeightMorning = r.WeightMorning
	}
}

// mergeSleep applies the freshness gate to the sleep field group: the newer
// side wins when it has data, the other side fills the gaps.
func mergeSleep(merged, l, r *DayRecord, localIsNewer bool) {
	win, lose := l, r
	if !localIsNewer {
		win, lose = r, l
	}

	merged.SleepStart = firstNonEmpty(win.SleepStart, lose.SleepStart)
	merged.SleepEnd = firstNonEmpty(win.SleepEnd, lose.SleepEnd)
	merged.SleepQuality = firstNonEmpty(win.SleepQuality, lose.SleepQuality)
	merged.SleepNote = firstNonEmpty(win.SleepNote, lose.SleepNote)
}

func mergeScore(merged, l, r *DayRecord, localIsNewer bool) {
	switch {
	case l.DayScoreManual:
		merged.DayScore = l.DayScore
		merged.DayScoreManual = true
	case r.DayScoreManual:
		merged.DayScore = r.DayScore
		merged.DayScoreManual = true
	default:
		merged.DayScoreManual = false
		if localIsNewer {
			merged.DayScore = firstNonEmpty(l.DayScore, r.DayScore)
		} else {
			merged.DayScore = firstNonEmpty(r.DayScore, l.DayScore)
		}
	}

	win, lose := l, r
	if !localIsNewer {
		win, lose = r, l
	}

	merged.DayComment = firstNonEmpty(win.DayComment, lose.DayComment)
}

// mergeCycleDay honors the null sentinel: a reset by the newer side wins
// over a stale value from the other device.
func mergeCycleDay(merged, l, r *DayRecord) {
	switch {
	case l.CycleDay == nil && l.UpdatedAt >= r.UpdatedAt:
		merged.CycleDay = nil
	case r.CycleDay == nil && r.UpdatedAt > l.UpdatedAt:
		merged.CycleDay = nil
	case l.CycleDay != nil:
		merged.CycleDay = intPtr(*l.CycleDay)
	case r.CycleDay != nil:
		merged.CycleDay = intPtr(*r.CycleDay)
	default:
		merged.CycleDay = nil
	}
}

// mergeMeals unions meals by ID. A remote meal absent from a newer local
// side is treated as a user-initiated deletion only when the local list
// overlaps the remote one: a device can only have deleted a meal it had,
// and sharing an ID with the remote list is the evidence it saw that
// revision. Disjoint lists mean the devices diverged offline, so the
// union keeps both sides. ForceKeepAll disables inference entirely.
func mergeMeals(l, r *DayRecord, localIsNewer bool, opts Options) []Meal {
	localIDs := make(map[string]bool, len(l.Meals))
	for _, m := range l.Meals {
		if m.ID != "" {
			localIDs[m.ID] = true
		}
	}

	sawRemote := false

	for _, m := range r.Meals {
		if m.ID != "" && localIDs[m.ID] {
			sawRemote = true
			break
		}
	}

	order := make([]string, 0, len(l.Meals)+len(r.Meals))
	byID := make(map[string]Meal)

	for _, m := range r.Meals {
		if m.ID == "" {
			continue
		}

		if !opts.ForceKeepAll && !opts.PreferRemote && localIsNewer && sawRemote && !localIDs[m.ID] {
			// Deleted locally; do not resurrect from remote.
			continue
		}

		order = append(order, m.ID)
		byID[m.ID] = m
	}

	for _, m := range l.Meals {
		if m.ID == "" {
			continue
		}

		existing, ok := byID[m.ID]
		if !ok {
			order = append(order, m.ID)
			byID[m.ID] = m

			continue
		}

		preferLocal := !opts.PreferRemote && localIsNewer
		items := mergeItemsByID(existing.Items, m.Items, preferLocal)

		winner := existing // remote meal fields
		if preferLocal {
			winner = m
		}

		winner.Items = items
		byID[m.ID] = winner
	}

	out := make([]Meal, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time < out[j].Time
	})

	return out
}

// mergeItemsByID unions two item lists by item ID. With preferLocal, local
// items win per-ID but remote-only items are preserved; without it, the
// remote list is authoritative and local-only items are dropped (deletions
// must propagate from a server-authoritative refresh).
func mergeItemsByID(remoteItems, localItems []MealItem, preferLocal bool) []MealItem {
	if !preferLocal {
		out := make([]MealItem, 0, len(remoteItems))

		for _, it := range remoteItems {
			if it.ID != "" {
				out = append(out, it)
			}
		}

		return out
	}

	order := make([]string, 0, len(remoteItems)+len(localItems))
	byID := make(map[string]MealItem)

	for _, it := range remoteItems {
		if it.ID == "" {
			continue
		}

		order = append(order, it.ID)
		byID[it.ID] = it
	}

	for _, it := range localItems {
		if it.ID == "" {
			continue
		}

		if _, ok := byID[it.ID]; !ok {
			order = append(order, it.ID)
		}

		byID[it.ID] = it
	}

	out := make([]MealItem, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}

	return out
}

// mergeTrainings merges the fixed-size training slots. Per slot the newer
// local source wins outright (an emptied slot is a deliberate clear);
// otherwise the non-empty slot wins. Rating sub-fields union with priority
// to the winner side.
func mergeTrainings(local, remote []Training, localIsNewer bool) []Training {
	n := max(len(local), len(remote), minTrainingSlots)
	out := make([]Training, 0, n)

	for i := 0; i < n; i++ {
		lt := slotAt(local, i)
		rt := slotAt(remote, i)

		var winner, loser Training

		switch {
		case localIsNewer:
			winner, loser = lt, rt
		case lt.zoneSum() == 0 && rt.zoneSum() > 0:
			winner, loser = rt, lt
		case rt.zoneSum() == 0 && lt.zoneSum() > 0:
			winner, loser = lt, rt
		default:
			winner, loser = rt, lt
		}

		merged := winner
		merged.Zones = append([]int(nil), winner.Zones...)
		merged.Mood = coalesceIntPtr(winner.Mood, loser.Mood)
		merged.Wellbeing = coalesceIntPtr(winner.Wellbeing, loser.Wellbeing)
		merged.Stress = coalesceIntPtr(winner.Stress, loser.Stress)
		merged.Quality = nil
		merged.FeelAfter = nil

		out = append(out, merged)
	}

	return out
}

// slotAt returns the i-th training slot or an empty placeholder.
func slotAt(ts []Training, i int) Training {
	if i < len(ts) {
		return ts[i]
	}

	return Training{Zones: []int{0, 0, 0, 0}}
}

// --- small helpers ---

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}

	return b
}

func coalesceIntPtr(a, b *int) *int {
	if a != nil {
		return intPtr(*a)
	}

	if b != nil {
		return intPtr(*b)
	}

	return nil
}

func coalesceStrPtr(a, b *string) *string {
	if a != nil {
		v := *a
		return &v
	}

	if b != nil {
		v := *b
		return &v
	}

	return nil
}

func coalesceRaw(a, b json.RawMessage) json.RawMessage {
	if len(a) > 0 {
		return append(json.RawMessage(nil), a...)
	}

	return append(json.RawMessage(nil), b...)
}

func coalesceInt(p *int, def int) *int {
	if p != nil {
		return intPtr(*p)
	}

	return intPtr(def)
}

func intPtr(v int) *int {
	return &v
}
