package jsonl

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/hivesync/hive/internal/types"
)

// Tombstone and clock-skew constants (spec.md §4.F). Defaults follow the
// example magnitudes spec.md gives; the clock-skew grace here is 5 minutes
// as spec.md's own example states, which is tighter than the vendored
// merge driver's 1-hour grace (see DESIGN.md — spec.md is authoritative
// over the teacher's numbers for an externally specified constant).
const (
	DefaultTombstoneTTL = 30 * 24 * time.Hour
	MinTombstoneTTL     = 7 * 24 * time.Hour
	ClockSkewGrace      = 5 * time.Minute

	DefaultTombstoneTTLMs = int64(DefaultTombstoneTTL / time.Millisecond)
	MinTombstoneTTLMs     = int64(MinTombstoneTTL / time.Millisecond)
	ClockSkewGraceMs      = int64(ClockSkewGrace / time.Millisecond)
)

// IsTombstone reports whether rec is a tombstone record.
func IsTombstone(rec BeadRecord) bool {
	return rec.Status == string(types.StatusTombstone) && rec.DeletedAt != nil
}

// IsExpiredTombstone reports whether a tombstone deleted at deletedAt is past
// its garbage-collection point under ttl, with clock-skew grace applied.
// A zero ttl means DefaultTombstoneTTL.
func IsExpiredTombstone(deletedAt time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	if ttl < MinTombstoneTTL {
		ttl = MinTombstoneTTL
	}
	return time.Since(deletedAt) > ttl+ClockSkewGrace
}

// Conflict carries the three divergent versions of a record merge_3way
// could not resolve automatically, for the caller to decide (spec.md §4.F).
type Conflict struct {
	ID     string      `json:"id"`
	Base   *BeadRecord `json:"base,omitempty"`
	Ours   *BeadRecord `json:"ours,omitempty"`
	Theirs *BeadRecord `json:"theirs,omitempty"`
}

// Merge3Way resolves three versions of a bead set sharing a common
// ancestor, record-by-record keyed on id (spec.md §4.F):
//   - only one side changed vs base: take that side
//   - both changed identically: take either
//   - a side deleted a record present in base: deletion wins over the
//     other side's modification
//   - either side marks an unexpired tombstone: tombstone wins
//   - otherwise: emit a Conflict and default to newer updated_at, breaking
//     ties by content_hash for determinism (spec.md doesn't expose a
//     sequence number in the wire format to tie-break on, see DESIGN.md)
func Merge3Way(base, ours, theirs []BeadRecord) (merged []BeadRecord, conflicts []Conflict) {
	baseMap := indexByID(base)
	oursMap := indexByID(ours)
	theirsMap := indexByID(theirs)

	ids := unionIDs(baseMap, oursMap, theirsMap)
	for _, id := range ids {
		b, hasBase := baseMap[id]
		o, hasOurs := oursMap[id]
		t, hasTheirs := theirsMap[id]

		switch {
		case !hasBase && hasOurs && !hasTheirs:
			merged = append(merged, o)
		case !hasBase && !hasOurs && hasTheirs:
			merged = append(merged, t)
		case !hasBase && hasOurs && hasTheirs:
			if sameContent(o, t) {
				merged = append(merged, o)
				continue
			}
			rec, conflict := resolveConflict(id, nil, &o, &t)
			if conflict != nil {
				conflicts = append(conflicts, *conflict)
			}
			merged = append(merged, rec)
		case hasBase && !hasOurs && !hasTheirs:
			// Deleted on both sides; nothing to emit.
		case hasBase && !hasOurs && hasTheirs:
			// Deletion on our side wins over their modification.
		case hasBase && hasOurs && !hasTheirs:
			// Deletion on their side wins over our modification.
		default: // present in all three
			merged = append(merged, resolveThreeWay(id, b, o, t, &conflicts))
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged, conflicts
}

func resolveThreeWay(id string, base, ours, theirs BeadRecord, conflicts *[]Conflict) BeadRecord {
	oursChanged := !sameContent(base, ours)
	theirsChanged := !sameContent(base, theirs)

	switch {
	case !oursChanged && !theirsChanged:
		return base
	case oursChanged && !theirsChanged:
		// theirs is identical to base: nothing to weigh it against, take
		// ours outright (spec.md §8 invariant 6: merge(base, x, base) ≡ x).
		return ours
	case !oursChanged && theirsChanged:
		return theirs
	case sameContent(ours, theirs):
		return ours
	default:
		rec, conflict := resolveConflict(id, &base, &ours, &theirs)
		if conflict != nil {
			*conflicts = append(*conflicts, *conflict)
		}
		return rec
	}
}

// resolveConflict applies the true-conflict default policy (prefer newer
// updated_at, tie-break by content_hash) and, unless the tombstone rule
// settles it outright, returns a Conflict for the caller to see.
func resolveConflict(id string, base, ours, theirs *BeadRecord) (BeadRecord, *Conflict) {
	if ours != nil && theirs != nil {
		if rec, ok := tombstonePick(*ours, *theirs); ok {
			return rec, nil
		}
	}

	var winner BeadRecord
	switch {
	case ours == nil:
		winner = *theirs
	case theirs == nil:
		winner = *ours
	case ours.UpdatedAt > theirs.UpdatedAt:
		winner = *ours
	case theirs.UpdatedAt > ours.UpdatedAt:
		winner = *theirs
	case ours.ContentHash <= theirs.ContentHash:
		winner = *ours
	default:
		winner = *theirs
	}
	return winner, &Conflict{ID: id, Base: base, Ours: ours, Theirs: theirs}
}

func tombstonePick(ours, theirs BeadRecord) (BeadRecord, bool) {
	oursTomb := IsTombstone(ours) && !IsExpiredTombstone(time.UnixMilli(*ours.DeletedAt), DefaultTombstoneTTL)
	theirsTomb := IsTombstone(theirs) && !IsExpiredTombstone(time.UnixMilli(*theirs.DeletedAt), DefaultTombstoneTTL)
	switch {
	case oursTomb && theirsTomb:
		if *ours.DeletedAt >= *theirs.DeletedAt {
			return ours, true
		}
		return theirs, true
	case oursTomb:
		return ours, true
	case theirsTomb:
		return theirs, true
	default:
		return BeadRecord{}, false
	}
}

// sameContent reports whether two records are equal in every field that
// matters for merge purposes, ignoring updated_at (which always advances on
// any write, organic or synced, so comparing it would make every record
// look "changed").
func sameContent(a, b BeadRecord) bool {
	na, nb := normalize(a), normalize(b)
	na.UpdatedAt, nb.UpdatedAt = 0, 0
	ja, _ := json.Marshal(na)
	jb, _ := json.Marshal(nb)
	return string(ja) == string(jb)
}

func normalize(rec BeadRecord) BeadRecord {
	out := rec
	if len(rec.Labels) > 0 {
		out.Labels = append([]string(nil), rec.Labels...)
		sort.Strings(out.Labels)
	}
	if len(rec.Dependencies) > 0 {
		out.Dependencies = append([]DependencyRecord(nil), rec.Dependencies...)
		sort.Slice(out.Dependencies, func(i, j int) bool {
			if out.Dependencies[i].DependsOnID != out.Dependencies[j].DependsOnID {
				return out.Dependencies[i].DependsOnID < out.Dependencies[j].DependsOnID
			}
			return out.Dependencies[i].Relationship < out.Dependencies[j].Relationship
		})
	}
	return out
}

func indexByID(recs []BeadRecord) map[string]BeadRecord {
	m := make(map[string]BeadRecord, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return m
}

func unionIDs(maps ...map[string]BeadRecord) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range maps {
		for id := range m {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
