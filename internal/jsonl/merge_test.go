package jsonl

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func rec(id, title, status string, updatedAt int64) BeadRecord {
	return BeadRecord{ID: id, Title: title, IssueType: "task", Status: status, UpdatedAt: updatedAt, ContentHash: title}
}

func tombstoneRec(id string, deletedAt int64) BeadRecord {
	d := deletedAt
	return BeadRecord{ID: id, Title: "x", IssueType: "task", Status: "tombstone", UpdatedAt: deletedAt, DeletedAt: &d, ContentHash: "x"}
}

func sortedIDs(recs []BeadRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	return ids
}

// TestMerge3WayInvariants checks spec.md §8 invariant 6: merge_3way(base, x,
// base) == x, merge_3way(base, base, x) == x, merge_3way(base, x, x) == x.
func TestMerge3WayInvariants(t *testing.T) {
	base := []BeadRecord{
		rec("bd-1", "one", "open", 100),
		rec("bd-2", "two", "open", 100),
	}
	x := []BeadRecord{
		rec("bd-1", "one changed", "in_progress", 200),
		rec("bd-3", "three", "open", 150),
	}

	t.Run("merge(base, x, base) == x", func(t *testing.T) {
		merged, conflicts := Merge3Way(base, x, base)
		if len(conflicts) != 0 {
			t.Fatalf("unexpected conflicts: %+v", conflicts)
		}
		if !reflect.DeepEqual(sortedIDs(merged), sortedIDs(x)) {
			t.Fatalf("merged ids = %v, want %v", sortedIDs(merged), sortedIDs(x))
		}
	})

	t.Run("merge(base, base, x) == x", func(t *testing.T) {
		merged, conflicts := Merge3Way(base, base, x)
		if len(conflicts) != 0 {
			t.Fatalf("unexpected conflicts: %+v", conflicts)
		}
		if !reflect.DeepEqual(sortedIDs(merged), sortedIDs(x)) {
			t.Fatalf("merged ids = %v, want %v", sortedIDs(merged), sortedIDs(x))
		}
	})

	t.Run("merge(base, x, x) == x", func(t *testing.T) {
		merged, conflicts := Merge3Way(base, x, x)
		if len(conflicts) != 0 {
			t.Fatalf("unexpected conflicts: %+v", conflicts)
		}
		if !reflect.DeepEqual(sortedIDs(merged), sortedIDs(x)) {
			t.Fatalf("merged ids = %v, want %v", sortedIDs(merged), sortedIDs(x))
		}
	})
}

func TestMerge3WayOnlyOneSideChanged(t *testing.T) {
	base := []BeadRecord{rec("bd-1", "one", "open", 100)}
	ours := []BeadRecord{rec("bd-1", "one edited", "open", 200)}
	theirs := []BeadRecord{rec("bd-1", "one", "open", 100)}

	merged, conflicts := Merge3Way(base, ours, theirs)
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	if len(merged) != 1 || merged[0].Title != "one edited" {
		t.Fatalf("merged = %+v, want ours's edit", merged)
	}
}

func TestMerge3WayDeletionWinsOverModification(t *testing.T) {
	base := []BeadRecord{rec("bd-1", "one", "open", 100)}
	ours := []BeadRecord{} // we deleted it
	theirs := []BeadRecord{rec("bd-1", "one edited by them", "in_progress", 200)}

	merged, conflicts := Merge3Way(base, ours, theirs)
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	if len(merged) != 0 {
		t.Fatalf("merged = %+v, want deletion to win and produce no record", merged)
	}
}

func TestMerge3WayTombstoneWinsWhenUnexpired(t *testing.T) {
	base := []BeadRecord{rec("bd-1", "one", "open", 100)}
	recentlyDeleted := time.Now().UnixMilli()
	ours := []BeadRecord{tombstoneRec("bd-1", recentlyDeleted)}
	theirs := []BeadRecord{rec("bd-1", "one edited", "in_progress", recentlyDeleted+1)}

	merged, conflicts := Merge3Way(base, ours, theirs)
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	if len(merged) != 1 || merged[0].Status != "tombstone" {
		t.Fatalf("merged = %+v, want tombstone to win", merged)
	}
}

func TestMerge3WayExpiredTombstoneLosesToModification(t *testing.T) {
	base := []BeadRecord{rec("bd-1", "one", "open", 100)}
	longAgo := time.Now().Add(-(DefaultTombstoneTTL + 2*ClockSkewGrace)).UnixMilli()
	ours := []BeadRecord{tombstoneRec("bd-1", longAgo)}
	theirs := []BeadRecord{rec("bd-1", "one edited", "in_progress", longAgo+1000)}

	merged, conflicts := Merge3Way(base, ours, theirs)
	if len(merged) != 1 || merged[0].Status == "tombstone" {
		t.Fatalf("merged = %+v, want the live edit to win over an expired tombstone", merged)
	}
	if len(conflicts) != 1 {
		t.Fatalf("want one conflict recorded for caller review, got %d", len(conflicts))
	}
}

func TestMerge3WayIdenticalChangeTakesEither(t *testing.T) {
	base := []BeadRecord{rec("bd-1", "one", "open", 100)}
	same := rec("bd-1", "one renamed", "open", 200)
	merged, conflicts := Merge3Way(base, []BeadRecord{same}, []BeadRecord{same})
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	if len(merged) != 1 || merged[0].Title != "one renamed" {
		t.Fatalf("merged = %+v, want the identical change", merged)
	}
}

func TestMerge3WayTrueConflictPrefersNewerUpdatedAt(t *testing.T) {
	base := []BeadRecord{rec("bd-1", "one", "open", 100)}
	ours := []BeadRecord{rec("bd-1", "one from us", "in_progress", 300)}
	theirs := []BeadRecord{rec("bd-1", "one from them", "blocked", 250)}

	merged, conflicts := Merge3Way(base, ours, theirs)
	if len(conflicts) != 1 {
		t.Fatalf("want exactly one conflict, got %d", len(conflicts))
	}
	if merged[0].Title != "one from us" {
		t.Fatalf("merged = %+v, want the newer updated_at (ours) to win", merged)
	}
}
