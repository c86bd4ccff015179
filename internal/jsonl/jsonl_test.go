package jsonl

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/migrate"
	"github.com/hivesync/hive/internal/projection"
	"github.com/hivesync/hive/internal/types"
)

func openTestDB(t *testing.T) *dbx.DB {
	t.Helper()
	db, err := dbx.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrate.New(db, migrate.Schema, nil).Apply(context.Background()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestImportCreatesNewBeads(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	data := `{"id":"bd-1","title":"fix the thing","issue_type":"task","priority":1,"status":"open","created_at":1690000000000,"updated_at":1690000000000,"content_hash":"h1","labels":["p0"]}
{"id":"bd-2","title":"second thing","issue_type":"bug","priority":2,"status":"in_progress","created_at":1690000001000,"updated_at":1690000001000,"content_hash":"h2"}
`
	result := Import(ctx, reader, writer, "proj", data, ImportOptions{})
	if result.Created != 2 || result.Updated != 0 || result.Skipped != 0 || len(result.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	b, err := reader.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get bd-1: %v", err)
	}
	if b.Title != "fix the thing" || len(b.Labels) != 1 || b.Labels[0] != "p0" {
		t.Fatalf("bd-1 = %+v, labels not applied correctly", b)
	}
}

func TestImportSkipsBlankLinesAndRecordsMalformedLines(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	data := "\n" +
		`{"id":"bd-1","title":"ok","issue_type":"task","status":"open","created_at":1,"updated_at":1,"content_hash":"h"}` + "\n" +
		"   \n" +
		`not json at all` + "\n" +
		`{"title":"missing id"}` + "\n"

	result := Import(ctx, reader, writer, "proj", data, ImportOptions{})
	if result.Created != 1 {
		t.Fatalf("want 1 created, got %+v", result)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("want 2 errors (malformed json + missing id), got %+v", result.Errors)
	}
}

func TestImportSkipExistingLeavesRowUntouched(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	_, err := writer.CreateBead(ctx, types.Bead{ID: "bd-1", ProjectKey: "proj", Title: "original title"})
	if err != nil {
		t.Fatalf("seed bead: %v", err)
	}

	data := `{"id":"bd-1","title":"incoming title","issue_type":"task","status":"open","created_at":1,"updated_at":2,"content_hash":"h"}` + "\n"
	result := Import(ctx, reader, writer, "proj", data, ImportOptions{SkipExisting: true})
	if result.Skipped != 1 || result.Created != 0 || result.Updated != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	b, err := reader.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get bd-1: %v", err)
	}
	if b.Title != "original title" {
		t.Fatalf("SkipExisting did not leave the row untouched: %+v", b)
	}
}

func TestImportSkipsExpiredTombstones(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	longAgo := time.Now().Add(-60 * 24 * time.Hour).UnixMilli()
	data := (BeadRecordJSON(t, BeadRecord{
		ID: "bd-1", Title: "gone", IssueType: "task", Status: "tombstone",
		CreatedAt: 1, UpdatedAt: longAgo, DeletedAt: &longAgo, ContentHash: "h",
	})) + "\n"

	result := Import(ctx, reader, writer, "proj", data, ImportOptions{})
	if result.Skipped != 1 || result.TombstonesApplied != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := reader.Get(ctx, "bd-1"); err == nil {
		t.Fatalf("expired tombstone should not have been applied")
	}
}

func TestExportImportRoundTripIncludesTombstones(t *testing.T) {
	db := openTestDB(t)
	writer := projection.NewWriter(db)
	reader := projection.NewReader(db)
	ctx := context.Background()

	if _, err := writer.CreateBead(ctx, types.Bead{ID: "bd-1", ProjectKey: "proj", Title: "alive"}); err != nil {
		t.Fatalf("create bd-1: %v", err)
	}
	if err := writer.AddLabel(ctx, "proj", "bd-1", "p0"); err != nil {
		t.Fatalf("label bd-1: %v", err)
	}
	if _, err := writer.CreateBead(ctx, types.Bead{ID: "bd-2", ProjectKey: "proj", Title: "doomed"}); err != nil {
		t.Fatalf("create bd-2: %v", err)
	}
	if err := writer.TombstoneBead(ctx, "proj", "bd-2", time.Now()); err != nil {
		t.Fatalf("tombstone bd-2: %v", err)
	}

	exported, err := Export(ctx, reader, "proj")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Count(exported, "\n") != 2 {
		t.Fatalf("expected 2 exported lines (including the tombstone), got: %q", exported)
	}
	if !strings.Contains(exported, `"status":"tombstone"`) {
		t.Fatalf("export dropped the tombstoned bead: %q", exported)
	}

	// Import into a fresh, empty database and expect the same observable
	// projection state, tombstone included (spec.md §8 scenario S7).
	db2 := openTestDB(t)
	writer2 := projection.NewWriter(db2)
	reader2 := projection.NewReader(db2)

	result := Import(ctx, reader2, writer2, "proj", exported, ImportOptions{})
	if len(result.Errors) != 0 {
		t.Fatalf("import errors: %+v", result.Errors)
	}
	if result.Created != 1 || result.TombstonesApplied != 1 {
		t.Fatalf("unexpected import result: %+v", result)
	}

	alive, err := reader2.Get(ctx, "bd-1")
	if err != nil {
		t.Fatalf("get bd-1 after import: %v", err)
	}
	if alive.Title != "alive" || len(alive.Labels) != 1 || alive.Labels[0] != "p0" {
		t.Fatalf("bd-1 mismatched after round trip: %+v", alive)
	}

	beads, err := reader2.QueryAllForExport(ctx, "proj")
	if err != nil {
		t.Fatalf("query all for export: %v", err)
	}
	var sawTombstone bool
	for _, b := range beads {
		if b.ID == "bd-2" && b.Status == types.StatusTombstone {
			sawTombstone = true
		}
	}
	if !sawTombstone {
		t.Fatalf("tombstone for bd-2 did not survive the round trip: %+v", beads)
	}
}

// BeadRecordJSON encodes rec the same way Export does, for tests that need
// to hand-construct a single import line.
func BeadRecordJSON(t *testing.T, rec BeadRecord) string {
	t.Helper()
	line, err := encodeLine(rec)
	if err != nil {
		t.Fatalf("encode test record: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}
