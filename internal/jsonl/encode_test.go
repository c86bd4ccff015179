package jsonl

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hivesync/hive/internal/types"
)

// TestBeadRecordFieldOrderMatchesFieldOrder guards spec.md §9's byte-stable
// export requirement: BeadRecord's declared field order is the single
// source of truth FieldOrder claims to document, so a field added to one
// without the other must fail this test.
func TestBeadRecordFieldOrderMatchesFieldOrder(t *testing.T) {
	typ := reflect.TypeOf(BeadRecord{})
	if typ.NumField() != len(FieldOrder) {
		t.Fatalf("BeadRecord has %d fields, FieldOrder lists %d", typ.NumField(), len(FieldOrder))
	}
	for i := 0; i < typ.NumField(); i++ {
		jsonTag := strings.Split(typ.Field(i).Tag.Get("json"), ",")[0]
		if jsonTag != FieldOrder[i] {
			t.Errorf("field %d: struct tag %q, FieldOrder wants %q", i, jsonTag, FieldOrder[i])
		}
	}
}

func TestMemoryRecordFieldOrderMatchesMemoryFieldOrder(t *testing.T) {
	typ := reflect.TypeOf(MemoryRecord{})
	if typ.NumField() != len(MemoryFieldOrder) {
		t.Fatalf("MemoryRecord has %d fields, MemoryFieldOrder lists %d", typ.NumField(), len(MemoryFieldOrder))
	}
	for i := 0; i < typ.NumField(); i++ {
		jsonTag := strings.Split(typ.Field(i).Tag.Get("json"), ",")[0]
		if jsonTag != MemoryFieldOrder[i] {
			t.Errorf("field %d: struct tag %q, MemoryFieldOrder wants %q", i, jsonTag, MemoryFieldOrder[i])
		}
	}
}

func TestEncodeLineIsCompactWithTrailingNewline(t *testing.T) {
	line, err := encodeLine(BeadRecord{ID: "bd-1", Title: "t", IssueType: "task", Status: "open"})
	if err != nil {
		t.Fatalf("encodeLine: %v", err)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line does not end in newline: %q", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("line has embedded newlines: %q", line)
	}
	if strings.Contains(line, "  ") {
		t.Fatalf("line is not compact: %q", line)
	}
}

func TestBeadRecordRoundTrip(t *testing.T) {
	closedAt := time.UnixMilli(1700000000000)
	b := types.Bead{
		ID: "bd-1", ProjectKey: "proj", Title: "fix thing", Description: "details",
		IssueType: types.IssueTypeTask, Priority: 1, Status: types.StatusClosed,
		ParentID:    "bd-0",
		CreatedAt:   time.UnixMilli(1690000000000),
		UpdatedAt:   time.UnixMilli(1695000000000),
		ClosedAt:    &closedAt,
		ContentHash: "abc123",
		Labels:      []string{"p0", "backend"},
	}
	deps := []types.Dependency{
		{BeadID: "bd-1", DependsOnID: "bd-2", Relationship: types.RelBlocks},
	}

	rec := beadToRecord(b, deps)
	if rec.ID != b.ID || rec.ContentHash != b.ContentHash || len(rec.Labels) != 2 {
		t.Fatalf("beadToRecord dropped fields: %+v", rec)
	}
	if rec.ClosedAt == nil || *rec.ClosedAt != closedAt.UnixMilli() {
		t.Fatalf("beadToRecord lost closed_at: %+v", rec)
	}
	if len(rec.Dependencies) != 1 || rec.Dependencies[0].DependsOnID != "bd-2" {
		t.Fatalf("beadToRecord lost dependencies: %+v", rec)
	}

	back, backDeps := recordToBead(rec, "proj")
	if back.ID != b.ID || back.Title != b.Title || back.ContentHash != b.ContentHash {
		t.Fatalf("recordToBead round-trip mismatch: %+v", back)
	}
	if !back.CreatedAt.Equal(b.CreatedAt) || !back.UpdatedAt.Equal(b.UpdatedAt) {
		t.Fatalf("recordToBead lost timestamp precision: %+v", back)
	}
	if back.ClosedAt == nil || !back.ClosedAt.Equal(closedAt) {
		t.Fatalf("recordToBead lost closed_at: %+v", back)
	}
	if len(backDeps) != 1 || backDeps[0].DependsOnID != "bd-2" || backDeps[0].Relationship != types.RelBlocks {
		t.Fatalf("recordToBead lost dependencies: %+v", backDeps)
	}
}

func TestMemoryRecordRoundTrip(t *testing.T) {
	conf := 0.87
	m := types.Memory{
		ID: "mem-1", Collection: "proj", Content: "remember this",
		Metadata: map[string]string{"source": "agent-a"}, Tags: []string{"infra"},
		Confidence: conf, CreatedAt: time.UnixMilli(1690000000000),
	}
	rec := memoryToRecord(m)
	if rec.Information != m.Content || rec.Confidence == nil || *rec.Confidence != conf {
		t.Fatalf("memoryToRecord mismatch: %+v", rec)
	}

	back := recordToMemory(rec, "proj")
	if back.Content != m.Content || back.Confidence != m.Confidence || back.Collection != "proj" {
		t.Fatalf("recordToMemory round-trip mismatch: %+v", back)
	}
	if !back.CreatedAt.Equal(m.CreatedAt) {
		t.Fatalf("recordToMemory lost created_at: %+v", back)
	}
}

func TestMemoryRecordZeroConfidenceOmitted(t *testing.T) {
	m := types.Memory{ID: "mem-1", Collection: "proj", Content: "x", CreatedAt: time.UnixMilli(1)}
	rec := memoryToRecord(m)
	if rec.Confidence != nil {
		t.Fatalf("expected nil confidence for zero-value input, got %v", *rec.Confidence)
	}
}
