package jsonl

import (
	"encoding/json"
	"time"

	"github.com/hivesync/hive/internal/types"
)

// FieldOrder is the single source of truth for a bead record's wire field
// order (spec.md §9 Open Question: "field order needs central codification
// for byte-stable merges"). BeadRecord's struct field declaration order
// must match this list exactly; a test in this package asserts that.
var FieldOrder = []string{
	"id", "title", "description", "issue_type", "priority", "status",
	"parent_id", "created_at", "updated_at", "closed_at", "deleted_at",
	"content_hash", "labels", "dependencies",
}

// MemoryFieldOrder is FieldOrder's counterpart for memory records.
var MemoryFieldOrder = []string{"id", "information", "metadata", "tags", "confidence", "created_at"}

// DependencyRecord is a bead's embedded dependency edge in the wire format.
// bead_id is never repeated: it's implied by the enclosing BeadRecord.
type DependencyRecord struct {
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
}

// BeadRecord is the exact JSONL wire shape of a bead (spec.md §6.1). Field
// declaration order here is the canonical, stable export order — it must
// track FieldOrder. Timestamps are Unix milliseconds, matching the rest of
// the projection layer, so export/import round-trips without any timezone
// or sub-millisecond precision loss.
type BeadRecord struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	IssueType    string             `json:"issue_type"`
	Priority     int                `json:"priority"`
	Status       string             `json:"status"`
	ParentID     string             `json:"parent_id,omitempty"`
	CreatedAt    int64              `json:"created_at"`
	UpdatedAt    int64              `json:"updated_at"`
	ClosedAt     *int64             `json:"closed_at,omitempty"`
	DeletedAt    *int64             `json:"deleted_at,omitempty"`
	ContentHash  string             `json:"content_hash"`
	Labels       []string           `json:"labels,omitempty"`
	Dependencies []DependencyRecord `json:"dependencies,omitempty"`
}

// MemoryRecord is the exact JSONL wire shape of a memory (spec.md §6.1).
// Embeddings are never present: they're omitted on export and regenerated
// on import by the embedder, if one is configured.
type MemoryRecord struct {
	ID          string            `json:"id"`
	Information string            `json:"information"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Confidence  *float64          `json:"confidence,omitempty"`
	CreatedAt   int64             `json:"created_at"`
}

// beadToRecord converts a projection bead plus its forward dependency edges
// into its canonical wire shape.
func beadToRecord(b types.Bead, deps []types.Dependency) BeadRecord {
	rec := BeadRecord{
		ID: b.ID, Title: b.Title, Description: b.Description, IssueType: string(b.IssueType),
		Priority: b.Priority, Status: string(b.Status), ParentID: b.ParentID,
		CreatedAt: b.CreatedAt.UnixMilli(), UpdatedAt: b.UpdatedAt.UnixMilli(), ContentHash: b.ContentHash,
		Labels: b.Labels,
	}
	if b.ClosedAt != nil {
		ms := b.ClosedAt.UnixMilli()
		rec.ClosedAt = &ms
	}
	if b.DeletedAt != nil {
		ms := b.DeletedAt.UnixMilli()
		rec.DeletedAt = &ms
	}
	for _, d := range deps {
		rec.Dependencies = append(rec.Dependencies, DependencyRecord{DependsOnID: d.DependsOnID, Relationship: string(d.Relationship)})
	}
	return rec
}

// recordToBead converts a wire record back into a projection bead and its
// dependency edges. projectKey is supplied by the caller: it isn't part of
// the wire shape, since one JSONL file always belongs to a single project.
func recordToBead(rec BeadRecord, projectKey string) (types.Bead, []types.Dependency) {
	b := types.Bead{
		ID: rec.ID, ProjectKey: projectKey, Title: rec.Title, Description: rec.Description,
		IssueType: types.IssueType(rec.IssueType), Priority: rec.Priority, Status: types.Status(rec.Status),
		ParentID: rec.ParentID, CreatedAt: time.UnixMilli(rec.CreatedAt), UpdatedAt: time.UnixMilli(rec.UpdatedAt),
		ContentHash: rec.ContentHash, Labels: rec.Labels,
	}
	if rec.ClosedAt != nil {
		t := time.UnixMilli(*rec.ClosedAt)
		b.ClosedAt = &t
	}
	if rec.DeletedAt != nil {
		t := time.UnixMilli(*rec.DeletedAt)
		b.DeletedAt = &t
	}
	deps := make([]types.Dependency, 0, len(rec.Dependencies))
	for _, d := range rec.Dependencies {
		deps = append(deps, types.Dependency{BeadID: rec.ID, DependsOnID: d.DependsOnID, Relationship: types.Relationship(d.Relationship)})
	}
	return b, deps
}

func memoryToRecord(m types.Memory) MemoryRecord {
	rec := MemoryRecord{ID: m.ID, Information: m.Content, Metadata: m.Metadata, Tags: m.Tags, CreatedAt: m.CreatedAt.UnixMilli()}
	if m.Confidence != 0 {
		c := m.Confidence
		rec.Confidence = &c
	}
	return rec
}

func recordToMemory(rec MemoryRecord, collection string) types.Memory {
	m := types.Memory{
		ID: rec.ID, Content: rec.Information, Metadata: rec.Metadata, Tags: rec.Tags,
		Collection: collection, CreatedAt: time.UnixMilli(rec.CreatedAt),
	}
	if rec.Confidence != nil {
		m.Confidence = *rec.Confidence
	}
	return m
}

// encodeLine marshals v compactly and appends the trailing newline spec.md
// §6.1 requires, with no other whitespace.
func encodeLine(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}
