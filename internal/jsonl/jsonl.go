// Package jsonl implements the git-sync layer of SPEC_FULL.md §4.F: export
// and import of bead/memory projections to newline-delimited JSON with a
// canonical field order, and a deterministic 3-way merge driver with
// tombstone, TTL, and clock-skew-grace semantics. The merge algorithm is
// adapted from the vendored internal/merge/merge.go (MIT, neongreen/mono)
// generalized to this repo's simpler bead record shape.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/projection"
	"github.com/hivesync/hive/internal/types"
)

// maxLineBytes bounds a single JSONL line, matching the teacher's reader
// (large descriptions still fit comfortably under 64MB).
const maxLineBytes = 64 * 1024 * 1024

// ImportOptions controls import's upsert behavior (spec.md §4.F).
type ImportOptions struct {
	// SkipExisting, if true, leaves any row that already exists untouched.
	SkipExisting bool
	// TombstoneTTL overrides DefaultTombstoneTTL for deciding whether an
	// incoming tombstone record is still live or garbage.
	TombstoneTTL time.Duration
}

// ImportResult reports what import did (spec.md §4.F).
type ImportResult struct {
	Created           int
	Updated           int
	Skipped           int
	TombstonesApplied int
	Errors            []string
}

// Export serializes every bead in project, including soft-deleted and
// tombstoned rows, as one compact JSON object per line in canonical field
// order (spec.md §4.F, §6.1). The output is deterministic for a given
// projection state: beads are ordered by id, and so are their dependency
// edges and labels.
func Export(ctx context.Context, reader *projection.Reader, project string) (string, error) {
	beads, err := reader.QueryAllForExport(ctx, project)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, b := range beads {
		deps, err := reader.GetDependencies(ctx, b.ID)
		if err != nil {
			return "", err
		}
		rec := beadToRecord(b, deps)
		line, err := encodeLine(rec)
		if err != nil {
			return "", fmt.Errorf("encode bead %s: %w", b.ID, err)
		}
		sb.WriteString(line)
	}
	return sb.String(), nil
}

// ExportMemories serializes memories as one compact JSON object per line.
// Embeddings are never part of a types.Memory's wire shape, so there is
// nothing to strip: the omission is structural, not a filtering step.
func ExportMemories(memories []types.Memory) (string, error) {
	var sb strings.Builder
	for _, m := range memories {
		rec := memoryToRecord(m)
		line, err := encodeLine(rec)
		if err != nil {
			return "", fmt.Errorf("encode memory %s: %w", m.ID, err)
		}
		sb.WriteString(line)
	}
	return sb.String(), nil
}

// Import parses data as JSONL and upserts each bead record by id into
// project's projections (spec.md §4.F). Blank lines are skipped; a
// malformed line is recorded in Errors without aborting the rest of the
// batch. Dependency edges embedded in a record are applied after the bead
// row itself so a cycle in one record's edges never blocks the others.
func Import(ctx context.Context, reader *projection.Reader, writer *projection.Writer, project, data string, opts ImportOptions) ImportResult {
	var result ImportResult

	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec BeadRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if rec.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: missing id", lineNum))
			continue
		}

		if err := importOne(ctx, reader, writer, project, rec, opts, &result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d (%s): %v", lineNum, rec.ID, err))
		}
	}
	if err := scanner.Err(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan error after line %d: %v", lineNum, err))
	}
	return result
}

func importOne(ctx context.Context, reader *projection.Reader, writer *projection.Writer, project string, rec BeadRecord, opts ImportOptions, result *ImportResult) error {
	_, err := reader.Get(ctx, rec.ID)
	exists := err == nil
	if err != nil && !dbx.AsKind(err, dbx.KindNotFound) {
		return err
	}
	if exists && opts.SkipExisting {
		result.Skipped++
		return nil
	}

	tombstone := IsTombstone(rec)
	if tombstone {
		ttl := opts.TombstoneTTL
		if ttl <= 0 {
			ttl = DefaultTombstoneTTL
		}
		if IsExpiredTombstone(time.UnixMilli(*rec.DeletedAt), ttl) {
			result.Skipped++
			return nil
		}
	}

	b, deps := recordToBead(rec, project)
	created, err := writer.SyncBead(ctx, project, b)
	if err != nil {
		return err
	}

	for _, d := range deps {
		if err := writer.AddDependency(ctx, project, d); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("bead %s: dependency on %s: %v", rec.ID, d.DependsOnID, err))
		}
	}

	switch {
	case tombstone:
		result.TombstonesApplied++
	case created:
		result.Created++
	default:
		result.Updated++
	}
	return nil
}
