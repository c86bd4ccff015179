package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/types"
)

// Reader is the read-only query surface over the materialized projections
// (spec.md §4.D). It never appends events; all writes go through Writer.
type Reader struct {
	db *dbx.DB
}

// NewReader creates a Reader backed by db.
func NewReader(db *dbx.DB) *Reader {
	return &Reader{db: db}
}

// Filter selects beads for Query.
type Filter struct {
	ProjectKey string
	Status     []string
	IssueType  []string
	ParentID   string
	Label      string
	Limit      int
	Offset     int
}

const beadSelectColumns = `id, project_key, title, description, issue_type, priority, status,
	parent_id, created_at, updated_at, closed_at, deleted_at, content_hash, files_touched,
	external_deps, agent_name, agent_program, close_reason`

// Get returns a single bead by id, or dbx.ErrNotFound if it has no row.
func (r *Reader) Get(ctx context.Context, id string) (types.Bead, error) {
	row := r.db.QueryRow(ctx, `SELECT `+beadSelectColumns+` FROM beads WHERE id = ?`, id)
	b, err := scanBead(row)
	if err != nil {
		return types.Bead{}, err
	}
	b.Labels, err = r.GetLabels(ctx, id)
	return b, err
}

// Query returns beads matching f, ordered by priority ascending then
// created_at ascending (spec.md §4.D ready-work ordering is reused here as
// the general default order).
func (r *Reader) Query(ctx context.Context, f Filter) ([]types.Bead, error) {
	query := `SELECT ` + beadSelectColumns + ` FROM beads WHERE project_key = ? AND deleted_at IS NULL`
	args := []any{f.ProjectKey}

	if len(f.Status) > 0 {
		query += " AND status IN (" + placeholders(len(f.Status)) + ")"
		for _, s := range f.Status {
			args = append(args, s)
		}
	}
	if len(f.IssueType) > 0 {
		query += " AND issue_type IN (" + placeholders(len(f.IssueType)) + ")"
		for _, t := range f.IssueType {
			args = append(args, t)
		}
	}
	if f.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, f.ParentID)
	}
	if f.Label != "" {
		query += " AND id IN (SELECT bead_id FROM bead_labels WHERE label = ?)"
		args = append(args, f.Label)
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beads []types.Bead
	for rows.Next() {
		b, err := scanBeadRows(rows)
		if err != nil {
			return nil, err
		}
		beads = append(beads, b)
	}
	return beads, dbx.Wrap("iterate beads", rows.Err())
}

// QueryAllForExport returns every bead in project, including soft-deleted
// and tombstoned rows, ordered by id for a stable export order. Used by
// internal/jsonl's export, which must be able to write tombstone records
// (spec.md §4.F, §6.1).
func (r *Reader) QueryAllForExport(ctx context.Context, project string) ([]types.Bead, error) {
	rows, err := r.db.Query(ctx, `SELECT `+beadSelectColumns+` FROM beads WHERE project_key = ? ORDER BY id ASC`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beads []types.Bead
	for rows.Next() {
		b, err := scanBeadRows(rows)
		if err != nil {
			return nil, err
		}
		b.Labels, err = r.GetLabels(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		beads = append(beads, b)
	}
	return beads, dbx.Wrap("iterate beads for export", rows.Err())
}

// GetDependencies returns the beads that id directly depends on.
func (r *Reader) GetDependencies(ctx context.Context, id string) ([]types.Dependency, error) {
	return r.queryDeps(ctx, `SELECT bead_id, depends_on_id, relationship, created_at FROM bead_dependencies WHERE bead_id = ? ORDER BY depends_on_id ASC, relationship ASC`, id)
}

// GetDependents returns the beads that directly depend on id.
func (r *Reader) GetDependents(ctx context.Context, id string) ([]types.Dependency, error) {
	return r.queryDeps(ctx, `SELECT bead_id, depends_on_id, relationship, created_at FROM bead_dependencies WHERE depends_on_id = ?`, id)
}

func (r *Reader) queryDeps(ctx context.Context, query, id string) ([]types.Dependency, error) {
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []types.Dependency
	for rows.Next() {
		var d types.Dependency
		var rel string
		var createdAtMs int64
		if err := rows.Scan(&d.BeadID, &d.DependsOnID, &rel, &createdAtMs); err != nil {
			return nil, dbx.Wrap("scan dependency", err)
		}
		d.Relationship = types.Relationship(rel)
		d.CreatedAt = time.UnixMilli(createdAtMs)
		deps = append(deps, d)
	}
	return deps, dbx.Wrap("iterate dependencies", rows.Err())
}

// GetBlockers returns the materialized transitive open-blocker ids for id
// from blocked_beads_cache, or an empty slice if the bead is unblocked
// (spec.md §3.3 — cache absence means unblocked).
func (r *Reader) GetBlockers(ctx context.Context, id string) ([]string, error) {
	var data string
	err := r.db.QueryRow(ctx, `SELECT blocker_ids FROM blocked_beads_cache WHERE bead_id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbx.Wrap("read blocked cache", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, dbx.NewError("unmarshal blocker ids", dbx.KindParse, err)
	}
	return ids, nil
}

// GetBlocked returns every bead in project that currently has at least one
// open blocker.
func (r *Reader) GetBlocked(ctx context.Context, project string) ([]types.Bead, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+prefixColumns("b.", beadSelectColumns)+`
		FROM beads b
		JOIN blocked_beads_cache c ON c.bead_id = b.id
		WHERE b.project_key = ? AND b.deleted_at IS NULL
		ORDER BY b.priority ASC, b.created_at ASC, b.id ASC`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beads []types.Bead
	for rows.Next() {
		b, err := scanBeadRows(rows)
		if err != nil {
			return nil, err
		}
		beads = append(beads, b)
	}
	return beads, dbx.Wrap("iterate blocked beads", rows.Err())
}

// GetNextReady returns unblocked beads with status open or in_progress in
// project ordered by priority ascending, then created_at ascending, then
// id lexicographically (spec.md §4.D "next ready work" tie-break rule,
// §8 invariant 3: ready = status ∈ {open, in_progress}, not deleted, and
// no blocked_beads_cache row).
func (r *Reader) GetNextReady(ctx context.Context, project string, limit int) ([]types.Bead, error) {
	query := `
		SELECT ` + prefixColumns("b.", beadSelectColumns) + `
		FROM beads b
		WHERE b.project_key = ? AND b.status IN ('open', 'in_progress') AND b.deleted_at IS NULL
		AND NOT EXISTS (SELECT 1 FROM blocked_beads_cache c WHERE c.bead_id = b.id)
		ORDER BY b.priority ASC, b.created_at ASC, b.id ASC`
	args := []any{project}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var beads []types.Bead
	for rows.Next() {
		b, err := scanBeadRows(rows)
		if err != nil {
			return nil, err
		}
		beads = append(beads, b)
	}
	return beads, dbx.Wrap("iterate ready beads", rows.Err())
}

// GetComments returns the comment tree for id in creation order; callers
// reconstruct the tree from ParentCommentID.
func (r *Reader) GetComments(ctx context.Context, beadID string) ([]types.Comment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, bead_id, author, body, parent_comment_id, created_at, metadata
		FROM bead_comments WHERE bead_id = ? ORDER BY created_at ASC, id ASC`, beadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []types.Comment
	for rows.Next() {
		var c types.Comment
		var createdAtMs int64
		var metaStr sql.NullString
		if err := rows.Scan(&c.ID, &c.BeadID, &c.Author, &c.Body, &c.ParentCommentID, &createdAtMs, &metaStr); err != nil {
			return nil, dbx.Wrap("scan comment", err)
		}
		c.CreatedAt = time.UnixMilli(createdAtMs)
		if metaStr.Valid && metaStr.String != "" {
			if err := json.Unmarshal([]byte(metaStr.String), &c.Metadata); err != nil {
				return nil, dbx.NewError("unmarshal comment metadata", dbx.KindParse, err)
			}
		}
		comments = append(comments, c)
	}
	return comments, dbx.Wrap("iterate comments", rows.Err())
}

// GetLabels returns the labels attached to beadID.
func (r *Reader) GetLabels(ctx context.Context, beadID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT label FROM bead_labels WHERE bead_id = ? ORDER BY label ASC`, beadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, dbx.Wrap("scan label", err)
		}
		labels = append(labels, l)
	}
	return labels, dbx.Wrap("iterate labels", rows.Err())
}

// GetDirty returns the ids marked dirty for project since the last
// ClearDirty, used by downstream consumers (e.g. the JSONL flush manager)
// to know which beads need re-export (spec.md §4.F).
func (r *Reader) GetDirty(ctx context.Context, project string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT bead_id FROM dirty_beads WHERE project_key = ? ORDER BY marked_at ASC`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbx.Wrap("scan dirty bead", err)
		}
		ids = append(ids, id)
	}
	return ids, dbx.Wrap("iterate dirty beads", rows.Err())
}

// MaxEventSequence returns the highest event sequence number appended for
// project so far, or 0 if no events have been appended yet.
func (r *Reader) MaxEventSequence(ctx context.Context, project string) (int64, error) {
	var seq sql.NullInt64
	row := r.db.QueryRow(ctx, `SELECT MAX(sequence) FROM events WHERE project_key = ?`, project)
	if err := row.Scan(&seq); err != nil {
		return 0, dbx.Wrap("read max event sequence", err)
	}
	return seq.Int64, nil
}

// ClearDirty removes ids from the dirty set, typically called after a
// successful JSONL flush.
func (r *Reader) ClearDirty(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM dirty_beads WHERE bead_id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := r.db.Exec(ctx, query, args...)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBead(row scannable) (types.Bead, error) {
	return scanBeadInto(row)
}

func scanBeadRows(rows *sql.Rows) (types.Bead, error) {
	return scanBeadInto(rows)
}

func scanBeadInto(s scannable) (types.Bead, error) {
	var b types.Bead
	var description, parentID, filesTouched, externalDeps, agentName, agentProgram, closeReason sql.NullString
	var closedAt, deletedAt sql.NullInt64
	var createdAtMs, updatedAtMs int64
	var issueType, status string

	err := s.Scan(&b.ID, &b.ProjectKey, &b.Title, &description, &issueType, &b.Priority, &status,
		&parentID, &createdAtMs, &updatedAtMs, &closedAt, &deletedAt, &b.ContentHash,
		&filesTouched, &externalDeps, &agentName, &agentProgram, &closeReason)
	if err != nil {
		return types.Bead{}, dbx.Wrap("scan bead", err)
	}

	b.Description = description.String
	b.ParentID = parentID.String
	b.AgentName = agentName.String
	b.AgentProgram = agentProgram.String
	b.CloseReason = closeReason.String
	b.IssueType = types.IssueType(issueType)
	b.Status = types.Status(status)
	b.CreatedAt = time.UnixMilli(createdAtMs)
	b.UpdatedAt = time.UnixMilli(updatedAtMs)
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64)
		b.ClosedAt = &t
	}
	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64)
		b.DeletedAt = &t
	}
	if filesTouched.Valid && filesTouched.String != "" {
		_ = json.Unmarshal([]byte(filesTouched.String), &b.FilesTouched)
	}
	if externalDeps.Valid && externalDeps.String != "" {
		_ = json.Unmarshal([]byte(externalDeps.String), &b.ExternalDeps)
	}
	return b, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		col := strings.TrimSpace(p)
		if col != "" {
			out = append(out, prefix+col)
		}
	}
	return strings.Join(out, ", ")
}
