package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hivesync/hive/internal/depgraph"
	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/eventlog"
	"github.com/hivesync/hive/internal/types"
)

// Writer appends events and updates projections atomically: every exported
// method opens one transaction, appends the event, applies its projection
// effect, and commits both together (spec.md §4.C, §4.D).
type Writer struct {
	db    *dbx.DB
	graph *depgraph.Graph
}

// NewWriter creates a Writer backed by db.
func NewWriter(db *dbx.DB) *Writer {
	return &Writer{db: db, graph: depgraph.New()}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// CreateBead appends bead_created and inserts the bead row. content_hash is
// computed from the semantic fields (spec.md §3.2, §4.D).
func (w *Writer) CreateBead(ctx context.Context, b types.Bead) (types.Bead, error) {
	if b.IssueType == "" {
		b.IssueType = types.IssueTypeTask
	}
	if b.Status == "" {
		b.Status = types.StatusOpen
	}
	b.ContentHash = b.ComputeContentHash()

	payload := BeadCreatedPayload{
		BeadID: b.ID, Title: b.Title, Description: b.Description,
		IssueType: string(b.IssueType), Priority: b.Priority, ParentID: b.ParentID,
		ExternalDeps: b.ExternalDeps, AgentName: b.AgentName, AgentProgram: b.AgentProgram,
	}

	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadCreated, b.ProjectKey, payload); err != nil {
			return err
		}
		return applyBeadCreated(ctx, tx, b)
	})
	return b, err
}

func applyBeadCreated(ctx context.Context, tx *sql.Tx, b types.Bead) error {
	now := nowMs()
	filesTouched, _ := json.Marshal(b.FilesTouched)
	externalDeps, _ := json.Marshal(b.ExternalDeps)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO beads (id, project_key, title, description, issue_type, priority, status,
			parent_id, created_at, updated_at, content_hash, files_touched, external_deps,
			agent_name, agent_program)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		b.ID, b.ProjectKey, b.Title, b.Description, string(b.IssueType), b.Priority, string(b.Status),
		nullableString(b.ParentID), now, now, b.ContentHash, string(filesTouched), string(externalDeps),
		nullableString(b.AgentName), nullableString(b.AgentProgram),
	)
	if err != nil {
		return dbx.Wrap("insert bead", err)
	}
	return markDirtyTx(ctx, tx, b.ProjectKey, b.ID)
}

// UpdateBead appends bead_updated and applies a partial field update.
func (w *Writer) UpdateBead(ctx context.Context, projectKey string, payload BeadUpdatedPayload) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadUpdated, projectKey, payload); err != nil {
			return err
		}
		return applyBeadUpdated(ctx, tx, payload)
	})
}

func applyBeadUpdated(ctx context.Context, tx *sql.Tx, p BeadUpdatedPayload) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowMs()}
	if p.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *p.Title)
	}
	if p.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *p.Description)
	}
	if p.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *p.Priority)
	}
	args = append(args, p.BeadID)
	query := "UPDATE beads SET " + joinSets(sets) + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return dbx.Wrap("update bead", err)
	}
	return markDirtyByIDTx(ctx, tx, p.BeadID)
}

// ChangeBeadStatus appends bead_status_changed, updates status, and — if
// the bead transitioned to/from closed — triggers a cache rebuild for its
// dependents (spec.md §4.D).
func (w *Writer) ChangeBeadStatus(ctx context.Context, projectKey, beadID, newStatus string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		var oldStatus string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM beads WHERE id = ?`, beadID).Scan(&oldStatus); err != nil {
			return dbx.Wrap("read current status", err)
		}
		payload := BeadStatusChangedPayload{BeadID: beadID, OldStatus: oldStatus, NewStatus: newStatus}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadStatusChanged, projectKey, payload); err != nil {
			return err
		}
		return applyBeadStatusChanged(ctx, tx, w.graph, payload)
	})
}

func applyBeadStatusChanged(ctx context.Context, tx *sql.Tx, graph *depgraph.Graph, p BeadStatusChangedPayload) error {
	now := nowMs()
	if p.NewStatus == string(types.StatusClosed) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE beads SET status = ?, updated_at = ?, closed_at = ? WHERE id = ?`,
			p.NewStatus, now, now, p.BeadID); err != nil {
			return dbx.Wrap("update bead status", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE beads SET status = ?, updated_at = ? WHERE id = ?`,
			p.NewStatus, now, p.BeadID); err != nil {
			return dbx.Wrap("update bead status", err)
		}
	}
	if err := markDirtyByIDTx(ctx, tx, p.BeadID); err != nil {
		return err
	}
	if p.OldStatus != p.NewStatus && (p.NewStatus == string(types.StatusClosed) || p.OldStatus == string(types.StatusClosed)) {
		if err := graph.InvalidateBlockedCache(ctx, tx, p.BeadID); err != nil {
			return err
		}
		if p.NewStatus == string(types.StatusClosed) {
			if err := maybeEmitEpicClosureEligible(ctx, tx, p.BeadID); err != nil {
				return err
			}
		}
	}
	return nil
}

// maybeEmitEpicClosureEligible checks whether closing beadID leaves its
// parent epic with all children closed, emitting a synthetic
// bead_epic_closure_eligible event for the coordinator to consume
// (spec.md §4.D — a supplemented feature named explicitly in SPEC_FULL.md).
func maybeEmitEpicClosureEligible(ctx context.Context, tx *sql.Tx, beadID string) error {
	var parentID sql.NullString
	var projectKey string
	if err := tx.QueryRowContext(ctx, `SELECT parent_id, project_key FROM beads WHERE id = ?`, beadID).Scan(&parentID, &projectKey); err != nil {
		return dbx.Wrap("read parent of closed bead", err)
	}
	if !parentID.Valid || parentID.String == "" {
		return nil
	}
	var parentType string
	if err := tx.QueryRowContext(ctx, `SELECT issue_type FROM beads WHERE id = ?`, parentID.String).Scan(&parentType); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return dbx.Wrap("read parent type", err)
	}
	if parentType != string(types.IssueTypeEpic) {
		return nil
	}
	var openChildren int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM beads WHERE parent_id = ? AND status != 'closed' AND deleted_at IS NULL`,
		parentID.String).Scan(&openChildren); err != nil {
		return dbx.Wrap("count open children", err)
	}
	if openChildren > 0 {
		return nil
	}
	_, err := eventlog.AppendEventTx(ctx, tx, EventBeadEpicClosureEligible, projectKey, map[string]string{"epic_id": parentID.String})
	return err
}

// CloseBead appends bead_closed with reason and files touched, then
// transitions status to closed via the same projection rule as
// ChangeBeadStatus (spec.md §4.D).
func (w *Writer) CloseBead(ctx context.Context, projectKey, beadID, reason string, filesTouched []string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := BeadClosedPayload{BeadID: beadID, Reason: reason, FilesTouched: filesTouched}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadClosed, projectKey, payload); err != nil {
			return err
		}
		return applyBeadClosed(ctx, tx, w.graph, payload)
	})
}

func applyBeadClosed(ctx context.Context, tx *sql.Tx, graph *depgraph.Graph, p BeadClosedPayload) error {
	var oldStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM beads WHERE id = ?`, p.BeadID).Scan(&oldStatus); err != nil {
		return dbx.Wrap("read current status", err)
	}
	now := nowMs()
	ft, _ := json.Marshal(p.FilesTouched)
	if _, err := tx.ExecContext(ctx,
		`UPDATE beads SET status = 'closed', updated_at = ?, closed_at = ?, close_reason = ?, files_touched = ? WHERE id = ?`,
		now, now, p.Reason, string(ft), p.BeadID); err != nil {
		return dbx.Wrap("close bead", err)
	}
	if err := markDirtyByIDTx(ctx, tx, p.BeadID); err != nil {
		return err
	}
	if oldStatus != string(types.StatusClosed) {
		if err := graph.InvalidateBlockedCache(ctx, tx, p.BeadID); err != nil {
			return err
		}
		if err := maybeEmitEpicClosureEligible(ctx, tx, p.BeadID); err != nil {
			return err
		}
	}
	return nil
}

// ReopenBead appends bead_reopened: status -> open, clears closed_at, and
// rebuilds the blocked cache for dependents (spec.md §4.D).
func (w *Writer) ReopenBead(ctx context.Context, projectKey, beadID string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadReopened, projectKey, BeadDeletedPayload{BeadID: beadID}); err != nil {
			return err
		}
		return applyBeadReopened(ctx, tx, w.graph, beadID)
	})
}

func applyBeadReopened(ctx context.Context, tx *sql.Tx, graph *depgraph.Graph, beadID string) error {
	now := nowMs()
	if _, err := tx.ExecContext(ctx,
		`UPDATE beads SET status = 'open', updated_at = ?, closed_at = NULL WHERE id = ?`,
		now, beadID); err != nil {
		return dbx.Wrap("reopen bead", err)
	}
	if err := markDirtyByIDTx(ctx, tx, beadID); err != nil {
		return err
	}
	return graph.InvalidateBlockedCache(ctx, tx, beadID)
}

// DeleteBead appends bead_deleted: sets deleted_at (soft delete). A later
// bead_compacted event may remove historical events (spec.md §4.D).
func (w *Writer) DeleteBead(ctx context.Context, projectKey, beadID string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadDeleted, projectKey, BeadDeletedPayload{BeadID: beadID}); err != nil {
			return err
		}
		return applyBeadDeleted(ctx, tx, w.graph, beadID)
	})
}

func applyBeadDeleted(ctx context.Context, tx *sql.Tx, graph *depgraph.Graph, beadID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE beads SET deleted_at = ?, updated_at = ? WHERE id = ?`, nowMs(), nowMs(), beadID); err != nil {
		return dbx.Wrap("soft delete bead", err)
	}
	return graph.InvalidateBlockedCache(ctx, tx, beadID)
}

// TombstoneBead appends bead_tombstoned: the terminal state after a
// soft-deleted bead's tombstone TTL has expired (spec.md §3.2 lifecycle).
func (w *Writer) TombstoneBead(ctx context.Context, projectKey, beadID string, deletedAt time.Time) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := BeadTombstonedPayload{BeadID: beadID, DeletedAt: deletedAt.UnixMilli()}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadTombstoned, projectKey, payload); err != nil {
			return err
		}
		return applyBeadTombstoned(ctx, tx, w.graph, payload)
	})
}

func applyBeadTombstoned(ctx context.Context, tx *sql.Tx, graph *depgraph.Graph, p BeadTombstonedPayload) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE beads SET status = 'tombstone', deleted_at = ?, updated_at = ? WHERE id = ?`,
		p.DeletedAt, nowMs(), p.BeadID); err != nil {
		return dbx.Wrap("tombstone bead", err)
	}
	if err := markDirtyByIDTx(ctx, tx, p.BeadID); err != nil {
		return err
	}
	return graph.InvalidateBlockedCache(ctx, tx, p.BeadID)
}

// SyncBead appends bead_synced and upserts the full bead row with the exact
// field values given, rather than the local clock — this is how JSONL
// import (internal/jsonl) and 3-way merge resolution write a remote
// record's state (spec.md §4.F). It reports whether the bead was newly
// created as opposed to updated.
func (w *Writer) SyncBead(ctx context.Context, projectKey string, b types.Bead) (created bool, err error) {
	err = w.db.WithTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if scanErr := tx.QueryRowContext(ctx, `SELECT 1 FROM beads WHERE id = ?`, b.ID).Scan(&existing); scanErr == sql.ErrNoRows {
			created = true
		} else if scanErr != nil {
			return dbx.Wrap("check bead existence", scanErr)
		}

		payload := BeadSyncedPayload{
			BeadID: b.ID, Title: b.Title, Description: b.Description, IssueType: string(b.IssueType),
			Priority: b.Priority, Status: string(b.Status), ParentID: b.ParentID,
			CreatedAt: b.CreatedAt.UnixMilli(), UpdatedAt: b.UpdatedAt.UnixMilli(), ContentHash: b.ContentHash,
			Labels: b.Labels,
		}
		if b.ClosedAt != nil {
			payload.ClosedAt = b.ClosedAt.UnixMilli()
		}
		if b.DeletedAt != nil {
			payload.DeletedAt = b.DeletedAt.UnixMilli()
		}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadSynced, projectKey, payload); err != nil {
			return err
		}
		if err := applyBeadSynced(ctx, tx, b, projectKey); err != nil {
			return err
		}
		return w.graph.InvalidateBlockedCache(ctx, tx, b.ID)
	})
	return created, err
}

func applyBeadSynced(ctx context.Context, tx *sql.Tx, b types.Bead, projectKey string) error {
	filesTouched, _ := json.Marshal(b.FilesTouched)
	externalDeps, _ := json.Marshal(b.ExternalDeps)
	var closedAt, deletedAt any
	if b.ClosedAt != nil {
		closedAt = b.ClosedAt.UnixMilli()
	}
	if b.DeletedAt != nil {
		deletedAt = b.DeletedAt.UnixMilli()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO beads (id, project_key, title, description, issue_type, priority, status,
			parent_id, created_at, updated_at, closed_at, deleted_at, content_hash, files_touched,
			external_deps, agent_name, agent_program, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description, issue_type = excluded.issue_type,
			priority = excluded.priority, status = excluded.status, parent_id = excluded.parent_id,
			updated_at = excluded.updated_at, closed_at = excluded.closed_at, deleted_at = excluded.deleted_at,
			content_hash = excluded.content_hash, files_touched = excluded.files_touched,
			external_deps = excluded.external_deps, close_reason = excluded.close_reason`,
		b.ID, projectKey, b.Title, b.Description, string(b.IssueType), b.Priority, string(b.Status),
		nullableString(b.ParentID), b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli(), closedAt, deletedAt,
		b.ContentHash, string(filesTouched), string(externalDeps), nullableString(b.AgentName),
		nullableString(b.AgentProgram), nullableString(b.CloseReason),
	)
	if err != nil {
		return dbx.Wrap("sync bead", err)
	}
	if err := replaceLabelsTx(ctx, tx, b.ID, b.Labels); err != nil {
		return err
	}
	return markDirtyTx(ctx, tx, projectKey, b.ID)
}

// replaceLabelsTx makes bead_labels for beadID exactly equal to labels,
// used by a full-record sync (spec.md §4.F) where the incoming record is
// authoritative over every field, including which labels are attached.
func replaceLabelsTx(ctx context.Context, tx *sql.Tx, beadID string, labels []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM bead_labels WHERE bead_id = ?`, beadID); err != nil {
		return dbx.Wrap("clear labels for sync", err)
	}
	for _, label := range labels {
		if _, err := tx.ExecContext(ctx, `INSERT INTO bead_labels (bead_id, label) VALUES (?, ?) ON CONFLICT DO NOTHING`, beadID, label); err != nil {
			return dbx.Wrap("sync label", err)
		}
	}
	return nil
}

// AddDependency appends bead_dependency_added after checking for cycles
// (spec.md §4.D, §4.E). The relationship is always stored in its forward
// form; "blocked-by" is never persisted (spec.md §3.3).
func (w *Writer) AddDependency(ctx context.Context, projectKey string, dep types.Dependency) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if dep.Relationship == types.RelBlocks {
			would, path, err := w.graph.WouldCreateCycle(ctx, tx, dep.BeadID, dep.DependsOnID)
			if err != nil {
				return err
			}
			if would {
				return &depgraph.ErrCycle{Path: append([]string{dep.BeadID}, path...)}
			}
		}
		payload := BeadDependencyPayload{BeadID: dep.BeadID, DependsOnID: dep.DependsOnID, Relationship: string(dep.Relationship)}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadDependencyAdded, projectKey, payload); err != nil {
			return err
		}
		return applyDependencyAdded(ctx, tx, w.graph, payload)
	})
}

func applyDependencyAdded(ctx context.Context, tx *sql.Tx, graph *depgraph.Graph, p BeadDependencyPayload) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bead_dependencies (bead_id, depends_on_id, relationship, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(bead_id, depends_on_id, relationship) DO NOTHING`,
		p.BeadID, p.DependsOnID, p.Relationship, nowMs()); err != nil {
		return dbx.Wrap("insert dependency", err)
	}
	if p.Relationship == string(types.RelBlocks) {
		return graph.InvalidateBlockedCache(ctx, tx, p.BeadID)
	}
	return nil
}

// RemoveDependency appends bead_dependency_removed and rebuilds the cache.
func (w *Writer) RemoveDependency(ctx context.Context, projectKey string, dep types.Dependency) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := BeadDependencyPayload{BeadID: dep.BeadID, DependsOnID: dep.DependsOnID, Relationship: string(dep.Relationship)}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadDependencyRemoved, projectKey, payload); err != nil {
			return err
		}
		return applyDependencyRemoved(ctx, tx, w.graph, payload)
	})
}

func applyDependencyRemoved(ctx context.Context, tx *sql.Tx, graph *depgraph.Graph, p BeadDependencyPayload) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bead_dependencies WHERE bead_id = ? AND depends_on_id = ? AND relationship = ?`,
		p.BeadID, p.DependsOnID, p.Relationship); err != nil {
		return dbx.Wrap("delete dependency", err)
	}
	if p.Relationship == string(types.RelBlocks) {
		return graph.InvalidateBlockedCache(ctx, tx, p.BeadID)
	}
	return nil
}

// AddLabel appends bead_label_added and inserts the label.
func (w *Writer) AddLabel(ctx context.Context, projectKey, beadID, label string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadLabelAdded, projectKey, BeadLabelPayload{BeadID: beadID, Label: label}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO bead_labels (bead_id, label) VALUES (?, ?) ON CONFLICT DO NOTHING`, beadID, label)
		return dbx.Wrap("insert label", err)
	})
}

// RemoveLabel appends bead_label_removed and deletes the label.
func (w *Writer) RemoveLabel(ctx context.Context, projectKey, beadID, label string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadLabelRemoved, projectKey, BeadLabelPayload{BeadID: beadID, Label: label}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bead_labels WHERE bead_id = ? AND label = ?`, beadID, label)
		return dbx.Wrap("delete label", err)
	})
}

// AddComment appends bead_comment_added and inserts the comment.
func (w *Writer) AddComment(ctx context.Context, projectKey string, c types.Comment) (int64, error) {
	var id int64
	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		meta, _ := json.Marshal(c.Metadata)
		payload := BeadCommentPayload{BeadID: c.BeadID, Author: c.Author, Body: c.Body, ParentCommentID: c.ParentCommentID, Metadata: c.Metadata}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadCommentAdded, projectKey, payload); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO bead_comments (bead_id, author, body, parent_comment_id, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
			c.BeadID, c.Author, c.Body, c.ParentCommentID, nowMs(), string(meta))
		if err != nil {
			return dbx.Wrap("insert comment", err)
		}
		id, err = res.LastInsertId()
		return dbx.Wrap("read comment id", err)
	})
	return id, err
}

// UpdateComment appends bead_comment_updated and updates the body.
func (w *Writer) UpdateComment(ctx context.Context, projectKey string, commentID int64, beadID, body string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := BeadCommentPayload{CommentID: commentID, BeadID: beadID, Body: body}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadCommentUpdated, projectKey, payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE bead_comments SET body = ? WHERE id = ?`, body, commentID)
		return dbx.Wrap("update comment", err)
	})
}

// DeleteComment appends bead_comment_deleted and removes the comment row.
func (w *Writer) DeleteComment(ctx context.Context, projectKey string, commentID int64, beadID string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := BeadCommentPayload{CommentID: commentID, BeadID: beadID}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventBeadCommentDeleted, projectKey, payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bead_comments WHERE id = ?`, commentID)
		return dbx.Wrap("delete comment", err)
	})
}

// RegisterAgent appends agent_registered and upserts the agent row.
func (w *Writer) RegisterAgent(ctx context.Context, projectKey string, a types.Agent) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := AgentEventPayload{Name: a.Name, Program: a.Program, Model: a.Model}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventAgentRegistered, projectKey, payload); err != nil {
			return err
		}
		now := nowMs()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (project_key, name, program, model, registered_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_key, name) DO UPDATE SET program = excluded.program, model = excluded.model, last_seen_at = excluded.last_seen_at`,
			projectKey, a.Name, a.Program, a.Model, now, now)
		return dbx.Wrap("register agent", err)
	})
}

// SendMessage appends message_sent and inserts the message row.
func (w *Writer) SendMessage(ctx context.Context, projectKey string, m types.Message) (int64, error) {
	var id int64
	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := MessageSentPayload{Sender: m.Sender, Recipients: m.Recipients, Subject: m.Subject, Body: m.Body}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventMessageSent, projectKey, payload); err != nil {
			return err
		}
		recipients, _ := json.Marshal(m.Recipients)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (project_key, sender, recipients, subject, body, created_at, read_by) VALUES (?, ?, ?, ?, ?, ?, '[]')`,
			projectKey, m.Sender, string(recipients), m.Subject, m.Body, nowMs())
		if err != nil {
			return dbx.Wrap("insert message", err)
		}
		id, err = res.LastInsertId()
		return dbx.Wrap("read message id", err)
	})
	return id, err
}

// AcquireReservation appends reservation_acquired and upserts the lease.
func (w *Writer) AcquireReservation(ctx context.Context, projectKey string, r types.Reservation) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := ReservationPayload{Agent: r.Agent, FileGlob: r.FileGlob, ExpiresIn: r.ExpiresAt.Sub(r.AcquiredAt).Milliseconds()}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventReservationAcquired, projectKey, payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (project_key, agent, file_glob, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_key, agent, file_glob) DO UPDATE SET acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
			projectKey, r.Agent, r.FileGlob, r.AcquiredAt.UnixMilli(), r.ExpiresAt.UnixMilli())
		return dbx.Wrap("acquire reservation", err)
	})
}

// ReleaseReservation appends reservation_released and deletes the lease.
func (w *Writer) ReleaseReservation(ctx context.Context, projectKey, agent, fileGlob string) error {
	return w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := ReservationPayload{Agent: agent, FileGlob: fileGlob}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventReservationReleased, projectKey, payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE project_key = ? AND agent = ? AND file_glob = ?`, projectKey, agent, fileGlob)
		return dbx.Wrap("release reservation", err)
	})
}

// RecordDecisionTrace appends decision_trace_recorded and inserts the trace
// row (spec.md §3.6, §4.G "the core only stores the decision once made").
func (w *Writer) RecordDecisionTrace(ctx context.Context, projectKey string, d types.DecisionTrace) (int64, error) {
	var id int64
	err := w.db.WithTx(ctx, func(tx *sql.Tx) error {
		payload := DecisionTracePayload{
			DecisionType: string(d.DecisionType), EpicID: d.EpicID, BeadID: d.BeadID, AgentName: d.AgentName,
			Decision: d.Decision, Rationale: d.Rationale, InputsGathered: d.InputsGathered,
			PolicyEvaluated: d.PolicyEvaluated, Alternatives: d.Alternatives, PrecedentCited: d.PrecedentCited,
			Confidence: d.Confidence,
		}
		if _, err := eventlog.AppendEventTx(ctx, tx, EventDecisionTraceRecorded, projectKey, payload); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO decision_traces (decision_type, epic_id, bead_id, agent_name, project_key, decision,
				rationale, inputs_gathered, policy_evaluated, alternatives, precedent_cited, confidence, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(d.DecisionType), nullableString(d.EpicID), nullableString(d.BeadID), d.AgentName, projectKey,
			string(d.Decision), d.Rationale, string(d.InputsGathered), string(d.PolicyEvaluated),
			string(d.Alternatives), string(d.PrecedentCited), d.Confidence, nowMs())
		if err != nil {
			return dbx.Wrap("insert decision trace", err)
		}
		id, err = res.LastInsertId()
		return dbx.Wrap("read decision trace id", err)
	})
	return id, err
}

func markDirtyTx(ctx context.Context, tx *sql.Tx, projectKey, beadID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dirty_beads (bead_id, project_key, marked_at) VALUES (?, ?, ?) ON CONFLICT(bead_id) DO UPDATE SET marked_at = excluded.marked_at`,
		beadID, projectKey, nowMs())
	return dbx.Wrap("mark bead dirty", err)
}

func markDirtyByIDTx(ctx context.Context, tx *sql.Tx, beadID string) error {
	var projectKey string
	if err := tx.QueryRowContext(ctx, `SELECT project_key FROM beads WHERE id = ?`, beadID).Scan(&projectKey); err != nil {
		return dbx.Wrap("read project key for dirty mark", err)
	}
	return markDirtyTx(ctx, tx, projectKey, beadID)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
