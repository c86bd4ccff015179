package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hivesync/hive/internal/depgraph"
	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/types"
)

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// Replayer rebuilds projections from the event log, used for recovery and
// for verifying that projections are a pure function of the log
// (spec.md §4.C, §8 invariant 3: replay is idempotent and deterministic).
// It dispatches onto the same apply* functions Writer uses, so replaying
// and live-writing can never diverge in behavior.
type Replayer struct {
	db    *dbx.DB
	graph *depgraph.Graph
}

// NewReplayer creates a Replayer backed by db.
func NewReplayer(db *dbx.DB) *Replayer {
	return &Replayer{db: db, graph: depgraph.New()}
}

// Replay re-applies every event for f.ProjectKey (optionally after
// f.AfterSequence) against the projection tables. When clearViews is true,
// the project's projection rows are wiped first so the replay starts from
// empty state; otherwise replay relies on each apply* function's
// upsert/ON CONFLICT semantics to make re-application of an
// already-reflected event a no-op (spec.md §8 invariant 3).
func (r *Replayer) Replay(ctx context.Context, projectKey string, afterSequence int64, clearViews bool) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if clearViews {
			if err := clearProjections(ctx, tx, projectKey); err != nil {
				return err
			}
		}
		events, err := readEventsForReplay(ctx, tx, projectKey, afterSequence)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := r.apply(ctx, tx, e.Type, e.ProjectKey, e.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

type replayEvent struct {
	Type       string
	ProjectKey string
	Data       json.RawMessage
}

func readEventsForReplay(ctx context.Context, tx *sql.Tx, projectKey string, afterSequence int64) ([]replayEvent, error) {
	query := `SELECT type, project_key, data FROM events WHERE project_key = ?`
	args := []any{projectKey}
	if afterSequence > 0 {
		query += " AND sequence > ?"
		args = append(args, afterSequence)
	}
	query += " ORDER BY sequence ASC"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbx.Wrap("query events for replay", err)
	}
	defer rows.Close()

	var events []replayEvent
	for rows.Next() {
		var e replayEvent
		var data string
		if err := rows.Scan(&e.Type, &e.ProjectKey, &data); err != nil {
			return nil, dbx.Wrap("scan replay event", err)
		}
		e.Data = json.RawMessage(data)
		events = append(events, e)
	}
	return events, dbx.Wrap("iterate replay events", rows.Err())
}

// clearProjections removes every materialized row derived from the event
// log for project, leaving the events table itself untouched.
func clearProjections(ctx context.Context, tx *sql.Tx, project string) error {
	beadScoped := []string{"bead_comments", "bead_labels", "blocked_beads_cache", "bead_dependencies", "dirty_beads"}
	for _, t := range beadScoped {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t+` WHERE bead_id IN (SELECT id FROM beads WHERE project_key = ?)`, project); err != nil {
			return dbx.Wrap("clear "+t, err)
		}
	}
	projectScoped := []string{"beads", "agents", "messages", "reservations", "decision_traces"}
	for _, t := range projectScoped {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t+` WHERE project_key = ?`, project); err != nil {
			return dbx.Wrap("clear "+t, err)
		}
	}
	return nil
}

// apply dispatches a single persisted event onto the projection tables,
// unmarshaling its payload and calling the same apply* function write.go's
// Writer methods use. This is update_projections's switch (spec.md §4.D).
func (r *Replayer) apply(ctx context.Context, tx *sql.Tx, eventType, projectKey string, data json.RawMessage) error {
	switch eventType {
	case EventBeadCreated:
		var p BeadCreatedPayload
		if err := unmarshal(data, &p, "bead_created"); err != nil {
			return err
		}
		b := types.Bead{
			ID: p.BeadID, ProjectKey: projectKey, Title: p.Title, Description: p.Description,
			IssueType: types.IssueType(p.IssueType), Priority: p.Priority, ParentID: p.ParentID,
			Status: types.StatusOpen, ExternalDeps: p.ExternalDeps, AgentName: p.AgentName, AgentProgram: p.AgentProgram,
		}
		b.ContentHash = b.ComputeContentHash()
		return applyBeadCreated(ctx, tx, b)
	case EventBeadUpdated:
		var p BeadUpdatedPayload
		if err := unmarshal(data, &p, "bead_updated"); err != nil {
			return err
		}
		return applyBeadUpdated(ctx, tx, p)
	case EventBeadStatusChanged:
		var p BeadStatusChangedPayload
		if err := unmarshal(data, &p, "bead_status_changed"); err != nil {
			return err
		}
		return applyBeadStatusChanged(ctx, tx, r.graph, p)
	case EventBeadClosed:
		var p BeadClosedPayload
		if err := unmarshal(data, &p, "bead_closed"); err != nil {
			return err
		}
		return applyBeadClosed(ctx, tx, r.graph, p)
	case EventBeadReopened:
		var p BeadDeletedPayload
		if err := unmarshal(data, &p, "bead_reopened"); err != nil {
			return err
		}
		return applyBeadReopened(ctx, tx, r.graph, p.BeadID)
	case EventBeadDeleted:
		var p BeadDeletedPayload
		if err := unmarshal(data, &p, "bead_deleted"); err != nil {
			return err
		}
		return applyBeadDeleted(ctx, tx, r.graph, p.BeadID)
	case EventBeadTombstoned:
		var p BeadTombstonedPayload
		if err := unmarshal(data, &p, "bead_tombstoned"); err != nil {
			return err
		}
		return applyBeadTombstoned(ctx, tx, r.graph, p)
	case EventBeadSynced:
		var p BeadSyncedPayload
		if err := unmarshal(data, &p, "bead_synced"); err != nil {
			return err
		}
		b := types.Bead{
			ID: p.BeadID, Title: p.Title, Description: p.Description, IssueType: types.IssueType(p.IssueType),
			Priority: p.Priority, Status: types.Status(p.Status), ParentID: p.ParentID,
			CreatedAt: msToTime(p.CreatedAt), UpdatedAt: msToTime(p.UpdatedAt), ContentHash: p.ContentHash,
			Labels: p.Labels,
		}
		if p.ClosedAt != 0 {
			t := msToTime(p.ClosedAt)
			b.ClosedAt = &t
		}
		if p.DeletedAt != 0 {
			t := msToTime(p.DeletedAt)
			b.DeletedAt = &t
		}
		if err := applyBeadSynced(ctx, tx, b, projectKey); err != nil {
			return err
		}
		return r.graph.InvalidateBlockedCache(ctx, tx, b.ID)
	case EventBeadDependencyAdded:
		var p BeadDependencyPayload
		if err := unmarshal(data, &p, "bead_dependency_added"); err != nil {
			return err
		}
		return applyDependencyAdded(ctx, tx, r.graph, p)
	case EventBeadDependencyRemoved:
		var p BeadDependencyPayload
		if err := unmarshal(data, &p, "bead_dependency_removed"); err != nil {
			return err
		}
		return applyDependencyRemoved(ctx, tx, r.graph, p)
	case EventBeadLabelAdded:
		var p BeadLabelPayload
		if err := unmarshal(data, &p, "bead_label_added"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO bead_labels (bead_id, label) VALUES (?, ?) ON CONFLICT DO NOTHING`, p.BeadID, p.Label)
		return dbx.Wrap("replay label add", err)
	case EventBeadLabelRemoved:
		var p BeadLabelPayload
		if err := unmarshal(data, &p, "bead_label_removed"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bead_labels WHERE bead_id = ? AND label = ?`, p.BeadID, p.Label)
		return dbx.Wrap("replay label remove", err)
	case EventBeadCommentAdded:
		var p BeadCommentPayload
		if err := unmarshal(data, &p, "bead_comment_added"); err != nil {
			return err
		}
		meta, _ := json.Marshal(p.Metadata)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bead_comments (bead_id, author, body, parent_comment_id, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
			p.BeadID, p.Author, p.Body, p.ParentCommentID, nowMs(), string(meta))
		return dbx.Wrap("replay comment add", err)
	case EventBeadCommentUpdated:
		var p BeadCommentPayload
		if err := unmarshal(data, &p, "bead_comment_updated"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE bead_comments SET body = ? WHERE id = ?`, p.Body, p.CommentID)
		return dbx.Wrap("replay comment update", err)
	case EventBeadCommentDeleted:
		var p BeadCommentPayload
		if err := unmarshal(data, &p, "bead_comment_deleted"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bead_comments WHERE id = ?`, p.CommentID)
		return dbx.Wrap("replay comment delete", err)
	case EventAgentRegistered, EventAgentSeen:
		var p AgentEventPayload
		if err := unmarshal(data, &p, "agent event"); err != nil {
			return err
		}
		now := nowMs()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (project_key, name, program, model, registered_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_key, name) DO UPDATE SET program = excluded.program, model = excluded.model, last_seen_at = excluded.last_seen_at`,
			projectKey, p.Name, p.Program, p.Model, now, now)
		return dbx.Wrap("replay agent event", err)
	case EventMessageSent:
		var p MessageSentPayload
		if err := unmarshal(data, &p, "message_sent"); err != nil {
			return err
		}
		recipients, _ := json.Marshal(p.Recipients)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (project_key, sender, recipients, subject, body, created_at, read_by) VALUES (?, ?, ?, ?, ?, ?, '[]')`,
			projectKey, p.Sender, string(recipients), p.Subject, p.Body, nowMs())
		return dbx.Wrap("replay message send", err)
	case EventReservationAcquired:
		var p ReservationPayload
		if err := unmarshal(data, &p, "reservation_acquired"); err != nil {
			return err
		}
		now := nowMs()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (project_key, agent, file_glob, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_key, agent, file_glob) DO UPDATE SET acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
			projectKey, p.Agent, p.FileGlob, now, now+p.ExpiresIn)
		return dbx.Wrap("replay reservation acquire", err)
	case EventReservationReleased:
		var p ReservationPayload
		if err := unmarshal(data, &p, "reservation_released"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE project_key = ? AND agent = ? AND file_glob = ?`, projectKey, p.Agent, p.FileGlob)
		return dbx.Wrap("replay reservation release", err)
	case EventDecisionTraceRecorded:
		var p DecisionTracePayload
		if err := unmarshal(data, &p, "decision_trace_recorded"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decision_traces (decision_type, epic_id, bead_id, agent_name, project_key, decision,
				rationale, inputs_gathered, policy_evaluated, alternatives, precedent_cited, confidence, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.DecisionType, nullableString(p.EpicID), nullableString(p.BeadID), p.AgentName, projectKey,
			string(p.Decision), p.Rationale, string(p.InputsGathered), string(p.PolicyEvaluated),
			string(p.Alternatives), string(p.PrecedentCited), p.Confidence, nowMs())
		return dbx.Wrap("replay decision trace", err)
	case EventBeadEpicClosureEligible, EventBeadCompacted, EventMessageRead:
		// Synthetic/informational events with no projection table of their
		// own to replay into; consumers react to them live, not on replay.
		return nil
	default:
		return nil
	}
}

func unmarshal(data json.RawMessage, v any, what string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return dbx.NewError("unmarshal "+what, dbx.KindParse, err)
	}
	return nil
}
