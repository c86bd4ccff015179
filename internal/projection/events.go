// Package projection materializes the event log into queryable tables
// (spec.md §4.D): work items, dependencies, labels, comments, agents,
// messages, reservations, and decision traces. update_projections is a
// pure function of (event, current state), switch-driven on event.type,
// and every mutation is idempotent under the same (id, sequence).
package projection

import "encoding/json"

// Event type constants, matching spec.md §4.D's rule list.
const (
	EventBeadCreated             = "bead_created"
	EventBeadUpdated             = "bead_updated"
	EventBeadStatusChanged       = "bead_status_changed"
	EventBeadClosed              = "bead_closed"
	EventBeadReopened            = "bead_reopened"
	EventBeadDeleted             = "bead_deleted"
	EventBeadTombstoned          = "bead_tombstoned"
	EventBeadSynced              = "bead_synced"
	EventBeadCompacted           = "bead_compacted"
	EventBeadEpicClosureEligible = "bead_epic_closure_eligible"

	EventBeadDependencyAdded   = "bead_dependency_added"
	EventBeadDependencyRemoved = "bead_dependency_removed"

	EventBeadLabelAdded   = "bead_label_added"
	EventBeadLabelRemoved = "bead_label_removed"

	EventBeadCommentAdded   = "bead_comment_added"
	EventBeadCommentUpdated = "bead_comment_updated"
	EventBeadCommentDeleted = "bead_comment_deleted"

	EventAgentRegistered = "agent_registered"
	EventAgentSeen       = "agent_seen"

	EventMessageSent = "message_sent"
	EventMessageRead = "message_read"

	EventReservationAcquired = "reservation_acquired"
	EventReservationReleased = "reservation_released"

	EventDecisionTraceRecorded = "decision_trace_recorded"
)

// BeadCreatedPayload is the data field of a bead_created event.
type BeadCreatedPayload struct {
	BeadID       string   `json:"bead_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	IssueType    string   `json:"issue_type"`
	Priority     int      `json:"priority"`
	ParentID     string   `json:"parent_id,omitempty"`
	ExternalDeps []string `json:"external_deps,omitempty"`
	AgentName    string   `json:"agent_name,omitempty"`
	AgentProgram string   `json:"agent_program,omitempty"`
}

// BeadUpdatedPayload is the data field of a bead_updated event. Nil pointer
// fields mean "leave unchanged" — this is a partial update.
type BeadUpdatedPayload struct {
	BeadID      string  `json:"bead_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

// BeadStatusChangedPayload is the data field of a bead_status_changed event.
type BeadStatusChangedPayload struct {
	BeadID    string `json:"bead_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// BeadClosedPayload is the data field of a bead_closed event.
type BeadClosedPayload struct {
	BeadID       string   `json:"bead_id"`
	Reason       string   `json:"reason,omitempty"`
	FilesTouched []string `json:"files_touched,omitempty"`
}

// BeadDependencyPayload is the data field of bead_dependency_added/removed.
type BeadDependencyPayload struct {
	BeadID       string `json:"bead_id"`
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
}

// BeadLabelPayload is the data field of bead_label_added/removed.
type BeadLabelPayload struct {
	BeadID string `json:"bead_id"`
	Label  string `json:"label"`
}

// BeadCommentPayload is the data field of bead_comment_added/updated/deleted.
type BeadCommentPayload struct {
	CommentID       int64             `json:"comment_id,omitempty"`
	BeadID          string            `json:"bead_id"`
	Author          string            `json:"author,omitempty"`
	Body            string            `json:"body,omitempty"`
	ParentCommentID *int64            `json:"parent_comment_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// BeadDeletedPayload is the data field of a bead_deleted event.
type BeadDeletedPayload struct {
	BeadID string `json:"bead_id"`
}

// BeadTombstonedPayload is the data field of a bead_tombstoned event: the
// terminal lifecycle transition after a soft-deleted bead's tombstone TTL
// expires or a JSONL import applies a remote tombstone directly
// (spec.md §3.2, §4.F).
type BeadTombstonedPayload struct {
	BeadID    string `json:"bead_id"`
	DeletedAt int64  `json:"deleted_at"`
}

// BeadSyncedPayload is the data field of a bead_synced event: a JSONL import
// upserting the full record state of a bead exactly as it appears in the
// sync file, rather than an incremental organic mutation. Unlike
// bead_created/bead_updated, timestamps and content_hash come from the
// record itself, not from the local clock (spec.md §4.F).
type BeadSyncedPayload struct {
	BeadID       string   `json:"bead_id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	IssueType    string   `json:"issue_type"`
	Priority     int      `json:"priority"`
	Status       string   `json:"status"`
	ParentID     string   `json:"parent_id,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
	ClosedAt     int64    `json:"closed_at,omitempty"`
	DeletedAt    int64    `json:"deleted_at,omitempty"`
	ContentHash  string   `json:"content_hash"`
	Labels       []string `json:"labels,omitempty"`
}

// AgentEventPayload is the data field of agent_registered/agent_seen.
type AgentEventPayload struct {
	Name    string `json:"name"`
	Program string `json:"program,omitempty"`
	Model   string `json:"model,omitempty"`
}

// MessageSentPayload is the data field of a message_sent event.
type MessageSentPayload struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body"`
}

// MessageReadPayload is the data field of a message_read event.
type MessageReadPayload struct {
	MessageID int64  `json:"message_id"`
	Reader    string `json:"reader"`
}

// ReservationPayload is the data field of reservation_acquired/released.
type ReservationPayload struct {
	Agent      string `json:"agent"`
	FileGlob   string `json:"file_glob"`
	ExpiresIn  int64  `json:"expires_in_ms,omitempty"`
}

// DecisionTracePayload is the data field of a decision_trace_recorded event.
type DecisionTracePayload struct {
	DecisionType    string          `json:"decision_type"`
	EpicID          string          `json:"epic_id,omitempty"`
	BeadID          string          `json:"bead_id,omitempty"`
	AgentName       string          `json:"agent_name"`
	Decision        json.RawMessage `json:"decision"`
	Rationale       string          `json:"rationale,omitempty"`
	InputsGathered  json.RawMessage `json:"inputs_gathered,omitempty"`
	PolicyEvaluated json.RawMessage `json:"policy_evaluated,omitempty"`
	Alternatives    json.RawMessage `json:"alternatives,omitempty"`
	PrecedentCited  json.RawMessage `json:"precedent_cited,omitempty"`
	Confidence      *float64        `json:"confidence,omitempty"`
}
