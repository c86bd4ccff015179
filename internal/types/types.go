// Package types holds the shared data model for the coordination substrate:
// events, work items ("beads"), dependencies, labels, comments, agents,
// messages, reservations, decision traces, and semantic memories.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// IssueType enumerates the kinds of work a bead can represent.
type IssueType string

const (
	IssueTypeBug     IssueType = "bug"
	IssueTypeFeature IssueType = "feature"
	IssueTypeTask    IssueType = "task"
	IssueTypeEpic    IssueType = "epic"
	IssueTypeChore   IssueType = "chore"
)

// Status enumerates the lifecycle states of a bead.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusTombstone  Status = "tombstone"
)

// Relationship enumerates the kinds of edges between two beads.
type Relationship string

const (
	RelBlocks        Relationship = "blocks"
	RelRelated       Relationship = "related"
	RelDiscoveredFrom Relationship = "discovered-from"
)

// Event is a single append-only row in the event log (spec.md §3.1).
type Event struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectKey string          `json:"project_key"`
	Timestamp  int64           `json:"timestamp"` // unix ms
	Sequence   int64           `json:"sequence"`
	Data       json.RawMessage `json:"data"`
}

// Bead is a single unit of work (spec.md §3.2).
type Bead struct {
	ID            string     `json:"id"`
	ProjectKey    string     `json:"project_key"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	IssueType     IssueType  `json:"issue_type"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"status"`
	ParentID      string     `json:"parent_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	ContentHash   string     `json:"content_hash"`
	FilesTouched  []string   `json:"files_touched,omitempty"`
	ExternalDeps  []string   `json:"external_deps,omitempty"`
	AgentName     string     `json:"agent_name,omitempty"`
	AgentProgram  string     `json:"agent_program,omitempty"`
	Labels        []string   `json:"labels,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`
}

// ComputeContentHash computes a stable hash of the semantic fields of a bead
// (title, description, issue_type, priority, parent_id). Status and
// timestamps deliberately do not participate: the hash identifies the
// "content" of the bead for 3-way merge comparison, not its lifecycle state.
func (b *Bead) ComputeContentHash() string {
	h := sha256.New()
	h.Write([]byte(b.Title))
	h.Write([]byte{0})
	h.Write([]byte(b.Description))
	h.Write([]byte{0})
	h.Write([]byte(b.IssueType))
	h.Write([]byte{0})
	h.Write([]byte{byte(b.Priority)})
	h.Write([]byte{0})
	h.Write([]byte(b.ParentID))
	return hex.EncodeToString(h.Sum(nil))
}

// IsTombstone reports whether this bead record is a tombstone marker.
func (b *Bead) IsTombstone() bool {
	return b.Status == StatusTombstone && b.DeletedAt != nil
}

// Dependency is a directed edge between two beads (spec.md §3.3).
// BlockedBy is never stored: callers wanting "what blocks X" read the
// inverse of Blocks edges targeting X.
type Dependency struct {
	BeadID       string       `json:"bead_id"`
	DependsOnID  string       `json:"depends_on_id"`
	Relationship Relationship `json:"relationship"`
	CreatedAt    time.Time    `json:"created_at"`
}

// BlockedCacheEntry is a materialized row of blocked_beads_cache.
type BlockedCacheEntry struct {
	BeadID     string    `json:"bead_id"`
	BlockerIDs []string  `json:"blocker_ids"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Comment is one node in the comment tree of a bead (spec.md §3.4).
type Comment struct {
	ID              int64             `json:"id"`
	BeadID          string            `json:"bead_id"`
	Author          string            `json:"author"`
	Body            string            `json:"body"`
	ParentCommentID *int64            `json:"parent_comment_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Agent is a registered coordination participant (spec.md §3.5).
type Agent struct {
	ProjectKey   string    `json:"project_key"`
	Name         string    `json:"name"`
	Program      string    `json:"program"`
	Model        string    `json:"model"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Message is an inter-agent message (spec.md §3.5).
type Message struct {
	ID         int64     `json:"id"`
	ProjectKey string    `json:"project_key"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	ReadBy     []string  `json:"read_by,omitempty"`
}

// Reservation is a time-bounded lease over a set of file paths (spec.md §3.5).
type Reservation struct {
	ProjectKey string    `json:"project_key"`
	Agent      string    `json:"agent"`
	FileGlob   string    `json:"file_glob"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DecisionType enumerates the kinds of coordinator/worker decisions traced.
type DecisionType string

const (
	DecisionStrategySelection DecisionType = "strategy_selection"
	DecisionWorkerSpawn       DecisionType = "worker_spawn"
	DecisionReviewDecision    DecisionType = "review_decision"
	DecisionFileSelection     DecisionType = "file_selection"
	DecisionScopeChange       DecisionType = "scope_change"
)

// DecisionTrace is a persisted record of a decision (spec.md §3.6).
type DecisionTrace struct {
	ID               int64           `json:"id"`
	DecisionType     DecisionType    `json:"decision_type"`
	EpicID           string          `json:"epic_id,omitempty"`
	BeadID           string          `json:"bead_id,omitempty"`
	AgentName        string          `json:"agent_name"`
	ProjectKey       string          `json:"project_key"`
	Decision         json.RawMessage `json:"decision"`
	Rationale        string          `json:"rationale,omitempty"`
	InputsGathered   json.RawMessage `json:"inputs_gathered,omitempty"`
	PolicyEvaluated  json.RawMessage `json:"policy_evaluated,omitempty"`
	Alternatives     json.RawMessage `json:"alternatives,omitempty"`
	PrecedentCited   json.RawMessage `json:"precedent_cited,omitempty"`
	OutcomeEventID   *int64          `json:"outcome_event_id,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// MessageRole enumerates the speaker of a session message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Memory is a single semantic memory record (spec.md §3.7).
type Memory struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Collection  string            `json:"collection"`
	CreatedAt   time.Time         `json:"created_at"`
	Confidence  float64           `json:"confidence"`
	Tags        []string          `json:"tags,omitempty"`

	// Optional session fields.
	AgentType   string `json:"agent_type,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	MessageRole MessageRole `json:"message_role,omitempty"`
	MessageIdx  int    `json:"message_idx,omitempty"`
	SourcePath  string `json:"source_path,omitempty"`
}

// SessionIndexState tracks the staleness of one indexed session file
// (spec.md §3.8).
type SessionIndexState struct {
	SourcePath     string    `json:"source_path"`
	LastIndexedAt  time.Time `json:"last_indexed_at"`
	FileMtime      time.Time `json:"file_mtime"`
	MessageCount   int       `json:"message_count"`
}

// StaleGraceWindow is the grace period before an indexed file is considered
// stale again (spec.md §3.8, §8 invariant 9).
const StaleGraceWindow = 300 * time.Second
