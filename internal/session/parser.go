package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hivesync/hive/internal/types"
)

// ParsedMessage is one normalized message extracted from a session file
// (spec.md §4.H). MessageIdx is the original line number, so a later
// deletion never shifts earlier ids.
type ParsedMessage struct {
	SessionID  string
	AgentType  string
	MessageIdx int
	Timestamp  time.Time
	Role       types.MessageRole
	Content    string
	SourcePath string
	Metadata   map[string]string
}

// rawLine is the superset of fields this parser recognizes across the
// session formats in the default discovery rules. Unknown fields are
// ignored; a line missing both role and content is treated as malformed
// and skipped.
type rawLine struct {
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Type      string          `json:"type"` // some formats call the role "type"
	Content   string          `json:"content"`
	Text      string          `json:"text"` // some formats call content "text"
	Timestamp json.RawMessage `json:"timestamp"`
	Message   *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// ParseFile reads path line by line and returns every well-formed message.
// Malformed and blank lines are skipped without aborting the rest of the
// file (spec.md §4.H).
func ParseFile(r io.Reader, path, agentType string) ([]ParsedMessage, error) {
	sessionID := BaseName(path)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []ParsedMessage
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}

		role, content, ok := normalizeRoleContent(raw)
		if !ok {
			continue
		}
		if raw.SessionID != "" {
			sessionID = raw.SessionID
		}

		out = append(out, ParsedMessage{
			SessionID:  sessionID,
			AgentType:  agentType,
			MessageIdx: lineNum,
			Timestamp:  parseTimestamp(raw.Timestamp),
			Role:       role,
			Content:    content,
			SourcePath: path,
		})
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan session file %s: %w", path, err)
	}
	return out, nil
}

func normalizeRoleContent(raw rawLine) (types.MessageRole, string, bool) {
	role := raw.Role
	content := raw.Content
	if raw.Message != nil {
		if role == "" {
			role = raw.Message.Role
		}
		if content == "" {
			content = raw.Message.Content
		}
	}
	if role == "" {
		role = raw.Type
	}
	if content == "" {
		content = raw.Text
	}
	if role == "" || content == "" {
		return "", "", false
	}
	switch types.MessageRole(role) {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		return types.MessageRole(role), content, true
	default:
		return "", "", false
	}
}

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
