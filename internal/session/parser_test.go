package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivesync/hive/internal/types"
)

func TestParseFileNormalizesRoleAndContent(t *testing.T) {
	input := strings.Join([]string{
		`{"session_id":"s1","role":"user","content":"hello","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","text":"hi there"}`,
		`{"message":{"role":"user","content":"nested"}}`,
	}, "\n") + "\n"

	msgs, err := ParseFile(strings.NewReader(input), "/tmp/s1.jsonl", "claude-code")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, "s1", msgs[0].SessionID)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, 1, msgs[0].MessageIdx)
	assert.False(t, msgs[0].Timestamp.IsZero())

	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Content)
	// no session_id on this line, carries forward from the prior line
	assert.Equal(t, "s1", msgs[1].SessionID)

	assert.Equal(t, types.RoleUser, msgs[2].Role)
	assert.Equal(t, "nested", msgs[2].Content)
}

func TestParseFileSkipsBlankAndMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"role":"user","content":"ok"}`,
		``,
		`not json at all`,
		`{"role":"unknown-role","content":"dropped"}`,
		`{"role":"assistant","content":"ok2"}`,
	}, "\n") + "\n"

	msgs, err := ParseFile(strings.NewReader(input), "/tmp/noid.jsonl", "codex")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ok", msgs[0].Content)
	assert.Equal(t, "ok2", msgs[1].Content)
	// MessageIdx preserves original line numbers, not the compacted index.
	assert.Equal(t, 1, msgs[0].MessageIdx)
	assert.Equal(t, 5, msgs[1].MessageIdx)
}

func TestParseFileFallsBackToPathStemForSessionID(t *testing.T) {
	input := `{"role":"user","content":"hi"}` + "\n"
	msgs, err := ParseFile(strings.NewReader(input), "/tmp/deadbeef.jsonl", "claude-code")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "deadbeef", msgs[0].SessionID)
}

func TestParseTimestampAcceptsUnixMillis(t *testing.T) {
	input := `{"role":"user","content":"hi","timestamp":1735689600000}` + "\n"
	msgs, err := ParseFile(strings.NewReader(input), "/tmp/s.jsonl", "codex")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1735689600000), msgs[0].Timestamp.UnixMilli())
}
