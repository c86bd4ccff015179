package session

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiscoverDefaultPatterns(t *testing.T) {
	d := NewDiscoverer()

	cases := []struct {
		path      string
		agentType string
		ok        bool
	}{
		{"/home/u/.claude/projects/foo/session.jsonl", "claude-code", true},
		{"/home/u/.codex/sessions/2026-01-01/abc.jsonl", "codex", true},
		{"/home/u/.cursor/chats/xyz.jsonl", "cursor", true},
		{"/home/u/.aider.chat.history.jsonl", "aider", true},
		{"/home/u/notes.txt", "", false},
	}
	for _, c := range cases {
		got, ok := d.Discover(c.path)
		assert.Equal(t, c.ok, ok, c.path)
		assert.Equal(t, c.agentType, got, c.path)
	}
}

func TestDiscoverFirstMatchWins(t *testing.T) {
	d := NewDiscoverer()
	d.LoadPatterns([]PatternRule{
		{Pattern: regexp.MustCompile(`\.jsonl$`), AgentType: "generic"},
		{Pattern: regexp.MustCompile(`\.claude/`), AgentType: "claude-code"},
	})

	got, ok := d.Discover("/home/u/.claude/projects/foo/session.jsonl")
	assert.True(t, ok)
	assert.Equal(t, "generic", got)
}

func TestDiscoverResetPatterns(t *testing.T) {
	d := NewDiscoverer()
	d.LoadPatterns(nil)
	_, ok := d.Discover("/home/u/.claude/projects/foo/session.jsonl")
	assert.False(t, ok)

	d.ResetPatterns()
	got, ok := d.Discover("/home/u/.claude/projects/foo/session.jsonl")
	assert.True(t, ok)
	assert.Equal(t, "claude-code", got)
}
