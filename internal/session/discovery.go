package session

import (
	"regexp"
	"sync"
)

// PatternRule maps a path regex to the agent type it identifies (spec.md
// §4.H agent-type discovery).
type PatternRule struct {
	Pattern   *regexp.Regexp
	AgentType string
}

// defaultPatterns covers the well-known on-disk agent session directories.
// Order matters: first match wins.
func defaultPatterns() []PatternRule {
	return []PatternRule{
		{Pattern: regexp.MustCompile(`\.claude/projects/.*\.jsonl$`), AgentType: "claude-code"},
		{Pattern: regexp.MustCompile(`\.codex/sessions/.*\.jsonl$`), AgentType: "codex"},
		{Pattern: regexp.MustCompile(`\.cursor/chats/.*\.jsonl$`), AgentType: "cursor"},
		{Pattern: regexp.MustCompile(`\.aider\.chat\.history\.jsonl$`), AgentType: "aider"},
	}
}

// Discoverer resolves a session file path to an agent type via an ordered,
// hot-swappable list of regex rules.
type Discoverer struct {
	mu       sync.RWMutex
	patterns []PatternRule
}

// NewDiscoverer creates a Discoverer seeded with the default patterns.
func NewDiscoverer() *Discoverer {
	return &Discoverer{patterns: defaultPatterns()}
}

// Discover returns the agent type for path and true, or ("", false) if no
// rule matches.
func (d *Discoverer) Discover(path string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, rule := range d.patterns {
		if rule.Pattern.MatchString(path) {
			return rule.AgentType, true
		}
	}
	return "", false
}

// LoadPatterns replaces the discoverer's rule list, for testability
// (spec.md §4.H: "rules are hot-swappable via load_patterns and
// reset_patterns for testability").
func (d *Discoverer) LoadPatterns(rules []PatternRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = rules
}

// ResetPatterns restores the default rule list.
func (d *Discoverer) ResetPatterns() {
	d.LoadPatterns(defaultPatterns())
}
