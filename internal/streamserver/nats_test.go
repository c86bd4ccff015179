package streamserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectForEventIsDeterministicAndSubjectSafe(t *testing.T) {
	subject := subjectForEvent("/repo", "bead_created")
	assert.True(t, strings.HasPrefix(subject, "beads."))
	assert.True(t, strings.HasSuffix(subject, ".bead_created"))
	assert.NotContains(t, subject[len("beads."):len(subject)-len(".bead_created")], "/")

	again := subjectForEvent("/repo", "bead_created")
	assert.Equal(t, subject, again, "subject must be deterministic for the same project key")

	other := subjectForEvent("/other-repo", "bead_created")
	assert.NotEqual(t, subject, other)
}
