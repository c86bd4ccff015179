package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hivesync/hive/internal/types"
)

func TestChunkMessagesOneToOne(t *testing.T) {
	msgs := []ParsedMessage{
		{SessionID: "s1", AgentType: "claude-code", MessageIdx: 1, Role: types.RoleUser, Content: "hi"},
		{SessionID: "s1", AgentType: "claude-code", MessageIdx: 2, Role: types.RoleAssistant, Content: "hello"},
	}

	chunks := ChunkMessages(msgs)
	assert.Len(t, chunks, 2)
	assert.Equal(t, "hi", chunks[0].Content)
	assert.Equal(t, 1, chunks[0].MessageIdx)
	assert.Equal(t, "s1", chunks[0].SessionID)
	assert.Equal(t, msgs[1], chunks[1].Message)
}

func TestChunkMessagesEmpty(t *testing.T) {
	assert.Empty(t, ChunkMessages(nil))
}
