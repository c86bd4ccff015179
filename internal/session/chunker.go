package session

// Chunk is the unit handed to the embedding pipeline. In the baseline
// policy one chunk is one message; splitting a long message into several
// chunks is a named extension point (spec.md §4.H) that isn't needed by
// any currently supported agent format, so it isn't built.
type Chunk struct {
	SessionID  string
	AgentType  string
	MessageIdx int
	Content    string
	Message    ParsedMessage
}

// ChunkMessages converts parsed messages into chunks 1:1, preserving every
// field as metadata for the embedding/store step.
func ChunkMessages(messages []ParsedMessage) []Chunk {
	chunks := make([]Chunk, len(messages))
	for i, m := range messages {
		chunks[i] = Chunk{
			SessionID: m.SessionID, AgentType: m.AgentType, MessageIdx: m.MessageIdx,
			Content: m.Content, Message: m,
		}
	}
	return chunks
}
