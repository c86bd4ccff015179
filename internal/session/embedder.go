package session

import (
	"context"
	"strconv"

	"github.com/sourcegraph/conc/pool"

	"github.com/hivesync/hive/internal/embedclient"
	"github.com/hivesync/hive/internal/memory"
	"github.com/hivesync/hive/internal/types"
)

// DefaultEmbedConcurrency is the embedding pipeline's bounded concurrency
// default (spec.md §4.H).
const DefaultEmbedConcurrency = 5

// EmbedderOptions configures the embedding pipeline.
type EmbedderOptions struct {
	// Concurrency bounds how many embed calls run at once; default 5.
	Concurrency int
}

// EmbedAndStore runs chunks through the embedding client with bounded
// concurrency and stores each as a memory (spec.md §4.H: "batch calls to
// the embedding client, bounded concurrency (default 5). On any embedding
// failure, surfaces null embeddings and stores messages anyway so FTS can
// still find them."). A nil client always stores with a nil embedding.
func EmbedAndStore(ctx context.Context, store *memory.Store, client *embedclient.Client, chunks []Chunk, opts EmbedderOptions) error {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultEmbedConcurrency
	}

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx)
	for _, chunk := range chunks {
		chunk := chunk
		p.Go(func(ctx context.Context) error {
			var vec []float32
			if client != nil {
				if v, err := client.Embed(ctx, chunk.Content); err == nil {
					vec = v
				}
				// Embedding failure is deliberately swallowed here: the
				// message is still stored, findable via FTS, matching
				// spec.md's "stores messages anyway" rule.
			}
			return store.Store(ctx, chunkToMemory(chunk), vec)
		})
	}
	return p.Wait()
}

func chunkToMemory(c Chunk) types.Memory {
	return types.Memory{
		ID:          c.SessionID + ":" + strconv.Itoa(c.MessageIdx),
		Content:     c.Content,
		Collection:  "sessions",
		CreatedAt:   c.Message.Timestamp,
		Confidence:  1,
		AgentType:   c.AgentType,
		SessionID:   c.SessionID,
		MessageRole: c.Message.Role,
		MessageIdx:  c.MessageIdx,
		SourcePath:  c.Message.SourcePath,
	}
}
