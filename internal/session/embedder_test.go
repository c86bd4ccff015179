package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/embedclient"
	"github.com/hivesync/hive/internal/memory"
	"github.com/hivesync/hive/internal/migrate"
	"github.com/hivesync/hive/internal/types"
)

func openEmbedderTestDB(t *testing.T) *dbx.DB {
	t.Helper()
	db, err := dbx.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.New(db, migrate.Schema, nil).Apply(context.Background()))
	return db
}

func fakeEmbedServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec := make([]float32, embedclient.Dim)
		vec[0] = 1
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
}

func testChunks() []Chunk {
	msgs := []ParsedMessage{
		{SessionID: "s1", AgentType: "claude-code", MessageIdx: 1, Role: types.RoleUser, Content: "hello"},
		{SessionID: "s1", AgentType: "claude-code", MessageIdx: 2, Role: types.RoleAssistant, Content: "hi there"},
		{SessionID: "s1", AgentType: "claude-code", MessageIdx: 3, Role: types.RoleUser, Content: "how are you"},
	}
	return ChunkMessages(msgs)
}

func TestEmbedAndStoreWithClient(t *testing.T) {
	srv := fakeEmbedServer(t)
	defer srv.Close()

	db := openEmbedderTestDB(t)
	store := memory.New(db, nil)
	client := embedclient.New(srv.URL, "test-model")

	err := EmbedAndStore(context.Background(), store, client, testChunks(), EmbedderOptions{Concurrency: 2})
	require.NoError(t, err)

	list, err := store.List(context.Background(), "sessions")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Embeddings)
}

func TestEmbedAndStoreWithoutClientStoresNullEmbeddings(t *testing.T) {
	db := openEmbedderTestDB(t)
	store := memory.New(db, nil)

	err := EmbedAndStore(context.Background(), store, nil, testChunks(), EmbedderOptions{})
	require.NoError(t, err)

	list, err := store.List(context.Background(), "sessions")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	found, err := store.FTSSearch(context.Background(), "hello", memory.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, found)
}

func TestEmbedAndStoreSurvivesEmbedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := openEmbedderTestDB(t)
	store := memory.New(db, nil)
	client := embedclient.New(srv.URL, "test-model", embedclient.WithMaxElapsed(50*time.Millisecond))

	err := EmbedAndStore(context.Background(), store, client, testChunks(), EmbedderOptions{})
	require.NoError(t, err, "a failing embedder must not abort storing the messages")

	list, err := store.List(context.Background(), "sessions")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
