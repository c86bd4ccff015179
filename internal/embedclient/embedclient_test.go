package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vector(seed float32) []float32 {
	v := make([]float32, Dim)
	for i := range v {
		v[i] = seed
	}
	return v
}

func TestEmbedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Prompt)
		json.NewEncoder(w).Encode(embedResponse{Embedding: vector(0.5)})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model")
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, Dim)
	assert.Equal(t, float32(0.5), vec[0])
}

func TestEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Prompt {
		case "a":
			json.NewEncoder(w).Encode(embedResponse{Embedding: vector(0)})
		case "b":
			json.NewEncoder(w).Encode(embedResponse{Embedding: vector(1)})
		case "c":
			json.NewEncoder(w).Encode(embedResponse{Embedding: vector(2)})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model")
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(2), vecs[2][0])
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: vector(1)})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model", WithMaxElapsed(5*time.Second))
	vec, err := c.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, Dim)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestEmbedDoesNotRetryOnClientError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad model"))
	}))
	defer srv.Close()

	c := New(srv.URL, "bogus-model", WithMaxElapsed(2*time.Second))
	_, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "bge-m3"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "bge-m3")
	status := c.CheckHealth(context.Background())
	assert.True(t, status.Available)
	assert.Equal(t, "bge-m3", status.Model)
}

func TestCheckHealthUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", "bge-m3")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	status := c.CheckHealth(ctx)
	assert.False(t, status.Available)
}
