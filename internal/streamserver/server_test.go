package streamserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivesync/hive/internal/dbx"
	"github.com/hivesync/hive/internal/eventlog"
	"github.com/hivesync/hive/internal/migrate"
)

func openStreamTestDB(t *testing.T) *dbx.DB {
	t.Helper()
	db, err := dbx.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrate.New(db, migrate.Schema, nil).Apply(context.Background()))
	return db
}

func appendN(t *testing.T, log *eventlog.Log, projectKey string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.AppendEvent(context.Background(), "bead_created", projectKey, map[string]any{"i": i})
		require.NoError(t, err)
	}
}

func TestHandleReadReturnsEventsAfterOffset(t *testing.T) {
	db := openStreamTestDB(t)
	log := eventlog.New(db)
	appendN(t, log, "/repo", 5)

	srv := New(log, NewBroker(), nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/streams/%2Frepo?offset=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []StreamEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Equal(t, int64(4), out[0].Offset)
	assert.Equal(t, int64(5), out[1].Offset)
}

func TestHandleReadRespectsLimit(t *testing.T) {
	db := openStreamTestDB(t)
	log := eventlog.New(db)
	appendN(t, log, "/repo", 5)

	srv := New(log, NewBroker(), nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/streams/%2Frepo?offset=0&limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []StreamEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].Offset)
	assert.Equal(t, int64(2), out[1].Offset)
}

func TestHandleReadMalformedOffsetTreatedAsZero(t *testing.T) {
	db := openStreamTestDB(t)
	log := eventlog.New(db)
	appendN(t, log, "/repo", 2)

	srv := New(log, NewBroker(), nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/streams/%2Frepo?offset=not-a-number")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []StreamEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out, 2)
}

// TestLiveSSEMatchesScenarioS6 implements spec.md §8 scenario S6: with 5
// initial events, subscribe live at offset 3, expect replay of 4,5 then two
// newly appended events in order, each as one SSE frame.
func TestLiveSSEMatchesScenarioS6(t *testing.T) {
	db := openStreamTestDB(t)
	log := eventlog.New(db)
	appendN(t, log, "/repo", 5)

	broker := NewBroker()
	srv := New(log, broker, nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/streams/%2Frepo?live=true&offset=3", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	require.Equal(t, "keep-alive", resp.Header.Get("Connection"))

	reader := bufio.NewReader(resp.Body)
	readFrame := func() StreamEvent {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt StreamEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
			return evt
		}
	}

	first := readFrame()
	assert.Equal(t, int64(4), first.Offset)
	second := readFrame()
	assert.Equal(t, int64(5), second.Offset)

	// Give the server a moment to finish the replay and enter the select
	// loop before publishing new events.
	time.Sleep(50 * time.Millisecond)

	publishAfterAppend(t, log, srv, "/repo")
	publishAfterAppend(t, log, srv, "/repo")

	third := readFrame()
	assert.Equal(t, int64(6), third.Offset)
	fourth := readFrame()
	assert.Equal(t, int64(7), fourth.Offset)
}

func TestUnknownRouteReturns404(t *testing.T) {
	db := openStreamTestDB(t)
	log := eventlog.New(db)
	srv := New(log, NewBroker(), nil, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/other")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopClosesOpenSSEStreams(t *testing.T) {
	broker := NewBroker()
	ch, _ := broker.Subscribe("/repo")

	broker.Stop()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed after Stop")
	}
}

// publishAfterAppend appends one event to the log and pushes it onto the
// server's live broker, mimicking the daemon wiring of AppendEvent+Publish
// documented in DESIGN.md.
func publishAfterAppend(t *testing.T, log *eventlog.Log, srv *Server, projectKey string) {
	t.Helper()
	appended, err := log.AppendEvent(context.Background(), "bead_updated", projectKey, map[string]any{})
	require.NoError(t, err)

	events, err := log.ReadEvents(context.Background(), eventlog.Filter{
		ProjectKey: projectKey, AfterSequence: appended.Sequence - 1, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	srv.Publish(eventToStreamEvent(events[0]))
}
