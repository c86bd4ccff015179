package streamserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hivesync/hive/internal/eventlog"
	"github.com/hivesync/hive/internal/types"
)

const keepaliveInterval = 15 * time.Second

// streamsPrefix is matched against the request's escaped path, not the
// decoded one: project_key is itself a filesystem path and may contain
// slashes (e.g. "/repo"), so the caller percent-encodes it and this server
// must not let http.ServeMux's path-cleaning collapse those encoded
// slashes before the handler ever sees them. Server therefore implements
// http.Handler directly instead of routing through a ServeMux.
const streamsPrefix = "/streams/"

// errorBody is the JSON shape of every non-2xx response
// (spec.md §4.I: `{error:{code, kind, message, retryable}}`).
type errorBody struct {
	Error struct {
		Code      int    `json:"code"`
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	body := errorBody{}
	body.Error.Code = status
	body.Error.Kind = kind
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Server is the durable-stream HTTP/SSE server (spec.md §4.I, §6.2).
type Server struct {
	log    *eventlog.Log
	broker *Broker
	republish func(StreamEvent)

	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex

	logger *slog.Logger
}

// New creates a Server reading from log and fanning live events out via
// broker. republish, if non-nil, is called for every appended event in
// addition to the broker (wired to NATS JetStream by NewNATSRepublisher).
func New(log *eventlog.Log, broker *Broker, republish func(StreamEvent), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{log: log, broker: broker, republish: republish, logger: logger}
}

// Publish makes evt visible to live subscribers and, if configured, the
// NATS republisher. Callers invoke this after the event's transaction
// commits (spec.md §5 ordering guarantees: readers only ever see committed
// events).
func (s *Server) Publish(evt StreamEvent) {
	s.broker.Publish(evt)
	if s.republish != nil {
		s.republish(evt)
	}
}

// Start serves the HTTP surface on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived
		IdleTimeout:  120 * time.Second,
	}
	var err error
	s.listener, err = net.Listen("tcp", addr)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		s.broker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	return s.httpServer.Serve(s.listener)
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ServeHTTP dispatches GET /streams/<percent-encoded project_key>; all
// other routes 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	escaped := r.URL.EscapedPath()
	if r.Method != http.MethodGet || !strings.HasPrefix(escaped, streamsPrefix) {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}

	projectKey, err := url.PathUnescape(strings.TrimPrefix(escaped, streamsPrefix))
	if err != nil || projectKey == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}

	offset := parseOffset(r.URL.Query().Get("offset"))

	if r.URL.Query().Get("live") == "true" {
		s.handleLive(w, r, projectKey, offset)
		return
	}
	s.handleRead(w, r, projectKey, offset)
}

// parseOffset treats a malformed offset as 0 (spec.md §4.I picks one of
// the two allowed behaviors consistently).
func parseOffset(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, projectKey string, offset int64) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.log.ReadEvents(r.Context(), eventlog.Filter{
		ProjectKey:    projectKey,
		AfterSequence: offset,
		Limit:         limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "io", err.Error())
		return
	}

	out := make([]StreamEvent, len(events))
	for i, e := range events {
		out[i] = eventToStreamEvent(e)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request, projectKey string, offset int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "io", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replay so no event committed during the replay
	// window is lost between the read and the live tail picking up.
	ch, unsubscribe := s.broker.Subscribe(projectKey)
	defer unsubscribe()

	lastSent := offset
	replay, err := s.log.ReadEvents(r.Context(), eventlog.Filter{ProjectKey: projectKey, AfterSequence: offset})
	if err == nil {
		for _, e := range replay {
			writeSSEFrame(w, eventToStreamEvent(e))
			lastSent = e.Sequence
		}
		flusher.Flush()
	}

	ctx := r.Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			// Skip anything already delivered during replay, so an event
			// committed while the replay query was running is never sent
			// twice.
			if evt.Offset <= lastSent {
				continue
			}
			writeSSEFrame(w, evt)
			lastSent = evt.Offset
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, evt StreamEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func eventToStreamEvent(e types.Event) StreamEvent {
	return StreamEvent{Offset: e.Sequence, Event: e, Timestamp: e.Timestamp}
}
