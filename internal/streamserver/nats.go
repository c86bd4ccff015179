package streamserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// StreamBeadEvents is the JetStream stream name events are republished to
// when NATS_URL is configured (SPEC_FULL.md §4.I elaboration), named after
// the teacher's per-domain stream constants in internal/eventbus/streams.go
// (StreamHookEvents, StreamDecisionEvents, ...).
const StreamBeadEvents = "BEAD_EVENTS"

// EnsureBeadEventsStream creates the BEAD_EVENTS stream if it doesn't
// already exist, mirroring the teacher's EnsureStreams idempotent-create
// pattern.
func EnsureBeadEventsStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamBeadEvents); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamBeadEvents,
			Subjects: []string{"beads.>"},
			Storage:  nats.FileStorage,
			MaxMsgs:  10000,
			MaxBytes: 100 << 20,
		})
		if err != nil {
			return fmt.Errorf("create %s stream: %w", StreamBeadEvents, err)
		}
	}
	return nil
}

// subjectForEvent builds "beads.<project_key_hash>.<type>", hashing the
// project key so it is subject-safe (project keys are filesystem paths and
// may contain '.' and '/', both of which are structural in NATS subjects).
func subjectForEvent(projectKey, eventType string) string {
	sum := sha256.Sum256([]byte(projectKey))
	return "beads." + hex.EncodeToString(sum[:])[:16] + "." + eventType
}

// NewNATSRepublisher returns a func(StreamEvent) suitable for Server's
// republish hook: every appended event is additionally published onto
// JetStream, giving nats-io/nats.go a concrete home per SPEC_FULL.md §4.I
// without displacing the contractual HTTP/SSE surface. Publish errors are
// swallowed; JetStream republish is a best-effort fan-out, never a
// dependency of the primary read path.
func NewNATSRepublisher(js nats.JetStreamContext) func(StreamEvent) {
	return func(evt StreamEvent) {
		data, err := json.Marshal(evt)
		if err != nil {
			return
		}
		subject := subjectForEvent(evt.Event.ProjectKey, evt.Event.Type)
		_, _ = js.Publish(subject, data)
	}
}
