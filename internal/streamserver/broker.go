// Package streamserver implements the durable-stream HTTP/SSE server of
// spec.md §4.I, §6.2: offset-paged JSON reads and an SSE live tail over
// /streams/:project_key, backed by the append-only event log, with an
// optional NATS JetStream republish of the same stream when NATS_URL is
// configured (SPEC_FULL.md §4.I elaboration).
package streamserver

import (
	"sync"

	"github.com/hivesync/hive/internal/types"
)

// StreamEvent is the wire shape of one item in a stream response
// (spec.md §6.2: `{offset, data, timestamp}`). Offset is the event's
// per-project sequence number; Event carries the full event record
// (including its own nested payload) under the "data" key.
type StreamEvent struct {
	Offset    int64       `json:"offset"`
	Event     types.Event `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// maxSubscriberBuffer bounds the per-subscriber channel so a slow SSE
// client drops events rather than blocking the publisher, grounded on the
// teacher's sseSubscriber (internal/rpc/server_core.go).
const maxSubscriberBuffer = 64

type subscriber struct {
	id         uint64
	projectKey string
	ch         chan StreamEvent
}

// Broker fans out newly appended events to live SSE subscribers, scoped
// per project_key. It holds no history; replay of already-committed events
// is served straight from the event log by Server.
type Broker struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	nextID      uint64
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{}
}

// Subscribe registers a live listener for projectKey and returns its event
// channel plus an unsubscribe function that closes the channel exactly
// once (spec.md §4.I: "cleaned up on client disconnect and on server stop").
func (b *Broker) Subscribe(projectKey string) (<-chan StreamEvent, func()) {
	sub := &subscriber{ch: make(chan StreamEvent, maxSubscriberBuffer), projectKey: projectKey}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, existing := range b.subscribers {
				if existing.id == sub.id {
					b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
					close(sub.ch)
					break
				}
			}
		})
	}
	return sub.ch, unsubscribe
}

// Publish fans evt out to every subscriber of evt.Event.ProjectKey. A
// subscriber whose channel is full drops the event rather than blocking
// the publisher.
func (b *Broker) Publish(evt StreamEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.projectKey != evt.Event.ProjectKey {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Stop closes every open subscriber channel, so every previously open SSE
// reader observes end-of-stream (spec.md §8 invariant 10).
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
