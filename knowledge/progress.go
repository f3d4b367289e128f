package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventSourceChanged = "source"
	EventPageChanged   = "page"
)

// ProgressEvent carries a whole-row snapshot. Delivery is at-least-once;
// consumers key their state off the absolute counters in the snapshot, never
// off deltas.
type ProgressEvent struct {
	SourceID uint64    `json:"source_id"`
	Kind     string    `json:"kind"`
	Source   *Source   `json:"source,omitempty"`
	Page     *Page     `json:"page,omitempty"`
	At       time.Time `json:"at"`
}

type progressSub struct {
	events chan ProgressEvent
}

// ProgressBroker fans row-change snapshots out to subscribers keyed by source
// id. With Redis configured, events also cross process boundaries; otherwise
// delivery stays in-process.
type ProgressBroker struct {
	mu     sync.RWMutex
	subs   map[uint64]map[*progressSub]struct{}
	remote *redis.Client
}

func NewProgressBroker(remote *redis.Client) *ProgressBroker {
	return &ProgressBroker{
		subs:   make(map[uint64]map[*progressSub]struct{}),
		remote: remote,
	}
}

func progressChannel(sourceID uint64) string {
	return fmt.Sprintf("knowledge:source:%d", sourceID)
}

func (b *ProgressBroker) Publish(ctx context.Context, event ProgressEvent) {
	if b == nil || event.SourceID == 0 {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	for sub := range b.subs[event.SourceID] {
		select {
		case sub.events <- event:
		default:
			// Slow subscriber; it will resync from the next snapshot.
		}
	}
	b.mu.RUnlock()

	if b.remote != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("knowledge: marshal progress event failed: %v", err)
			return
		}
		if err := b.remote.Publish(ctx, progressChannel(event.SourceID), payload).Err(); err != nil {
			log.Printf("knowledge: publish progress event failed: %v", err)
		}
	}
}

// Subscribe registers a listener for one source id. The returned cancel
// function must be called to release the subscription.
func (b *ProgressBroker) Subscribe(ctx context.Context, sourceID uint64) (<-chan ProgressEvent, func()) {
	sub := &progressSub{events: make(chan ProgressEvent, 32)}

	b.mu.Lock()
	if b.subs[sourceID] == nil {
		b.subs[sourceID] = make(map[*progressSub]struct{})
	}
	b.subs[sourceID][sub] = struct{}{}
	b.mu.Unlock()

	var pubsub *redis.PubSub
	if b.remote != nil {
		pubsub = b.remote.Subscribe(ctx, progressChannel(sourceID))
		go b.forwardRemote(pubsub, sub)
	}

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[sourceID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sourceID)
			}
		}
		b.mu.Unlock()
		if pubsub != nil {
			_ = pubsub.Close()
		}
	}

	return sub.events, cancel
}

func (b *ProgressBroker) forwardRemote(pubsub *redis.PubSub, sub *progressSub) {
	for msg := range pubsub.Channel() {
		var event ProgressEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Printf("knowledge: decode progress event failed: %v", err)
			continue
		}
		select {
		case sub.events <- event:
		default:
		}
	}
}
