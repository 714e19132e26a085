// Package bus fans board notifications out to in-process listeners such as
// the websocket hub and event streams.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is one notification. Seq increases by one per published event and
// lets stream clients notice gaps.
type Event struct {
	Seq     uint64
	Topic   string
	Payload any
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events skipped because this subscriber's buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus delivers without blocking the publisher. A subscriber that falls
// behind loses events rather than stalling lifecycle operations.
type Bus struct {
	seq     atomic.Uint64
	dropped atomic.Uint64

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a listener for topics starting with prefix; "" means
// every topic.
func (b *Bus) Subscribe(prefix string) *Subscription {
	return b.SubscribeBuffered(prefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity.
func (b *Bus) SubscribeBuffered(prefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefix: prefix, ch: make(chan Event, size)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish stamps the next sequence number on the event and offers it to
// every matching subscriber. It returns how many accepted it.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Seq: b.seq.Add(1), Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Emit makes *Bus usable as the engine's notifier.
func (b *Bus) Emit(event string, payload any) {
	b.Publish(event, payload)
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the total of undelivered events across all subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// LastSeq returns the sequence number of the most recent event, 0 if none.
func (b *Bus) LastSeq() uint64 { return b.seq.Load() }
