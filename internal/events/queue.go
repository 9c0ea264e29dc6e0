package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Queue fans events out to subscribers.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription is an active event stream. Close releases it.
type Subscription interface {
	Events() <-chan Event
	Close()
}

var errMissingType = errors.New("event type is required")

// NewMemoryQueue returns an in-process fan-out queue. Slow subscribers miss
// events rather than block publishers.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errMissingType
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}

// Discard is a Queue that drops everything.
var Discard Queue = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
func (discard) Subscribe() Subscription {
	ch := make(chan Event)
	close(ch)
	return closedSub(ch)
}

type closedSub chan Event

func (c closedSub) Events() <-chan Event { return c }
func (closedSub) Close()                 {}
