// Package eventbus routes member commands, member state updates and group
// commands through a bounded worker pool.
//
// Each worker owns a queue and events are assigned to a queue by Key, so the
// handlers for one light or group run in publish order.
package eventbus

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeMemberCommand carries a light.Command to deliver to one member.
	EventTypeMemberCommand EventType = "member_command"
	// EventTypeMemberState signals that a member reported a new state.
	EventTypeMemberState EventType = "member_state"
	// EventTypeGroupCommand carries a power request addressed to a group.
	EventTypeGroupCommand EventType = "group_command"
)

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event represents an event in the system
type Event struct {
	Type EventType
	// Source names the transport or component that produced the event.
	Source string
	// Key is the light id or group object id the event refers to.
	Key     string
	Payload any
}

// Handler is a function that handles events
type Handler func(Event)

type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	queues []chan work
	next   atomic.Uint32 // spreads events without a key
	wg     sync.WaitGroup

	// Closed before the queues so publishers never send on a closed channel.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue
// size. The queue size applies to each worker.
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queues:   make([]chan work, workerCount),
		closing:  make(chan struct{}),
	}

	for i := range b.queues {
		b.queues[i] = make(chan work, queueSize)
		b.wg.Add(1)
		go b.worker(i, b.queues[i])
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

func (b *Bus) worker(id int, queue <-chan work) {
	defer b.wg.Done()

	for w := range queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Str("key", w.event.Key).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// queueFor returns the queue serving key.
func (b *Bus) queueFor(key string) chan work {
	if len(b.queues) == 1 {
		return b.queues[0]
	}
	if key == "" {
		return b.queues[int(b.next.Add(1)%uint32(len(b.queues)))]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.queues[int(h.Sum32()%uint32(len(b.queues)))]
}

// Publish sends an event to all subscribed handlers.
// Non-blocking: if the work queue is full or the bus is closing, the event is
// dropped and Publish reports false.
func (b *Bus) Publish(event Event) bool {
	// Held for the whole loop so Close cannot close the queue mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	queue := b.queueFor(event.Key)
	delivered := true
	for _, handler := range b.handlers[event.Type] {
		select {
		case <-b.closing:
			log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
			return false
		default:
		}

		select {
		case queue <- work{event: event, handler: handler}:
		default:
			log.Warn().
				Str("event_type", string(event.Type)).
				Str("key", event.Key).
				Msg("Event bus queue full, dropping event")
			delivered = false
		}
	}
	return delivered
}

// Close shuts down the worker pool gracefully.
// Publishers are stopped first, then queued work drains until ctx expires.
func (b *Bus) Close(ctx context.Context) {
	first := false
	b.closeOnce.Do(func() {
		first = true
		close(b.closing)
	})
	if !first {
		return
	}

	// Waits for in-flight Publish calls.
	b.mu.Lock()
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[EventType][]Handler)
}
