// Package eventbus implements the in-process broadcast bus connecting the
// webhook deduplicator, the compute backend poller, and the scheduler.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type identifies the kind of a canonical event.
type Type string

const (
	IssueCreated   Type = "ISSUE_CREATED"
	IssueUpdated   Type = "ISSUE_UPDATED"
	IssueComment   Type = "ISSUE_COMMENT"
	NudgeRequested Type = "NUDGE_REQUESTED"
	PRReview       Type = "PR_REVIEW"
	PRClosed       Type = "PR_CLOSED"
	CheckRunFailed Type = "CHECK_RUN_FAILED"
	AgentStarted   Type = "AGENT_STARTED"
	AgentCompleted Type = "AGENT_COMPLETED"
	AgentFailed    Type = "AGENT_FAILED"
)

// Event is a single message on the bus.
type Event struct {
	Type      Type
	Timestamp time.Time
	Payload   map[string]interface{}
}

// Handler reacts to an event. A returned error is logged, not propagated;
// it never aborts sibling handlers.
type Handler func(ctx context.Context, event Event) error

// Bus is a single-producer-many-consumer, in-process, bounded FIFO. publish
// is non-blocking: a full queue drops the event and logs, so slow handlers
// never backpressure ingestion.
type Bus struct {
	queue chan Event

	mu          sync.Mutex
	subscribers map[Type][]Handler
	all         []Handler

	running   bool
	stopCh    chan struct{}
	done      chan struct{}
	inflight  sync.WaitGroup
	emptyCond *sync.Cond
	pending   int
	pendingMu sync.Mutex
}

// New creates a bus with the given bounded capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	b := &Bus{
		queue:       make(chan Event, capacity),
		subscribers: make(map[Type][]Handler),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.emptyCond = sync.NewCond(&b.pendingMu)
	return b
}

// Publish enqueues an event. If the queue is full the event is dropped and
// logged — the webhook inbox is the durable backstop, so ingestion must
// never block on a slow consumer.
func (b *Bus) Publish(eventType Type, payload map[string]interface{}) {
	event := Event{Type: eventType, Timestamp: time.Now(), Payload: payload}
	b.pendingMu.Lock()
	b.pending++
	b.pendingMu.Unlock()

	select {
	case b.queue <- event:
	default:
		slog.Error("event bus queue full, dropping event", "type", eventType, "capacity", cap(b.queue))
		b.pendingMu.Lock()
		b.pending--
		b.emptyCond.Broadcast()
		b.pendingMu.Unlock()
	}
}

// Subscribe registers handler for eventType, or for every event type when
// eventType is the empty string.
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.all = append(b.all, handler)
		return
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Unsubscribe removes a previously registered handler. Handlers are
// compared by pointer identity, so callers must keep a reference to the
// exact value passed to Subscribe.
func (b *Bus) Unsubscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		b.all = removeHandler(b.all, handler)
		return
	}
	b.subscribers[eventType] = removeHandler(b.subscribers[eventType], handler)
}

func removeHandler(handlers []Handler, target Handler) []Handler {
	targetPtr := handlerPtr(target)
	out := handlers[:0]
	for _, h := range handlers {
		if handlerPtr(h) != targetPtr {
			out = append(out, h)
		}
	}
	return out
}

// Start spawns the single consumer goroutine.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.consumeLoop(ctx)
}

// Stop signals the consumer to exit and waits for it to drain in-flight
// dispatch.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	<-b.done
	b.inflight.Wait()
}

// WaitUntilEmpty blocks until every published event has been dispatched.
// Intended for test determinism.
func (b *Bus) WaitUntilEmpty() {
	b.pendingMu.Lock()
	for b.pending > 0 {
		b.emptyCond.Wait()
	}
	b.pendingMu.Unlock()
}

// PendingCount returns the number of events not yet dispatched.
func (b *Bus) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return b.pending
}

func (b *Bus) consumeLoop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case event := <-b.queue:
			b.dispatch(ctx, event)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	defer func() {
		b.pendingMu.Lock()
		b.pending--
		b.emptyCond.Broadcast()
		b.pendingMu.Unlock()
	}()

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Type])+len(b.all))
	handlers = append(handlers, b.subscribers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		h := h
		wg.Add(1)
		b.inflight.Add(1)
		go func() {
			defer wg.Done()
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "type", event.Type, "recover", r)
				}
			}()
			if err := h(ctx, event); err != nil {
				slog.Error("event handler failed", "type", event.Type, "error", err)
			}
		}()
	}
	wg.Wait()
}
