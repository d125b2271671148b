// Package bus implements the supervisor's event bus (spec §4.2): a bounded,
// blocking, multi-producer/single-consumer queue of worker telemetry.
//
// Ordering is FIFO per producer; cross-producer ordering is not guaranteed.
// Overflow policy is to block the producer — workers must feel backpressure
// rather than silently lose telemetry, which is why Publish blocks instead
// of dropping the way a fan-out pub/sub bus would.
package bus

import (
	"context"
	"log/slog"
)

const defaultBufferSize = 256

// Event is a message published on the bus by a worker or the chat agent.
type Event struct {
	Type     string
	WorkerID string
	TaskID   string
	Payload  any
}

// Event kinds, as named in spec §4.2.
const (
	TypeTaskStarted    = "task_started"
	TypeTaskProgress   = "task_progress"
	TypeTaskDone       = "task_done"
	TypeTaskFailed     = "task_failed"
	TypeLLMUsage       = "llm_usage"
	TypeHeartbeat      = "heartbeat"
	TypeRestartRequest = "restart_request"
	TypeOwnerNotify    = "owner_notify"
)

// TaskDonePayload carries a task's terminal result.
type TaskDonePayload struct {
	Result string
}

// TaskFailedPayload carries a task's failure reason.
type TaskFailedPayload struct {
	Error string
}

// LLMUsagePayload drives the budget ledger (spec §3 Budget ledger, §4.7 step 3).
type LLMUsagePayload struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	APIKeyKind       string
	ModelCategory    string
	TaskCategory     string
}

// OwnerNotifyPayload is forwarded to the UI adapter by the supervisor loop.
type OwnerNotifyPayload struct {
	ChatID int64
	Text   string
}

// RestartRequestPayload drives safe_restart (spec §4.3, §4.7 step 3).
type RestartRequestPayload struct {
	Reason         string
	UnsyncedPolicy string // "refuse" | "rescue_and_reset"
}

// Bus is the supervisor's single-consumer event queue, plus an auxiliary
// best-effort broadcast fan-out for secondary observers (e.g. a UI channel
// mirroring owner_notify events). The primary Events() channel is the only
// channel Publish blocks on; broadcast subscribers never apply backpressure
// to producers.
type Bus struct {
	events chan Event

	logger *slog.Logger

	broadcast *broadcaster
}

// New creates a Bus with the default buffer size.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		events:    make(chan Event, defaultBufferSize),
		logger:    logger,
		broadcast: newBroadcaster(logger),
	}
}

// Publish delivers an event to the single consumer, blocking if its buffer
// is full. It also best-effort broadcasts to auxiliary subscribers. Publish
// respects ctx cancellation so a shutting-down producer is not wedged
// forever against a stalled supervisor.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.broadcast.publish(ev)
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the single-consumer channel. Only the supervisor loop
// should range over this.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Drain performs one non-blocking pass over pending events, calling fn for
// each, per spec §4.7 step 2 ("drain the event bus (non-blocking; one full
// pass per tick)"). It stops at the first empty read.
func (b *Bus) Drain(fn func(Event)) int {
	n := 0
	for {
		select {
		case ev := <-b.events:
			fn(ev)
			n++
		default:
			return n
		}
	}
}

// Subscribe registers an auxiliary, non-blocking, best-effort observer
// matching the given topic prefix (empty matches all). Used by UI adapters
// that want to mirror owner_notify events without participating in the
// single-consumer contract.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.broadcast.subscribe(topicPrefix)
}

// Unsubscribe removes a previously registered auxiliary subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.broadcast.unsubscribe(sub)
}
