package turn

import (
	"context"
	"sync/atomic"
	"time"
)

// EventType names one of the four domain events a turn publishes.
type EventType string

const (
	EventTurnStarted   EventType = "turn.started"
	EventPlanReady     EventType = "plan.ready"
	EventTurnCompleted EventType = "turn.completed"
	EventTurnFailed    EventType = "turn.failed"
)

// Event is the envelope published to the Bus for every domain event. Only
// the fields relevant to Type are populated; the rest are zero.
type Event struct {
	Type      EventType
	Sequence  uint64
	Time      time.Time
	SessionID string

	// PlanReady
	PlanID string

	// TurnCompleted
	ModelUsed string
	ToolCalls int
	DurationMs int64

	// TurnFailed
	ErrorKind ErrorKind
	Message   string
}

// Sink receives published events. Implementations must not block the
// caller for long; a slow sink should buffer or drop internally.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards every event. Used when no observer is wired.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// Bus publishes turn lifecycle events to a configured sink with a
// monotonic, process-wide sequence number, mirroring the event emitter used
// by the agent runtime for its own run/iteration events.
type Bus struct {
	sink     Sink
	sequence uint64
}

// NewBus returns a Bus that forwards events to sink. If sink is nil, events
// are discarded via NopSink.
func NewBus(sink Sink) *Bus {
	if sink == nil {
		sink = NopSink{}
	}
	return &Bus{sink: sink}
}

func (b *Bus) next() uint64 { return atomic.AddUint64(&b.sequence, 1) }

func (b *Bus) publish(ctx context.Context, event Event) {
	event.Sequence = b.next()
	event.Time = time.Now()
	b.sink.Emit(ctx, event)
}

// TurnStarted publishes turn.started for sessionID.
func (b *Bus) TurnStarted(ctx context.Context, sessionID string) {
	b.publish(ctx, Event{Type: EventTurnStarted, SessionID: sessionID})
}

// PlanReady publishes plan.ready for the given plan/session pair.
func (b *Bus) PlanReady(ctx context.Context, sessionID, planID string) {
	b.publish(ctx, Event{Type: EventPlanReady, SessionID: sessionID, PlanID: planID})
}

// TurnCompleted publishes turn.completed with the final model used, the
// number of tool calls executed, and the turn's wall-clock duration.
func (b *Bus) TurnCompleted(ctx context.Context, sessionID, modelUsed string, toolCalls int, duration time.Duration) {
	b.publish(ctx, Event{
		Type:       EventTurnCompleted,
		SessionID:  sessionID,
		ModelUsed:  modelUsed,
		ToolCalls:  toolCalls,
		DurationMs: duration.Milliseconds(),
	})
}

// TurnFailed publishes turn.failed with the classifying error kind.
func (b *Bus) TurnFailed(ctx context.Context, sessionID string, kind ErrorKind, message string) {
	b.publish(ctx, Event{Type: EventTurnFailed, SessionID: sessionID, ErrorKind: kind, Message: message})
}
