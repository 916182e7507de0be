package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/opsdeck/pkg/telemetry"
)

// EventHistory is the slice of the persistence layer the broadcaster needs to
// replay finished executions to late subscribers.
type EventHistory interface {
	// GetExecution returns the execution with the given id, or a NOT_FOUND
	// engine error.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListEvents returns the persisted stream events for one execution in
	// sequence order.
	ListEvents(ctx context.Context, executionID string) ([]StreamEvent, error)
}

// BroadcasterConfig holds stream broadcaster settings.
type BroadcasterConfig struct {
	// RingSize is how many recent events each live execution retains for
	// replay to subscribers that attach mid-run.
	RingSize int

	// SubscriberBuffer is the per-subscriber channel buffer. A subscriber
	// whose buffer fills is dropped rather than allowed to stall the stream.
	SubscriberBuffer int

	// Retention is how long a finished execution's hub stays around before
	// late subscribers fall back to the persisted event history.
	Retention time.Duration
}

// DefaultBroadcasterConfig returns the broadcaster defaults.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		RingSize:         256,
		SubscriberBuffer: 64,
		Retention:        2 * time.Minute,
	}
}

// subscriber is one attached stream consumer.
type subscriber struct {
	id int
	ch chan StreamEvent
}

// streamHub is the per-execution fan-out point.
type streamHub struct {
	mu          sync.Mutex
	ring        []StreamEvent
	ringSize    int
	nextSeq     uint64
	subscribers map[int]*subscriber
	nextSubID   int
	closed      bool
}

// StreamBroadcaster fans live execution output out to any number of
// subscribers. Events are sequenced per execution, a bounded ring buffer
// replays recent history to mid-run subscribers, and subscribers that stop
// draining are dropped so one slow consumer never blocks the rest.
type StreamBroadcaster struct {
	cfg     BroadcasterConfig
	history EventHistory
	metrics *telemetry.Metrics

	mu   sync.Mutex
	hubs map[string]*streamHub
}

// NewStreamBroadcaster creates a broadcaster backed by the given event
// history for terminal replay.
func NewStreamBroadcaster(cfg BroadcasterConfig, history EventHistory, metrics *telemetry.Metrics) *StreamBroadcaster {
	def := DefaultBroadcasterConfig()
	if cfg.RingSize <= 0 {
		cfg.RingSize = def.RingSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &StreamBroadcaster{
		cfg:     cfg,
		history: history,
		metrics: metrics,
		hubs:    make(map[string]*streamHub),
	}
}

// Open creates the stream hub for an execution. The orchestrator calls this
// when the execution starts running, before any events are published.
func (b *StreamBroadcaster) Open(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.hubs[executionID]; exists {
		return
	}
	b.hubs[executionID] = &streamHub{
		ringSize:    b.cfg.RingSize,
		subscribers: make(map[int]*subscriber),
	}
}

// Publish assigns the next sequence number to the event, appends it to the
// execution's ring buffer, and fans it out. Subscribers whose buffer is full
// are dropped. A terminal event closes the stream; the hub lingers for the
// retention window so just-missed subscribers still get the ring replay.
// The returned event carries the assigned sequence number.
func (b *StreamBroadcaster) Publish(executionID string, ev StreamEvent) StreamEvent {
	b.mu.Lock()
	hub, ok := b.hubs[executionID]
	b.mu.Unlock()
	if !ok {
		// Publishing to an unopened stream is an orchestrator bug; log and
		// drop rather than panic mid-execution.
		log.Error().Str("execution_id", executionID).Msg("Publish to unknown stream")
		return ev
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return ev
	}

	ev.Seq = hub.nextSeq
	hub.nextSeq++
	ev.ExecutionID = executionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	hub.ring = append(hub.ring, ev)
	if len(hub.ring) > hub.ringSize {
		hub.ring = hub.ring[len(hub.ring)-hub.ringSize:]
	}

	for id, sub := range hub.subscribers {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop it instead of stalling the stream.
			delete(hub.subscribers, id)
			close(sub.ch)
			b.metrics.RecordStreamDrop("slow_consumer")
			b.metrics.RecordStreamUnsubscribed()
			log.Warn().
				Str("execution_id", executionID).
				Int("subscriber", id).
				Msg("Dropped slow stream subscriber")
		}
	}

	if ev.Type.IsTerminal() {
		hub.closed = true
		for id, sub := range hub.subscribers {
			delete(hub.subscribers, id)
			close(sub.ch)
			b.metrics.RecordStreamUnsubscribed()
		}
		time.AfterFunc(b.cfg.Retention, func() {
			b.mu.Lock()
			delete(b.hubs, executionID)
			b.mu.Unlock()
		})
	}

	return ev
}

// Subscribe attaches to an execution's live stream. Events buffered in the
// ring are replayed first, then live events follow in sequence order. For
// finished executions the persisted event history is replayed and the channel
// closed. Unknown executions return a NOT_FOUND error. The returned cancel
// function detaches the subscriber.
func (b *StreamBroadcaster) Subscribe(ctx context.Context, executionID string) (<-chan StreamEvent, func(), error) {
	b.mu.Lock()
	hub, ok := b.hubs[executionID]
	b.mu.Unlock()

	if !ok {
		return b.replayFromHistory(ctx, executionID)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	// Buffer must hold the full ring replay plus headroom for live events.
	ch := make(chan StreamEvent, len(hub.ring)+b.cfg.SubscriberBuffer)
	for _, ev := range hub.ring {
		ch <- ev
	}

	if hub.closed {
		close(ch)
		return ch, func() {}, nil
	}

	sub := &subscriber{id: hub.nextSubID, ch: ch}
	hub.nextSubID++
	hub.subscribers[sub.id] = sub
	b.metrics.RecordStreamSubscribed()

	cancel := func() {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		if _, live := hub.subscribers[sub.id]; live {
			delete(hub.subscribers, sub.id)
			close(sub.ch)
			b.metrics.RecordStreamUnsubscribed()
		}
	}
	return ch, cancel, nil
}

// replayFromHistory serves a subscriber for an execution with no live hub:
// either the execution finished before retention expired, or it predates this
// process. The persisted events are replayed and the channel closed.
func (b *StreamBroadcaster) replayFromHistory(ctx context.Context, executionID string) (<-chan StreamEvent, func(), error) {
	if b.history == nil {
		return nil, nil, NewNotFoundError(fmt.Sprintf("no stream for execution %q", executionID), nil)
	}

	ex, err := b.history.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	events, err := b.history.ListEvents(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	// Executions resolved without ever streaming (startup recovery, queue
	// rejection) persist no events; synthesize the terminal outcome so
	// subscribers still learn how the execution ended.
	if len(events) == 0 && ex.Status.IsTerminal() {
		evType := StreamEventComplete
		if ex.Status == ExecutionStatusFailed || ex.Status == ExecutionStatusTimeout {
			evType = StreamEventError
		}
		events = append(events, StreamEvent{
			ExecutionID: executionID,
			Type:        evType,
			Status:      ex.Status,
			Data:        ex.Error,
			Timestamp:   valueOrNow(ex.CompletedAt),
		})
	}

	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

// SubscriberCount returns the number of live subscribers for an execution.
func (b *StreamBroadcaster) SubscriberCount(executionID string) int {
	b.mu.Lock()
	hub, ok := b.hubs[executionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.subscribers)
}
