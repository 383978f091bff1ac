// Package bus provides the in-process publish/subscribe event router that
// every other tripsaga component communicates through: the workflow engine
// publishes step-start/step-result events, stage participants publish
// completion/failure events, and the blackboard publishes state-changed
// and strong-consistency-write events. It generalizes the teacher's
// system/events.Dispatcher (a single worker pool with at-least-once,
// no per-key ordering) to the stronger "FIFO per saga_id across all
// topics that saga touches" guarantee the runtime needs.
package bus

import (
	"context"
	"sync"

	"github.com/r3e-network/tripsaga/pkg/logger"
	"github.com/r3e-network/tripsaga/pkg/metrics"
)

// Envelope is the message carried on the bus.
type Envelope struct {
	Topic         string
	SagaID        string
	Sequence      uint64
	CorrelationID string
	SpanID        string
	Payload       map[string]any
}

// Handler processes an envelope delivered to a subscribed topic. An
// error is recorded and logged; it never blocks or propagates to other
// handlers or to the publisher (spec.md §4.1, §7: "Bus handler errors
// are absorbed").
type Handler func(ctx context.Context, env *Envelope) error

type subscription struct {
	id      uint64
	handler Handler
}

// lane serializes delivery for a single saga_id, guaranteeing that
// envelopes published for that saga are delivered to each topic's
// subscribers in publish order, regardless of which topics they target.
type lane struct {
	queue chan *Envelope
	done  chan struct{}
}

// Bus is the shared event router. Zero value is not usable; construct
// with New.
type Bus struct {
	log *logger.Logger

	mu           sync.RWMutex
	subscribers  map[string][]subscription
	nextSubID    uint64
	lanes        map[string]*lane
	laneQueueCap int

	sequences map[string]uint64 // per-saga monotonic sequence counter

	dropped int64
}

// Config controls bus construction.
type Config struct {
	Logger       *logger.Logger
	LaneQueueCap int // per-saga queue depth before Publish drops the envelope
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{LaneQueueCap: 256}
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	if cfg.LaneQueueCap <= 0 {
		cfg.LaneQueueCap = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("bus")
	}
	return &Bus{
		log:          cfg.Logger,
		subscribers:  make(map[string][]subscription),
		lanes:        make(map[string]*lane),
		laneQueueCap: cfg.LaneQueueCap,
		sequences:    make(map[string]uint64),
	}
}

// Subscribe registers a handler for a topic. Handlers for the same
// topic run in registration order. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[topic] = append(b.subscribers[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish hands the envelope off for asynchronous delivery. It returns
// once the envelope is queued on its saga's lane, not once handlers have
// run. If env.SagaID is empty, delivery happens on an ad-hoc goroutine
// with no cross-publish ordering guarantee (matches spec.md: "no
// ordering guarantees across... sagas").
func (b *Bus) Publish(ctx context.Context, topic string, env *Envelope) {
	env.Topic = topic

	if env.SagaID == "" {
		go b.deliver(ctx, env)
		return
	}

	b.mu.Lock()
	env.Sequence = b.sequences[env.SagaID] + 1
	b.sequences[env.SagaID] = env.Sequence
	l, ok := b.lanes[env.SagaID]
	if !ok {
		l = &lane{queue: make(chan *Envelope, b.laneQueueCap), done: make(chan struct{})}
		b.lanes[env.SagaID] = l
		go b.runLane(ctx, env.SagaID, l)
	}
	b.mu.Unlock()

	select {
	case l.queue <- env:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		metrics.BusEnvelopesDropped.Inc()
		b.log.WithField("topic", topic).WithField("saga_id", env.SagaID).
			Warn("bus lane queue full, envelope dropped")
	}
}

// PublishSync delivers the envelope to all of the topic's subscribers
// synchronously, in registration order, and returns once every handler
// has run. Used by the blackboard for strong-consistency writes, which
// spec.md §4.2 requires to "emit... before returning."
func (b *Bus) PublishSync(ctx context.Context, topic string, env *Envelope) {
	env.Topic = topic
	b.mu.Lock()
	if env.SagaID != "" {
		env.Sequence = b.sequences[env.SagaID] + 1
		b.sequences[env.SagaID] = env.Sequence
	}
	b.mu.Unlock()
	b.deliver(ctx, env)
}

func (b *Bus) runLane(ctx context.Context, sagaID string, l *lane) {
	for {
		select {
		case env := <-l.queue:
			b.deliver(ctx, env)
		case <-l.done:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, env *Envelope) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[env.Topic]))
	copy(subs, b.subscribers[env.Topic])
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(ctx, s, env)
	}
}

func (b *Bus) invoke(ctx context.Context, s subscription, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("topic", env.Topic).WithField("saga_id", env.SagaID).
				Errorf("bus handler panicked: %v", r)
		}
	}()
	if err := s.handler(ctx, env); err != nil {
		b.log.WithField("topic", env.Topic).WithField("saga_id", env.SagaID).
			WithError(err).Warn("bus handler returned error")
	}
}

// CloseSaga releases the per-saga lane goroutine and sequence counter
// once a saga has reached a terminal state and its grace period has
// elapsed. Safe to call on a saga_id with no lane.
func (b *Bus) CloseSaga(sagaID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.lanes[sagaID]; ok {
		close(l.done)
		delete(b.lanes, sagaID)
	}
	delete(b.sequences, sagaID)
}

// Stats reports bus-level counters.
type Stats struct {
	ActiveLanes int
	Dropped     int64
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{ActiveLanes: len(b.lanes), Dropped: b.dropped}
}
