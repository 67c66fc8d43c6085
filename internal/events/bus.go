package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/msageha/orbit/internal/model"
)

// EventType represents the type of event being published.
type EventType string

const (
	// Scheduler
	EventThreadMigrated EventType = "thread_migrated"
	EventCPUOnline      EventType = "cpu_online"
	EventCPUOffline     EventType = "cpu_offline"
	EventPreemption     EventType = "preemption"
	EventBalanceTick    EventType = "balance_tick"

	// Service
	EventServiceRegistered   EventType = "service_registered"
	EventServiceUnregistered EventType = "service_unregistered"
	EventStateChange         EventType = "state_change"
	EventHealthChange        EventType = "health_change"
	EventFaultDetected       EventType = "fault_detected"
	EventRecoveryAttempt     EventType = "recovery_attempt"
	EventRecoverySucceeded   EventType = "recovery_succeeded"
	EventRecoveryFailed      EventType = "recovery_failed"
	EventEscalation          EventType = "escalation"
	EventRollback            EventType = "rollback"
	EventConfigChanged       EventType = "config_changed"
	EventServiceEnabled      EventType = "service_enabled"
	EventServiceDisabled     EventType = "service_disabled"
	EventServiceReloaded     EventType = "service_reloaded"

	// Pool
	EventInstanceAdded   EventType = "instance_added"
	EventInstanceRemoved EventType = "instance_removed"
	EventSelection       EventType = "selection"
)

// Class decides what happens when a subscriber falls behind.
type Class int

const (
	// ClassLifecycle events block the producer until the subscriber has room.
	ClassLifecycle Class = iota
	// ClassTrace events evict the oldest queued event instead of blocking.
	ClassTrace
)

var traceTypes = map[EventType]bool{
	EventThreadMigrated: true,
	EventPreemption:     true,
	EventBalanceTick:    true,
	EventSelection:      true,
}

// ClassOf returns the overflow class of an event type.
func ClassOf(t EventType) Class {
	if traceTypes[t] {
		return ClassTrace
	}
	return ClassLifecycle
}

// Event represents a system event. Subject is the thread, cpu, service or pool the event is about.
type Event struct {
	ID        string
	Seq       uint64
	Type      EventType
	Timestamp time.Time
	Subject   string
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is the producer side of the bus, so emitters can be faked in tests.
type Publisher interface {
	Publish(eventType EventType, subject string, data map[string]any)
}

type subscription struct {
	types map[EventType]bool
	limit int

	mu     sync.Mutex
	queue  []Event
	traces int

	ready chan struct{}
	space chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push queues e. A full queue first gives up its oldest trace event; with none queued,
// a lifecycle event reports false so the caller can wait, and a trace event is discarded.
func (s *subscription) push(e Event, class Class) (queued, evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.limit {
		i := s.oldestTrace()
		if i < 0 {
			return class == ClassTrace, class == ClassTrace
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.traces--
		evicted = true
	}
	s.queue = append(s.queue, e)
	if class == ClassTrace {
		s.traces++
	}
	signal(s.ready)
	if len(s.queue) < s.limit {
		// pass the wakeup on to another waiting producer
		signal(s.space)
	}
	return true, evicted
}

// publish queues e, waiting for room while a lifecycle event finds only lifecycle events queued.
// It reports whether a trace event was evicted or discarded.
func (s *subscription) publish(e Event, class Class) bool {
	for {
		queued, evicted := s.push(e, class)
		if queued {
			return evicted
		}
		select {
		case <-s.space:
		case <-s.done:
			return false
		}
	}
}

func (s *subscription) oldestTrace() int {
	if s.traces == 0 {
		return -1
	}
	for i, e := range s.queue {
		if ClassOf(e.Type) == ClassTrace {
			return i
		}
	}
	return -1
}

func (s *subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	if ClassOf(e.Type) == ClassTrace {
		s.traces--
	}
	signal(s.space)
	return e, true
}

func (s *subscription) run(fn Subscriber) {
	for {
		select {
		case <-s.ready:
		case <-s.done:
			return
		}
		for {
			e, ok := s.pop()
			if !ok {
				break
			}
			deliver(fn, e)
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

// Bus is a bounded event bus using the Publish/Subscribe pattern.
// Events are delivered asynchronously, in publish order, through one bounded queue per subscriber.
// Trace events only ever evict other trace events; queued lifecycle events are never dropped.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	clock      clock.Clock
	seq        atomic.Uint64
	dropped    atomic.Uint64
	closed     bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int, clk clock.Clock) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		bufferSize: bufferSize,
		clock:      clk,
	}
}

// Subscribe registers fn for the given event types, or for every type when none are given.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	sub := &subscription{
		limit: b.bufferSize,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go sub.run(fn)

	return func() {
		sub.once.Do(func() { close(sub.done) })
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

func deliver(fn Subscriber, e Event) {
	defer func() {
		// a panicking subscriber must not take the bus down
		_ = recover()
	}()
	fn(e)
}

// Publish sends an event to all interested subscribers.
// When a subscriber is full, a lifecycle event evicts its oldest queued trace event or waits for room;
// a trace event evicts the oldest queued trace event, or is itself discarded if only lifecycle events are queued.
func (b *Bus) Publish(eventType EventType, subject string, data map[string]any) {
	now := b.clock.Now().UTC()
	id, _ := model.GenerateID(model.IDTypeEvent, now)
	event := Event{
		ID:        id,
		Seq:       b.seq.Add(1),
		Type:      eventType,
		Timestamp: now,
		Subject:   subject,
		Data:      data,
	}
	class := ClassOf(eventType)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.wants(eventType) && sub.publish(event, class) {
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many trace events were evicted or discarded because a subscriber fell behind.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops every subscriber. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.once.Do(func() { close(sub.done) })
	}
	b.subs = nil
}
