package event

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/log"
	"github.com/google/uuid"
)

// Type represents the type of event.
type Type string

const (
	// TypeGeneration carries a full generation snapshot.
	TypeGeneration Type = "generation"
	// TypeOutputs replaces the output array of a generation.
	TypeOutputs Type = "outputs"
	// TypeStatus carries a status transition only.
	TypeStatus Type = "status"
	// TypeFailed carries a failure message.
	TypeFailed Type = "failed"
	// TypeDeleted announces a removed generation.
	TypeDeleted Type = "deleted"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeGeneration, TypeOutputs, TypeStatus, TypeFailed, TypeDeleted:
		return true
	}
	return false
}

// MaxBacklog is the number of undelivered events a subscriber may hold
// before it is evicted.
const MaxBacklog = 1024

// Event represents a change to one generation.
type Event struct {
	Type         Type               `json:"type"`
	GenerationID uuid.UUID          `json:"generation_id"`
	Timestamp    time.Time          `json:"timestamp"`
	Generation   *models.Generation `json:"job,omitempty"`
	Outputs      []*models.Output   `json:"outputs,omitempty"`
	Status       models.Status      `json:"status,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// Filter defines criteria for receiving events.
type Filter struct {
	GenerationID uuid.UUID
	Types        []Type
}

// Bus defines the event bus interface.
type Bus interface {
	Publish(e Event)
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, error)
}

type bus struct {
	subscribers map[*subscriber]struct{}
	mu          sync.RWMutex
	maxBacklog  int
}

// Option customizes a bus.
type Option func(*bus)

// WithMaxBacklog overrides MaxBacklog.
func WithMaxBacklog(n int) Option {
	return func(b *bus) {
		if n > 0 {
			b.maxBacklog = n
		}
	}
}

// New creates a new event bus.
func New(opts ...Option) Bus {
	b := &bus{
		subscribers: make(map[*subscriber]struct{}),
		maxBacklog:  MaxBacklog,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	var evicted []*subscriber
	for sub := range b.subscribers {
		if !matches(sub.filter, e) {
			continue
		}
		if !sub.push(e, b.maxBacklog) {
			evicted = append(evicted, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range evicted {
		log.Warn("evicting slow event subscriber", "backlog", b.maxBacklog)
		b.remove(sub)
	}
}

func (b *bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, error) {
	sub := newSubscriber(filter)

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub)
		case <-sub.done:
		}
	}()

	return sub.out, nil
}

func (b *bus) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

func matches(filter Filter, e Event) bool {
	if filter.GenerationID != uuid.Nil && filter.GenerationID != e.GenerationID {
		return false
	}
	if len(filter.Types) > 0 && !slices.Contains(filter.Types, e.Type) {
		return false
	}
	return true
}

// subscriber owns an unbounded-until-evicted FIFO drained by pump, so
// Publish never waits on a slow reader.
type subscriber struct {
	filter Filter
	out    chan Event
	done   chan struct{}

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	closed bool
}

func newSubscriber(filter Filter) *subscriber {
	return &subscriber{
		filter: filter,
		out:    make(chan Event),
		done:   make(chan struct{}),
		signal: make(chan struct{}, 1),
	}
}

// push enqueues e and reports false when the backlog limit is exceeded.
func (s *subscriber) push(e Event, limit int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return e, true
}

func (s *subscriber) pump() {
	defer close(s.out)

	for {
		e, ok := s.pop()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
