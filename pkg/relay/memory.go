package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// Memory is an in-process relay. It stores every published event, replays matching events to
// new subscriptions followed by end-of-stored-events, and then delivers live events, including
// back to the publisher.
type Memory struct {
	mu         sync.Mutex
	events     []*nostr.Event
	ids        map[string]struct{}
	subs       map[string]*memorySubscription
	noLive     bool
	publishErr error
}

// NewMemory returns an empty in-process relay.
func NewMemory() *Memory {
	return &Memory{
		ids:  make(map[string]struct{}),
		subs: make(map[string]*memorySubscription),
	}
}

// SetLiveDelivery turns delivery of newly published events to open subscriptions on or off.
// Stored events are still replayed to new subscriptions.
func (m *Memory) SetLiveDelivery(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noLive = !enabled
}

// FailPublish makes every following Publish return err. A nil err restores normal behaviour.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Stored returns the stored events matching filters, in publication order.
func (m *Memory) Stored(filters nostr.Filters) []*nostr.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*nostr.Event, 0)
	for _, e := range m.events {
		if filters.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Subscriptions returns the number of open subscriptions.
func (m *Memory) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Publish(_ context.Context, event nostr.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	if _, ok := m.ids[event.ID]; ok {
		return nil
	}
	stored := event
	m.ids[event.ID] = struct{}{}
	m.events = append(m.events, &stored)
	if m.noLive {
		return nil
	}
	for _, s := range m.subs {
		if s.filters.Match(&stored) {
			s.enqueue(copyEvent(&stored))
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, filters nostr.Filters) (Subscription, error) {
	s := &memorySubscription{
		id:      uuid.NewString(),
		filters: filters,
		events:  make(chan *nostr.Event),
		eose:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.remove = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, s.id)
	}

	m.mu.Lock()
	for _, e := range m.events {
		if filters.Match(e) {
			s.enqueue(copyEvent(e))
		}
	}
	s.enqueue(nil)
	m.subs[s.id] = s
	m.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type memorySubscription struct {
	id      string
	filters nostr.Filters
	events  chan *nostr.Event
	eose    chan struct{}
	wake    chan struct{}
	done    chan struct{}
	remove  func()

	mu    sync.Mutex
	queue []*nostr.Event

	closeOnce sync.Once
}

func (s *memorySubscription) Events() <-chan *nostr.Event {
	return s.events
}

func (s *memorySubscription) EndOfStoredEvents() <-chan struct{} {
	return s.eose
}

func (s *memorySubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.remove()
	})
}

// enqueue appends to the delivery queue. A nil event marks the end of stored events.
func (s *memorySubscription) enqueue(e *nostr.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		items := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range items {
			if e == nil {
				close(s.eose)
				continue
			}
			select {
			case s.events <- e:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func copyEvent(e *nostr.Event) *nostr.Event {
	out := *e
	out.Tags = make(nostr.Tags, len(e.Tags))
	copy(out.Tags, e.Tags)
	return &out
}
