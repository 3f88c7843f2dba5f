package transport

import (
	"context"
	"sync"
)

// MemoryRelay is an in-process Relay used by tests and single-binary demos.
// It implements the same publish/subscribe/filter contract as LibP2PRelay
// without any networking, so forge/pocket/messaging tests can run
// deterministically.
type MemoryRelay struct {
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
	log  []*Event // retained so new subscriptions can backfill, like a real relay's stored events
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[*memorySubscription]struct{})}
}

func (r *MemoryRelay) Publish(_ context.Context, event *Event) error {
	r.mu.Lock()
	r.log = append(r.log, event)
	subs := make([]*memorySubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		if !matches(event, s.filter) {
			continue
		}
		select {
		case s.events <- event:
		default:
			// Slow consumer: drop rather than block the publisher, matching
			// the "relay redelivers, dedup is the defense" model of §4.4.
		}
	}
	return nil
}

func (r *MemoryRelay) Subscribe(_ context.Context, filter Filter) (Subscription, error) {
	sub := &memorySubscription{
		events: make(chan *Event, 256),
		eose:   make(chan struct{}),
		relay:  r,
		filter: filter,
	}

	r.mu.Lock()
	backlog := make([]*Event, len(r.log))
	copy(backlog, r.log)
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for _, evt := range backlog {
			if matches(evt, filter) {
				sub.events <- evt
			}
		}
		close(sub.eose)
	}()

	return sub, nil
}

type memorySubscription struct {
	events    chan *Event
	eose      chan struct{}
	relay     *MemoryRelay
	filter    Filter
	closeOnce sync.Once
}

func (s *memorySubscription) Events() <-chan *Event { return s.events }
func (s *memorySubscription) EOSE() <-chan struct{} { return s.eose }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
		close(s.events)
	})
	return nil
}
