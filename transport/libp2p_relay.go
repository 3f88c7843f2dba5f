package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/sirupsen/logrus"
)

// topicName derives the libp2p pubsub topic for a reserved event kind,
// following core/network.go's one-topic-per-concern convention.
func topicName(kind int) string {
	return fmt.Sprintf("tokenforge/events/kind-%d", kind)
}

// LibP2PRelay is the default Relay adapter: a libp2p host running
// GossipSub, one topic per reserved event kind. It is grounded on
// core/network.go's NewNode (libp2p.New + pubsub.NewGossipSub).
type LibP2PRelay struct {
	host   host.Host
	pubsub *pubsub.PubSub
	logger *logrus.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewLibP2PRelay creates a relay listening on listenAddr (a multiaddr
// string, e.g. "/ip4/0.0.0.0/tcp/0").
func NewLibP2PRelay(ctx context.Context, listenAddr string, logger *logrus.Logger) (*LibP2PRelay, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	return &LibP2PRelay{
		host:   h,
		pubsub: ps,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Close shuts down the underlying libp2p host.
func (r *LibP2PRelay) Close() error {
	return r.host.Close()
}

func (r *LibP2PRelay) topic(name string) (*pubsub.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[name]; ok {
		return t, nil
	}
	t, err := r.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	r.topics[name] = t
	return t, nil
}

// Publish serializes event as JSON and publishes it on the topic for its
// kind.
func (r *LibP2PRelay) Publish(ctx context.Context, event *Event) error {
	t, err := r.topic(topicName(event.Kind))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := t.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	r.logger.WithFields(logrus.Fields{"kind": event.Kind, "id": event.ID}).Debug("published relay event")
	return nil
}

// Subscribe joins the topic for the first requested kind (this protocol
// only ever uses ReservedKind, so a Filter names exactly one kind in
// practice) and filters incoming messages locally against #p and since,
// since pubsub topics have no native tag-matching.
func (r *LibP2PRelay) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	if len(filter.Kinds) == 0 {
		return nil, fmt.Errorf("subscribe requires at least one kind")
	}
	t, err := r.topic(topicName(filter.Kinds[0]))
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := &libp2pSubscription{
		sub:    sub,
		events: make(chan *Event, 64),
		eose:   make(chan struct{}),
		cancel: cancel,
	}
	go out.pump(subCtx, filter, r.host.ID().String(), r.logger)
	return out, nil
}

type libp2pSubscription struct {
	sub    *pubsub.Subscription
	events chan *Event
	eose   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (s *libp2pSubscription) Events() <-chan *Event    { return s.events }
func (s *libp2pSubscription) EOSE() <-chan struct{}    { return s.eose }

func (s *libp2pSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.sub.Cancel()
		close(s.events)
	})
	return nil
}

// pump relays libp2p pubsub messages into the Event channel, applying the
// #p/since filter locally. GossipSub has no stored-event backfill, so EOSE
// fires immediately — the 3-day lookback of spec.md §4.4 is instead
// satisfied by whatever durable relay sits behind this adapter in a real
// deployment; a pure-gossip relay has no history to replay.
func (s *libp2pSubscription) pump(ctx context.Context, filter Filter, selfID string, logger *logrus.Logger) {
	close(s.eose)
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom.String() == selfID {
			continue
		}
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			logger.WithError(err).Warn("dropping malformed relay event")
			continue
		}
		if !matches(&evt, filter) {
			continue
		}
		select {
		case s.events <- &evt:
		case <-ctx.Done():
			return
		}
	}
}

func matches(evt *Event, filter Filter) bool {
	if len(filter.Kinds) > 0 {
		kindOK := false
		for _, k := range filter.Kinds {
			if k == evt.Kind {
				kindOK = true
				break
			}
		}
		if !kindOK {
			return false
		}
	}
	if filter.Since != 0 && evt.CreatedAt < filter.Since {
		return false
	}
	if len(filter.P) == 0 {
		return true
	}
	recipients := evt.RecipientTags()
	for _, want := range filter.P {
		for _, got := range recipients {
			if want == got {
				return true
			}
		}
	}
	return false
}

// SinceLookback is the default subscription backfill window of spec.md
// §4.4: "since = now − 3 days".
const SinceLookback = 3 * 24 * time.Hour
