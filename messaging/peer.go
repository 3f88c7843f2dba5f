package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tokenforge/cryptoutil"
	"tokenforge/dedup"
	"tokenforge/transport"
)

// Decoded is a gift-wrapped event opened and attributed to its sender.
type Decoded struct {
	SenderPub *cryptoutil.PublicKey
	Plaintext []byte
	Event     *transport.Event
}

// Handler is invoked for every successfully decrypted, deduplicated event
// addressed to this peer's identity or one of its registered single-use
// keys.
type Handler func(ctx context.Context, decoded *Decoded)

// PeerCore is the shared request/response plumbing embedded by Forge and
// Pocket: identity, relay transport, dedup, and subscription lifecycle. It
// corresponds to the teacher's NWPCBase/"Base" class, reimplemented as
// composition per spec.md §9.
type PeerCore struct {
	Identity *cryptoutil.PrivateKey
	Relay    transport.Relay
	Dedup    *dedup.Filter
	Logger   *logrus.Logger

	mu   sync.Mutex
	subs map[string]transport.Subscription // keyed by the subscribed pubkey hex
}

// NewPeerCore constructs a PeerCore. A nil dedup filter creates a fresh one;
// passing a restored one lets callers resume persisted dedup state across
// restarts (spec.md §4.4's bloom persistence).
func NewPeerCore(identity *cryptoutil.PrivateKey, relay transport.Relay, df *dedup.Filter, logger *logrus.Logger) *PeerCore {
	if df == nil {
		df = dedup.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PeerCore{
		Identity: identity,
		Relay:    relay,
		Dedup:    df,
		Logger:   logger,
		subs:     make(map[string]transport.Subscription),
	}
}

// SubscribeSelf opens a subscription for pubkeyHex (the peer's identity key
// or one of its single-use receive keys) with the standard 3-day lookback,
// and routes every deduplicated, decryptable event addressed to it to
// handler.
func (p *PeerCore) SubscribeSelf(ctx context.Context, pubkeyHex string, handler Handler) error {
	p.mu.Lock()
	if _, exists := p.subs[pubkeyHex]; exists {
		p.mu.Unlock()
		return fmt.Errorf("already subscribed to %s", pubkeyHex)
	}
	p.mu.Unlock()

	since := time.Now().Add(-transport.SinceLookback).Unix()
	sub, err := p.Relay.Subscribe(ctx, transport.Filter{
		Kinds: []int{transport.ReservedKind},
		P:     []string{pubkeyHex},
		Since: since,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pubkeyHex, err)
	}

	p.mu.Lock()
	p.subs[pubkeyHex] = sub
	p.mu.Unlock()

	go p.consume(ctx, sub, handler)
	return nil
}

// Unsubscribe closes the subscription for pubkeyHex, used after a
// single-use receive key has been consumed (spec.md §4.5).
func (p *PeerCore) Unsubscribe(pubkeyHex string) error {
	p.mu.Lock()
	sub, ok := p.subs[pubkeyHex]
	if ok {
		delete(p.subs, pubkeyHex)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Close()
}

// consume drains a subscription serially, applying dedup and decryption
// before invoking handler — "a peer services events serially per
// subscription in arrival order" (spec.md §5).
func (p *PeerCore) consume(ctx context.Context, sub transport.Subscription, handler Handler) {
	for evt := range sub.Events() {
		if p.Dedup.Observe(evt.ID) {
			continue
		}
		decoded, err := p.open(evt)
		if err != nil {
			p.Logger.WithError(err).WithField("event", evt.ID).Debug("dropping undecryptable event")
			continue
		}
		handler(ctx, decoded)
	}
}

// open verifies the outer envelope signature and decrypts the gift-wrapped
// content, returning the plaintext and the verified sender identity.
func (p *PeerCore) open(evt *transport.Event) (*Decoded, error) {
	senderPub, err := cryptoutil.PublicKeyFromHex(evt.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("sender public key: %w", err)
	}
	ok, err := senderPub.VerifyHex(evt.ID, evt.Sig)
	if err != nil || !ok {
		return nil, fmt.Errorf("outer envelope signature invalid")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(evt.Content)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	plaintext, err := p.Identity.Open(senderPub, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	return &Decoded{SenderPub: senderPub, Plaintext: plaintext, Event: evt}, nil
}

// Publish gift-wraps plaintext for recipientPub and publishes it as a
// relay event tagged with the recipient's public key.
func (p *PeerCore) Publish(ctx context.Context, recipientPub *cryptoutil.PublicKey, plaintext []byte) error {
	ciphertext, err := p.Identity.Seal(recipientPub, plaintext)
	if err != nil {
		return fmt.Errorf("seal envelope: %w", err)
	}
	evt := &transport.Event{
		Kind:      transport.ReservedKind,
		Pubkey:    p.Identity.PubKey().Hex(),
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{"p", recipientPub.Hex()}},
		Content:   base64.StdEncoding.EncodeToString(ciphertext),
	}
	evt.ID = eventID(evt)
	sig, err := p.Identity.SignHex(evt.ID)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	evt.Sig = sig
	return p.Relay.Publish(ctx, evt)
}

// eventID computes a content-addressable ID over the event's
// publicly-committed fields, matching "every relay event carries a
// content-addressable id" (spec.md §4.4).
func eventID(evt *transport.Event) string {
	tagsJSON, _ := json.Marshal(evt.Tags)
	buf := fmt.Sprintf("%s|%d|%d|%s|%s", evt.Pubkey, evt.Kind, evt.CreatedAt, tagsJSON, evt.Content)
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}

// NewRequestID generates a fresh correlation ID for an outbound request.
func NewRequestID() string {
	return uuid.NewString()
}
