// Package transport defines the pub/sub relay contract of spec.md §6 and a
// default adapter over go-libp2p-pubsub, grounded on the teacher's
// core/network.go node/pubsub wiring. Any transport meeting the Relay
// interface is substitutable; concrete relay implementations are an
// out-of-scope external collaborator per spec.md §1.
package transport

import "context"

// ReservedKind is the single reserved event kind used for gift-wrapped
// request/response envelopes (spec.md §4.4 — "1059 in the source; any
// single reserved kind suffices").
const ReservedKind = 1059

// Event is a relay event: a gift-wrapped, signed envelope whose plaintext
// content only the declared recipient(s) can read.
type Event struct {
	ID        string    `json:"id"`
	Kind      int       `json:"kind"`
	Pubkey    string    `json:"pubkey"` // sender's public key, verifiable post-decryption
	CreatedAt int64     `json:"created_at"`
	Tags      [][]string `json:"tags"` // e.g. [["p", recipientPubkeyHex]]
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// RecipientTags returns the "p" tag values on the event — the declared
// recipients.
func (e *Event) RecipientTags() []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			out = append(out, tag[1])
		}
	}
	return out
}

// Filter selects which events a subscription receives, mirroring the
// kinds/#p/since fields of spec.md §6.
type Filter struct {
	Kinds []int
	P     []string // "#p" tag match
	Since int64    // minimum created_at (unix seconds)
}

// Subscription is a live stream of events matching a Filter.
type Subscription interface {
	// Events yields events as they arrive. The channel is closed when the
	// subscription is closed or the relay connection ends.
	Events() <-chan *Event
	// EOSE is closed once the relay has delivered all matching
	// already-stored events and has transitioned to live delivery.
	EOSE() <-chan struct{}
	Close() error
}

// Relay is the pub/sub transport contract the core depends on (spec.md §6).
type Relay interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}
