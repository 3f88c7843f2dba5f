// Package messaging implements the request/response substrate of spec.md
// §4.4/§9: gift-wrapped encrypted events over a pub/sub relay, with
// middleware-chain routing (server side) and promise-style correlation
// (client side). It composes a PeerCore embedded in Forge and Pocket rather
// than an inheritance hierarchy, per the "Class inheritance" design note in
// spec.md §9 — Base→Server/Peer→Forge/Pocket becomes struct embedding with
// method sets on the outer type.
package messaging

import (
	"encoding/json"

	"tokenforge/wireerr"
)

// Request is the wire shape of an outbound call, per spec.md §4.4.
type Request struct {
	ID        string `json:"id"`
	Method    string `json:"method"`
	Params    string `json:"params"` // stringified JSON, as the spec mandates
	Timestamp int64  `json:"timestamp"`
	Ver       string `json:"ver,omitempty"`
}

// Response is the wire shape of a reply, per spec.md §4.4.
type Response struct {
	ID        string          `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireerr.Error  `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Ver       string          `json:"ver,omitempty"`
}

// DecodeParams unmarshals r.Params (itself a JSON string) into v.
func (r *Request) DecodeParams(v any) error {
	return json.Unmarshal([]byte(r.Params), v)
}

// EncodeParams stringifies v into Params.
func EncodeParams(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
