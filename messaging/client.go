package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tokenforge/cryptoutil"
	"tokenforge/dedup"
	"tokenforge/transport"
)

// DefaultTimeout is the request/response wait of spec.md §4.4/§5.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is raised client-side when a request's correlation entry is
// deleted after DefaultTimeout elapses with no matching response — this
// never crosses the wire, unlike the codes in package wireerr (spec.md §7).
var ErrTimeout = errors.New("messaging: request timed out")

// Client is a request-issuing peer: it correlates outbound Requests with
// inbound Responses by ID and resolves/rejects a waiter per in-flight call.
type Client struct {
	*PeerCore

	mu      sync.Mutex
	waiters map[string]chan *Response
}

// NewClient constructs a Client around identity, wired to relay.
func NewClient(identity *cryptoutil.PrivateKey, relay transport.Relay, df *dedup.Filter, logger *logrus.Logger) *Client {
	return &Client{
		PeerCore: NewPeerCore(identity, relay, df, logger),
		waiters:  make(map[string]chan *Response),
	}
}

// Listen subscribes the client to its own identity key so it can receive
// responses (and any server-initiated push, like spent-notifications).
// handler is invoked for every decoded event that is NOT a correlated
// response — e.g. unsolicited notifications.
func (c *Client) Listen(ctx context.Context, handler Handler) error {
	return c.SubscribeSelf(ctx, c.Identity.PubKey().Hex(), func(ctx context.Context, decoded *Decoded) {
		var resp Response
		if err := json.Unmarshal(decoded.Plaintext, &resp); err == nil && (resp.ID != "" && (resp.Result != nil || resp.Error != nil)) {
			if c.resolve(resp.ID, &resp) {
				return
			}
		}
		if handler != nil {
			handler(ctx, decoded)
		}
	})
}

func (c *Client) resolve(id string, resp *Response) bool {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Call issues a request to recipientPub and blocks for its response, or
// times out after DefaultTimeout (spec.md §4.4).
func (c *Client) Call(ctx context.Context, recipientPub *cryptoutil.PublicKey, method string, params any) (*Response, error) {
	paramsJSON, err := EncodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	req := &Request{
		ID:        NewRequestID(),
		Method:    method,
		Params:    paramsJSON,
		Timestamp: time.Now().Unix(),
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.waiters[req.ID] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		c.cancelWaiter(req.ID)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.Publish(ctx, recipientPub, payload); err != nil {
		c.cancelWaiter(req.ID)
		return nil, fmt.Errorf("publish request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(DefaultTimeout):
		c.cancelWaiter(req.ID)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.cancelWaiter(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) cancelWaiter(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}
