package messaging

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"tokenforge/cryptoutil"
	"tokenforge/dedup"
	"tokenforge/transport"
)

// Server is a request-serving peer: it decodes incoming Requests, routes
// them through a Router, and publishes the Response back to the sender.
// This is the teacher's "Server"/"Peer" specialization of Base,
// reimplemented as PeerCore composition per spec.md §9.
type Server struct {
	*PeerCore
	Router *Router
}

// NewServer constructs a Server around identity, wired to relay.
func NewServer(identity *cryptoutil.PrivateKey, relay transport.Relay, df *dedup.Filter, logger *logrus.Logger) *Server {
	return &Server{
		PeerCore: NewPeerCore(identity, relay, df, logger),
		Router:   NewRouter(),
	}
}

// Listen subscribes the server to its own identity key and begins serving
// requests. Call once at startup.
func (s *Server) Listen(ctx context.Context) error {
	return s.SubscribeSelf(ctx, s.Identity.PubKey().Hex(), s.handleEvent)
}

func (s *Server) handleEvent(ctx context.Context, decoded *Decoded) {
	var req Request
	if err := json.Unmarshal(decoded.Plaintext, &req); err != nil {
		s.Logger.WithError(err).Debug("dropping event that is not a valid request")
		return
	}
	if req.Method == "" {
		// Not a request (likely a Response this server itself isn't
		// waiting on, or noise) — nothing to route.
		return
	}

	hctx := &HandlerContext{Context: ctx, SenderPubkeyHex: decoded.SenderPub.Hex()}
	resp := s.Router.Dispatch(hctx, &req)

	payload, err := json.Marshal(resp)
	if err != nil {
		s.Logger.WithError(err).Error("marshal response")
		return
	}
	if err := s.Publish(ctx, decoded.SenderPub, payload); err != nil {
		s.Logger.WithError(err).WithFields(logrus.Fields{
			"method": req.Method,
			"to":     decoded.SenderPub.Hex(),
		}).Error("publish response")
	}
}
