package pocket

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"tokenforge/cryptoutil"
	"tokenforge/messaging"
	"tokenforge/state"
	"tokenforge/token"
	"tokenforge/transport"
)

// Pocket is the holder peer of spec.md §2/§3.3/§4.5, built on
// messaging.Client exactly as §9's "Pocket built on B" design note
// describes. store is a named (not embedded) field rather than a second
// anonymous struct — see the comment on pocketStore in state.go for why
// embedding it here would collide with messaging.Client's own mu field at
// the same promotion depth.
type Pocket struct {
	*messaging.Client
	store *pocketStore
}

// NewPocket constructs a Pocket around identity, loading any previously
// persisted state from storage, or initializing fresh state around mnemonic
// (or a freshly generated one, if mnemonic is empty) on first run.
func NewPocket(identity *cryptoutil.PrivateKey, relay transport.Relay, storage state.Storage, mnemonic string, logger *logrus.Logger) (*Pocket, error) {
	pubHex := identity.PubKey().Hex()
	store, df, err := newPocketStore(state.PocketStateKey(pubHex), storage, mnemonic)
	if err != nil {
		return nil, err
	}
	client := messaging.NewClient(identity, relay, df, logger)
	return &Pocket{Client: client, store: store}, nil
}

// Listen subscribes the pocket to its own identity key (RPC responses plus
// anything pushed there, e.g. directly-minted tokens and spent
// notifications) and resumes a subscription for every single-use receive
// key that was derived but never consumed, per spec.md §4.5.
func (pk *Pocket) Listen(ctx context.Context) error {
	if err := pk.Client.Listen(ctx, pk.handlePush); err != nil {
		return err
	}

	pk.store.mu.Lock()
	pending := make([]string, 0, len(pk.store.state.SingleUseKeys))
	for pub, rec := range pk.store.state.SingleUseKeys {
		if !rec.Used {
			pending = append(pending, pub)
		}
	}
	pk.store.mu.Unlock()

	for _, pub := range pending {
		if err := pk.subscribeReceiveKey(ctx, pub); err != nil {
			return err
		}
	}
	return nil
}

// pushPayload is the generic shape of anything a Forge pushes unsolicited:
// either a freshly minted token (spec.md §2) or a spent-notification
// (spec.md §4.2 commit phase step 1 / §4.5 reconciliation contract).
type pushPayload struct {
	Token  *string `json:"token"`
	Spent  *string `json:"spent"`
	Issuer *string `json:"issuer"`
}

// handlePush is the Handler passed to every subscription this pocket opens
// (identity key and single-use receive keys alike).
func (pk *Pocket) handlePush(ctx context.Context, decoded *messaging.Decoded) {
	var resp messaging.Response
	if err := json.Unmarshal(decoded.Plaintext, &resp); err != nil || len(resp.Result) == 0 {
		return
	}
	var p pushPayload
	if err := json.Unmarshal(resp.Result, &p); err != nil {
		return
	}
	switch {
	case p.Token != nil:
		pk.receiveToken(*p.Token)
	case p.Spent != nil && p.Issuer != nil:
		pk.reconcileSpent(*p.Issuer, *p.Spent)
	}
}

// receiveToken restores and indexes a freshly pushed token, then — if its
// P2PK lock names a single-use receive key — marks that key consumed and
// closes its subscription (spec.md §4.5's "stores it and unsubscribes the
// key").
func (pk *Pocket) receiveToken(jwt string) {
	tok, err := token.Restore(jwt)
	if err != nil {
		pk.Logger.WithError(err).Debug("dropping malformed token push")
		return
	}
	ok, err := tok.VerifySignature()
	if err != nil || !ok {
		pk.Logger.Debug("dropping token push with invalid issuer signature")
		return
	}
	hash := tok.Hash()
	issuer := tok.Payload.Iss

	pk.store.mu.Lock()
	pk.addTokenLocked(issuer, hash, jwt, tok.Payload.Amount, tok.Payload.TokenID)
	pk.store.mu.Unlock()

	if err := pk.store.save(); err != nil {
		pk.Logger.WithError(err).Error("persist pocket state after receiving token")
	}

	if tok.Payload.P2PKlock != nil {
		pk.markSingleUseConsumed(*tok.Payload.P2PKlock)
	}
}

// reconcileSpent removes a token the forge has announced as spent from this
// pocket's index, per spec.md §4.5.
func (pk *Pocket) reconcileSpent(issuer, hash string) {
	pk.store.mu.Lock()
	pk.removeTokenLocked(issuer, hash)
	pk.store.mu.Unlock()

	if err := pk.store.save(); err != nil {
		pk.Logger.WithError(err).Error("persist pocket state after spent reconciliation")
	}
}

// markSingleUseConsumed marks pubHex's receive key used and tears down its
// subscription. A pubHex that isn't a known single-use key (e.g. the
// pocket's own identity) is a no-op.
func (pk *Pocket) markSingleUseConsumed(pubHex string) {
	pk.store.mu.Lock()
	rec, ok := pk.store.state.SingleUseKeys[pubHex]
	if ok {
		rec.Used = true
	}
	pk.store.mu.Unlock()
	if !ok {
		return
	}

	if err := pk.store.save(); err != nil {
		pk.Logger.WithError(err).Error("persist pocket state after consuming receive key")
	}
	if err := pk.Unsubscribe(pubHex); err != nil {
		pk.Logger.WithError(err).WithField("pubkey", pubHex).Error("unsubscribe consumed receive key")
	}
}

// Balance returns the cached balance for issuer, per spec.md §3.3.
func (pk *Pocket) Balance(issuerHex string) uint64 {
	pk.store.mu.Lock()
	defer pk.store.mu.Unlock()
	return pk.store.state.Balances[issuerHex][defaultSetID]
}

// TokenCount returns how many token JWTs this pocket currently holds for
// issuer, across both FUNGIBLE and TAT.
func (pk *Pocket) TokenCount(issuerHex string) int {
	pk.store.mu.Lock()
	defer pk.store.mu.Unlock()
	bucket, ok := pk.store.state.Tokens[issuerHex]
	if !ok {
		return 0
	}
	return bucket.Len()
}
