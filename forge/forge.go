package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tokenforge/cryptoutil"
	"tokenforge/messaging"
	"tokenforge/state"
	"tokenforge/transport"
	"tokenforge/wireerr"
)

// Forge is the issuer peer of spec.md §2/§4.2/§4.3: the authoritative holder
// of a token set's spentTokens/supply/authorized-forger state, built on
// messaging.Server exactly as §9's "Forge built on B" design note describes.
type Forge struct {
	*messaging.Server
	*stateStore

	ownerHex string
}

// NewForge constructs a Forge around identity (the forge's own keypair,
// doubling as owner), loading any previously persisted state for this
// identity from storage, or initializing fresh state capped at totalSupply
// (0 = uncapped) on first run.
func NewForge(identity *cryptoutil.PrivateKey, relay transport.Relay, storage state.Storage, totalSupply uint64, logger *logrus.Logger) (*Forge, error) {
	ownerHex := identity.PubKey().Hex()

	store, df, err := newStateStore(state.ForgeStateKey(ownerHex), storage, NewState(ownerHex, totalSupply))
	if err != nil {
		return nil, err
	}

	server := messaging.NewServer(identity, relay, df, logger)
	f := &Forge{
		Server:     server,
		stateStore: store,
		ownerHex:   ownerHex,
	}
	registerMethods(f)
	return f, nil
}

// Listen starts serving NWPC requests on the forge's identity key.
func (f *Forge) Listen(ctx context.Context) error {
	return f.Server.Listen(ctx)
}

// isAuthorizedForger reports whether pubkeyHex may invoke forge.
func (f *Forge) isAuthorizedForger(pubkeyHex string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.AuthorizedForgers.Has(pubkeyHex)
}

// isOwner reports whether pubkeyHex is this forge's owner.
func (f *Forge) isOwner(pubkeyHex string) bool {
	return pubkeyHex == f.ownerHex
}

// AuthorizeForger adds pubkeyHex to the authorized-forgers set and persists
// the change. This is an administrative operation outside the NWPC method
// table (spec.md §4.3 only names forge/burn/verify as wire methods).
func (f *Forge) AuthorizeForger(pubkeyHex string) error {
	f.mu.Lock()
	f.state.AuthorizedForgers.Add(pubkeyHex)
	f.mu.Unlock()
	return f.save()
}

// Owner returns the forge owner's public key hex.
func (f *Forge) Owner() string { return f.ownerHex }

// isSpent reports whether tokenHash has already been recorded as spent.
func (f *Forge) isSpent(tokenHash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.SpentTokens.Has(tokenHash)
}

// markSpentLocked records tokenHash as spent. Callers must already hold f.mu.
func (f *Forge) markSpentLocked(tokenHash string) {
	f.state.SpentTokens.Add(tokenHash)
}

// mintFungibleLocked reserves circulatingSupply for amount, rejecting if the
// cap would be exceeded. Callers must already hold f.mu.
func (f *Forge) mintFungibleLocked(amount uint64) error {
	if f.state.TotalSupply > 0 {
		next, err := addUint64Checked(f.state.CirculatingSupply, amount)
		if err != nil || next > f.state.TotalSupply {
			return fmt.Errorf("mint would exceed total supply")
		}
	}
	next, err := addUint64Checked(f.state.CirculatingSupply, amount)
	if err != nil {
		return err
	}
	f.state.CirculatingSupply = next
	return nil
}

// nextTokenIDLocked reserves and returns the next TAT tokenID, rejecting if
// the supply cap (interpreted as a cap on the count of TATs) would be
// exceeded. Callers must already hold f.mu.
func (f *Forge) nextTokenIDLocked() (uint64, error) {
	if f.state.TotalSupply > 0 && f.state.CirculatingSupply+1 > f.state.TotalSupply {
		return 0, fmt.Errorf("mint would exceed total supply")
	}
	id := f.state.LastAssetId
	f.state.LastAssetId++
	f.state.CirculatingSupply++
	return id, nil
}

// notifySpent publishes a spent-notification push addressed to recipientPub
// for tokenHash, per spec.md §4.2 commit-phase step 1 and §4.5's
// reconciliation contract `{result:{spent, issuer}}`.
func (f *Forge) notifySpent(ctx context.Context, recipientPub *cryptoutil.PublicKey, tokenHash string) {
	payload, err := json.Marshal(wireerr.SpentData{Spent: tokenHash, Issuer: f.ownerHex})
	if err != nil {
		f.Logger.WithError(err).Error("marshal spent-notification payload")
		return
	}
	resp := messaging.Response{
		ID:        messaging.NewRequestID(),
		Result:    payload,
		Timestamp: time.Now().Unix(),
	}
	body, err := json.Marshal(resp)
	if err != nil {
		f.Logger.WithError(err).Error("marshal spent-notification")
		return
	}
	if err := f.Publish(ctx, recipientPub, body); err != nil {
		f.Logger.WithError(err).WithFields(logrus.Fields{
			"tokenHash": tokenHash,
			"to":        recipientPub.Hex(),
		}).Error("publish spent-notification")
	}
}

// SupplyStats reports the current circulating and total supply, used by the
// daemon's read-only health endpoint (see SPEC_FULL.md's supplemented-features
// note on the forge daemon's /healthz surface).
func (f *Forge) SupplyStats() (circulating, total uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.CirculatingSupply, f.state.TotalSupply
}

// Relays exposes the forge's known relay endpoints, used only by
// administrative tooling; not itself part of the NWPC method table.
func (f *Forge) Relays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Relays.Values()
}

// AddRelay records a known relay endpoint and persists the change.
func (f *Forge) AddRelay(url string) error {
	f.mu.Lock()
	f.state.Relays.Add(url)
	f.mu.Unlock()
	return f.save()
}
