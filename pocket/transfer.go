package pocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"tokenforge/cryptoutil"
	"tokenforge/token"
	"tokenforge/wireerr"
)

// TransferOutputSpec mirrors the forge's `outs` wire shape of spec.md §4.2.
// It is a package-local type rather than an import of package forge: Pocket
// and Forge are independent peers that share only the NWPC wire contract
// (spec.md §6), never Go types, matching how any third-party pocket
// implementation would have to interoperate with this forge.
type TransferOutputSpec struct {
	To      string  `json:"to"`
	Amount  *uint64 `json:"amount,omitempty"`
	TokenID *uint64 `json:"tokenID,omitempty"`
}

// transferParams is the wire shape of a `transfer` request's params,
// per spec.md §4.2/§6.
type transferParams struct {
	Ins         []string             `json:"ins"`
	Outs        []TransferOutputSpec `json:"outs"`
	WitnessData []string             `json:"witnessData,omitempty"`
	HTLCSecret  string               `json:"htlcSecret,omitempty"`
}

// SendFungible selects inputs covering amount from issuer's denomination
// index (coin selection, spec.md §4.5), signs a witness per selected input,
// and submits a `transfer` request minting amount to recipientHex. Any
// change the forge computes is minted back to this pocket's own identity
// automatically (spec.md §4.2); this pocket learns of it via the usual
// token push, not as a return value here.
func (pk *Pocket) SendFungible(ctx context.Context, issuerPub *cryptoutil.PublicKey, recipientHex string, amount uint64) error {
	issuer := issuerPub.Hex()
	hashes, werr := pk.selectCoinsForAmount(issuer, amount)
	if werr != nil {
		return werr
	}

	ins, witnessData, err := pk.buildInputs(issuer, hashes)
	if err != nil {
		return err
	}

	resp, err := pk.Call(ctx, issuerPub, "transfer", transferParams{
		Ins:         ins,
		Outs:        []TransferOutputSpec{{To: recipientHex, Amount: &amount}},
		WitnessData: witnessData,
	})
	if err != nil {
		return err
	}
	return pk.reconcileResponseError(resp.Error)
}

// SendTAT transfers the single TAT identified by tokenID to recipientHex.
func (pk *Pocket) SendTAT(ctx context.Context, issuerPub *cryptoutil.PublicKey, recipientHex string, tokenID uint64) error {
	issuer := issuerPub.Hex()

	pk.store.mu.Lock()
	hash, ok := pk.store.state.TATIndex[issuer][strconv.FormatUint(tokenID, 10)]
	pk.store.mu.Unlock()
	if !ok {
		return fmt.Errorf("tokenID %d not held for issuer %s", tokenID, issuer)
	}

	ins, witnessData, err := pk.buildInputs(issuer, []string{hash})
	if err != nil {
		return err
	}

	id := tokenID
	resp, err := pk.Call(ctx, issuerPub, "transfer", transferParams{
		Ins:         ins,
		Outs:        []TransferOutputSpec{{To: recipientHex, TokenID: &id}},
		WitnessData: witnessData,
	})
	if err != nil {
		return err
	}
	return pk.reconcileResponseError(resp.Error)
}

// buildInputs resolves hashes to their held JWTs and builds a parallel
// witness array, per spec.md §4.5's "place the hex signature at the input's
// index in witnessData; inputs without a P2PKlock receive an empty-string
// witness."
func (pk *Pocket) buildInputs(issuer string, hashes []string) (ins []string, witnessData []string, err error) {
	ins = make([]string, len(hashes))
	pk.store.mu.Lock()
	bucket := pk.store.state.Tokens[issuer]
	for i, h := range hashes {
		jwt, ok := bucket.Get(h)
		if !ok {
			pk.store.mu.Unlock()
			return nil, nil, fmt.Errorf("selected token %s missing from index", h)
		}
		ins[i] = jwt
	}
	pk.store.mu.Unlock()

	witnessData = make([]string, len(ins))
	for i, jwt := range ins {
		tok, rerr := token.Restore(jwt)
		if rerr != nil {
			return nil, nil, fmt.Errorf("restore selected input: %w", rerr)
		}
		sig, werr := pk.witnessFor(tok)
		if werr != nil {
			return nil, nil, fmt.Errorf("build witness for input %d: %w", i, werr)
		}
		witnessData[i] = sig
	}
	return ins, witnessData, nil
}

// witnessFor signs tok's hash with whichever private key satisfies its
// P2PK lock, or returns an empty witness if it has none (spec.md §4.5).
func (pk *Pocket) witnessFor(tok *token.Token) (string, error) {
	if tok.Payload.P2PKlock == nil {
		return "", nil
	}
	priv, err := pk.privateKeyFor(*tok.Payload.P2PKlock)
	if err != nil {
		return "", err
	}
	return priv.SignHex(tok.Hash())
}

// privateKeyFor resolves pubHex to a signing key: either the pocket's
// primary identity or a recorded single-use receive key (spec.md §4.5).
func (pk *Pocket) privateKeyFor(pubHex string) (*cryptoutil.PrivateKey, error) {
	if pubHex == pk.Identity.PubKey().Hex() {
		return pk.Identity, nil
	}
	pk.store.mu.Lock()
	rec, ok := pk.store.state.SingleUseKeys[pubHex]
	pk.store.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no known private key for %s", pubHex)
	}
	return cryptoutil.PrivateKeyFromHex(rec.PrivateKeyHex)
}

// reconcileResponseError applies §4.5's reconciliation rule for a 409
// response carrying {spent, issuer} directly (as opposed to the
// asynchronous push path in pocket.go's reconcileSpent) and otherwise
// surfaces the wire error as a plain Go error.
func (pk *Pocket) reconcileResponseError(werr *wireerr.Error) error {
	if werr == nil {
		return nil
	}
	if werr.Code == wireerr.AlreadySpent {
		if raw, merr := json.Marshal(werr.Data); merr == nil {
			var sd wireerr.SpentData
			if json.Unmarshal(raw, &sd) == nil && sd.Spent != "" {
				pk.reconcileSpent(sd.Issuer, sd.Spent)
			}
		}
	}
	return werr
}
