package forge

import (
	"time"

	"github.com/sirupsen/logrus"

	"tokenforge/cryptoutil"
	"tokenforge/token"
	"tokenforge/wireerr"
)

// TransferOutputSpec is one requested output of a transfer, per spec.md
// §4.2's `outs: [{to, amount?, tokenID?}, …]`.
type TransferOutputSpec struct {
	To      string  `json:"to"`
	Amount  *uint64 `json:"amount,omitempty"`
	TokenID *uint64 `json:"tokenID,omitempty"`
}

// TransferRequest is the decoded `transfer` params shape of spec.md §4.2/§6.
type TransferRequest struct {
	Ins         []string              `json:"ins"`
	Outs        []TransferOutputSpec  `json:"outs"`
	WitnessData []string              `json:"witnessData,omitempty"`
	HTLCSecret  string                `json:"htlcSecret,omitempty"`
}

// mintedOutput is one freshly signed output token addressed to a recipient.
type mintedOutput struct {
	RecipientPub *cryptoutil.PublicKey
	JWT          string
}

// TransferResult is what Transfer computed, ready for the caller (methods.go)
// to publish and notify — the prepared outputs already exist once Transfer
// returns nil error, but nothing has been published yet.
type TransferResult struct {
	Minted      []mintedOutput
	SpentHashes []string
}

// Transfer runs the validate → prepare → commit pipeline of spec.md §4.2.
// callerPub is the verified sender of the request envelope, used as the
// change-output destination (§4.2's "principal identified by the encrypted
// envelope sender field").
func (f *Forge) Transfer(req TransferRequest, callerPub *cryptoutil.PublicKey, now time.Time) (*TransferResult, *wireerr.Error) {
	if len(req.Ins) == 0 {
		return nil, wireerr.New(wireerr.BadRequest, "transfer requires at least one input")
	}
	if len(req.Outs) == 0 {
		return nil, wireerr.New(wireerr.BadRequest, "transfer requires at least one output")
	}

	nowMs := now.UnixMilli()
	nowSec := now.Unix()

	inputs := make([]*token.Token, 0, len(req.Ins))
	for i, jwt := range req.Ins {
		tok, err := token.Restore(jwt)
		if err != nil {
			return nil, wireerr.Newf(wireerr.BadRequest, "input %d: %v", i, err)
		}
		ok, err := tok.VerifySignature()
		if err != nil || !ok {
			return nil, wireerr.Newf(wireerr.BadRequest, "input %d: invalid issuer signature", i)
		}
		if tok.Payload.Iss != f.ownerHex {
			return nil, wireerr.Newf(wireerr.BadRequest, "input %d: not issued by this forge", i)
		}
		inputs = append(inputs, tok)
	}

	listed := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		if i > 0 && in.Payload.Iss != inputs[0].Payload.Iss {
			return nil, wireerr.New(wireerr.BadRequest, "all inputs must share the same issuer")
		}
		hash := in.Hash()
		if listed[hash] {
			return nil, wireerr.Newf(wireerr.BadRequest, "input %d: token listed more than once", i)
		}
		listed[hash] = true
		if f.isSpent(hash) {
			return nil, wireerr.WithData(wireerr.AlreadySpent, "token already spent",
				wireerr.SpentData{Spent: hash, Issuer: f.ownerHex})
		}
		if in.IsExpired(nowSec) {
			return nil, wireerr.Newf(wireerr.BadRequest, "input %d: token expired", i)
		}
		if in.Payload.P2PKlock != nil {
			witness := ""
			if i < len(req.WitnessData) {
				witness = req.WitnessData[i]
			}
			if witness == "" {
				return nil, wireerr.Newf(wireerr.BadRequest, "input %d: missing witness for P2PK lock", i)
			}
			lockPub, err := cryptoutil.PublicKeyFromHex(*in.Payload.P2PKlock)
			if err != nil {
				return nil, wireerr.Newf(wireerr.BadRequest, "input %d: malformed P2PK lock", i)
			}
			ok, err := lockPub.VerifyHex(hash, witness)
			if err != nil || !ok {
				return nil, wireerr.Newf(wireerr.BadRequest, "input %d: bad witness", i)
			}
		}
		if in.Payload.TimeLock != nil && *in.Payload.TimeLock > nowMs {
			return nil, wireerr.Newf(wireerr.BadRequest, "input %d: time-locked", i)
		}
		if in.Payload.HTLC != nil {
			if req.HTLCSecret != "" {
				redeemable, err := in.Payload.HTLC.Redeemable(nowMs, req.HTLCSecret)
				if err != nil {
					return nil, wireerr.Newf(wireerr.BadRequest, "input %d: %v", i, err)
				}
				if !redeemable {
					return nil, wireerr.Newf(wireerr.BadRequest, "input %d: HTLC locked", i)
				}
			} else if !in.Payload.HTLC.Refundable(nowMs) {
				return nil, wireerr.Newf(wireerr.BadRequest, "input %d: HTLC locked", i)
			}
		}
	}

	isFungible := inputs[0].Payload.Amount != nil
	var minted []mintedOutput
	var err *wireerr.Error
	if isFungible {
		minted, err = f.prepareFungibleOutputs(inputs, req.Outs, callerPub, now)
	} else {
		minted, err = f.prepareTATOutputs(inputs, req.Outs, now)
	}
	if err != nil {
		return nil, err
	}

	spent := make([]string, 0, len(inputs))
	for _, in := range inputs {
		spent = append(spent, in.Hash())
	}

	f.mu.Lock()
	for _, h := range spent {
		f.markSpentLocked(h)
	}
	f.mu.Unlock()
	if saveErr := f.save(); saveErr != nil {
		// Per spec.md §4.2 commit policy: once step 1 (marking spent) has
		// begun, failures are fatal and logged, not rolled back.
		f.Logger.WithError(saveErr).Error("persist forge state after transfer commit")
	}

	recipients := make([]string, 0, len(minted))
	for _, m := range minted {
		recipients = append(recipients, m.RecipientPub.Hex())
	}
	f.Logger.WithFields(logrus.Fields{
		"spentInputs": spent,
		"recipients":  recipients,
	}).Info("transfer committed")

	return &TransferResult{Minted: minted, SpentHashes: spent}, nil
}

func (f *Forge) prepareFungibleOutputs(inputs []*token.Token, outs []TransferOutputSpec, callerPub *cryptoutil.PublicKey, now time.Time) ([]mintedOutput, *wireerr.Error) {
	var sumIn, sumOut uint64
	for _, in := range inputs {
		if in.Payload.Amount == nil {
			return nil, wireerr.New(wireerr.BadRequest, "mixed FUNGIBLE/TAT inputs are not supported")
		}
		next, err := addUint64Checked(sumIn, *in.Payload.Amount)
		if err != nil {
			return nil, wireerr.New(wireerr.BadRequest, "input amount sum overflow")
		}
		sumIn = next
	}
	for i, o := range outs {
		if o.Amount == nil || *o.Amount == 0 {
			return nil, wireerr.Newf(wireerr.BadRequest, "output %d: amount must be positive", i)
		}
		if o.TokenID != nil {
			return nil, wireerr.Newf(wireerr.BadRequest, "output %d: FUNGIBLE output must not carry tokenID", i)
		}
		next, err := addUint64Checked(sumOut, *o.Amount)
		if err != nil {
			return nil, wireerr.New(wireerr.BadRequest, "output amount sum overflow")
		}
		sumOut = next
	}
	if sumOut > sumIn {
		return nil, wireerr.New(wireerr.BadRequest, "outputs exceed inputs")
	}

	first := inputs[0]
	minted := make([]mintedOutput, 0, len(outs)+1)
	for i, o := range outs {
		recipientPub, err := cryptoutil.PublicKeyFromHex(o.To)
		if err != nil {
			return nil, wireerr.Newf(wireerr.BadRequest, "output %d: invalid recipient", i)
		}
		m, werr := f.mintOutputToken(token.Fungible, token.Payload{
			Amount:   o.Amount,
			P2PKlock: &o.To,
			TimeLock: first.Payload.TimeLock,
			DataURI:  first.Payload.DataURI,
		}, recipientPub, now)
		if werr != nil {
			return nil, werr
		}
		minted = append(minted, *m)
	}

	if change := sumIn - sumOut; change > 0 {
		changeHex := callerPub.Hex()
		m, werr := f.mintOutputToken(token.Fungible, token.Payload{
			Amount:   &change,
			P2PKlock: &changeHex,
			TimeLock: first.Payload.TimeLock,
			DataURI:  first.Payload.DataURI,
		}, callerPub, now)
		if werr != nil {
			return nil, werr
		}
		minted = append(minted, *m)
	}
	return minted, nil
}

func (f *Forge) prepareTATOutputs(inputs []*token.Token, outs []TransferOutputSpec, now time.Time) ([]mintedOutput, *wireerr.Error) {
	byTokenID := make(map[uint64]*token.Token, len(inputs))
	for _, in := range inputs {
		if in.Payload.TokenID == nil {
			return nil, wireerr.New(wireerr.BadRequest, "mixed FUNGIBLE/TAT inputs are not supported")
		}
		byTokenID[*in.Payload.TokenID] = in
	}

	minted := make([]mintedOutput, 0, len(outs))
	used := make(map[uint64]bool, len(outs))
	for i, o := range outs {
		if o.TokenID == nil {
			return nil, wireerr.Newf(wireerr.BadRequest, "output %d: TAT output requires tokenID", i)
		}
		if o.Amount != nil {
			return nil, wireerr.Newf(wireerr.BadRequest, "output %d: TAT output must not carry amount", i)
		}
		matched, ok := byTokenID[*o.TokenID]
		if !ok || used[*o.TokenID] {
			return nil, wireerr.Newf(wireerr.BadRequest, "output %d: tokenID %d not present among inputs", i, *o.TokenID)
		}
		used[*o.TokenID] = true

		recipientPub, err := cryptoutil.PublicKeyFromHex(o.To)
		if err != nil {
			return nil, wireerr.Newf(wireerr.BadRequest, "output %d: invalid recipient", i)
		}
		m, werr := f.mintOutputToken(token.TAT, token.Payload{
			TokenID:  o.TokenID,
			P2PKlock: &o.To,
			TimeLock: matched.Payload.TimeLock,
			DataURI:  matched.Payload.DataURI,
		}, recipientPub, now)
		if werr != nil {
			return nil, werr
		}
		minted = append(minted, *m)
	}
	if len(used) != len(inputs) {
		return nil, wireerr.New(wireerr.BadRequest, "every TAT input must be claimed by exactly one output")
	}
	return minted, nil
}

// mintOutputToken builds, hashes, and signs a fresh output token under the
// forge's own key, per spec.md §4.2's preparation phase.
func (f *Forge) mintOutputToken(typ token.Type, payload token.Payload, recipientPub *cryptoutil.PublicKey, now time.Time) (*mintedOutput, *wireerr.Error) {
	payload.Iss = f.ownerHex
	payload.Iat = now.Unix()
	tok, err := token.Build(typ, payload)
	if err != nil {
		return nil, wireerr.Newf(wireerr.Internal, "build output token: %v", err)
	}
	if err := tok.Sign(f.Identity); err != nil {
		return nil, wireerr.Newf(wireerr.Internal, "sign output token: %v", err)
	}
	jwt, err := tok.ToJWT()
	if err != nil {
		return nil, wireerr.Newf(wireerr.Internal, "serialize output token: %v", err)
	}
	return &mintedOutput{RecipientPub: recipientPub, JWT: jwt}, nil
}
