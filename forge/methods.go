package forge

import (
	"context"
	"encoding/json"
	"time"

	"tokenforge/cryptoutil"
	"tokenforge/messaging"
	"tokenforge/token"
	"tokenforge/wireerr"
)

// registerMethods wires the NWPC method table of spec.md §6 onto f's router.
func registerMethods(f *Forge) {
	f.Router.Handle("ping", handlePing)
	f.Router.Handle("forge", messaging.OnlyAuthorized(f.isAuthorizedForger), f.handleForge)
	f.Router.Handle("transfer", f.handleTransfer)
	f.Router.Handle("burn", messaging.OnlyOwner(func() string { return f.ownerHex }), f.handleBurn)
	f.Router.Handle("verify", f.handleVerify)
}

func handlePing(ctx *messaging.HandlerContext, req *messaging.Request, rw *messaging.ResponseWriter, next func()) {
	rw.Result(map[string]string{"message": "pong"})
}

type forgeParams struct {
	To     string  `json:"to"`
	Amount *uint64 `json:"amount,omitempty"`
}

func (f *Forge) handleForge(ctx *messaging.HandlerContext, req *messaging.Request, rw *messaging.ResponseWriter, next func()) {
	var p forgeParams
	if err := req.DecodeParams(&p); err != nil {
		rw.Error(wireerr.New(wireerr.BadRequest, "invalid params"))
		return
	}
	recipientPub, err := cryptoutil.PublicKeyFromHex(p.To)
	if err != nil {
		rw.Error(wireerr.New(wireerr.BadRequest, "invalid recipient public key"))
		return
	}

	now := time.Now()
	var minted *mintedOutput
	if p.Amount != nil {
		if *p.Amount == 0 {
			rw.Error(wireerr.New(wireerr.BadRequest, "amount must be positive"))
			return
		}
		f.mu.Lock()
		if err := f.mintFungibleLocked(*p.Amount); err != nil {
			f.mu.Unlock()
			rw.Error(wireerr.New(wireerr.BadRequest, "mint would exceed total supply"))
			return
		}
		f.mu.Unlock()

		toHex := p.To
		m, werr := f.mintOutputToken(token.Fungible, token.Payload{Amount: p.Amount, P2PKlock: &toHex}, recipientPub, now)
		if werr != nil {
			rw.Error(werr)
			return
		}
		minted = m
	} else {
		f.mu.Lock()
		id, err := f.nextTokenIDLocked()
		f.mu.Unlock()
		if err != nil {
			rw.Error(wireerr.New(wireerr.BadRequest, "mint would exceed total supply"))
			return
		}
		toHex := p.To
		m, werr := f.mintOutputToken(token.TAT, token.Payload{TokenID: &id, P2PKlock: &toHex}, recipientPub, now)
		if werr != nil {
			rw.Error(werr)
			return
		}
		minted = m
	}

	if err := f.save(); err != nil {
		f.Logger.WithError(err).Error("persist forge state after mint")
	}
	f.publishToken(ctx, recipientPub, minted.JWT)
	rw.Result(map[string]string{"token": minted.JWT})
}

func (f *Forge) handleTransfer(ctx *messaging.HandlerContext, req *messaging.Request, rw *messaging.ResponseWriter, next func()) {
	var p TransferRequest
	if err := req.DecodeParams(&p); err != nil {
		rw.Error(wireerr.New(wireerr.BadRequest, "invalid params"))
		return
	}
	callerPub, err := cryptoutil.PublicKeyFromHex(ctx.SenderPubkeyHex)
	if err != nil {
		rw.Error(wireerr.New(wireerr.Internal, "unresolvable caller identity"))
		return
	}

	result, werr := f.Transfer(p, callerPub, time.Now())
	if werr != nil {
		rw.Error(werr)
		return
	}

	for _, m := range result.Minted {
		f.publishToken(ctx, m.RecipientPub, m.JWT)
	}
	for _, h := range result.SpentHashes {
		f.notifySpent(ctx, callerPub, h)
	}
	rw.Result(map[string]bool{"success": true})
}

type burnParams struct {
	Token string `json:"token"`
}

func (f *Forge) handleBurn(ctx *messaging.HandlerContext, req *messaging.Request, rw *messaging.ResponseWriter, next func()) {
	var p burnParams
	if err := req.DecodeParams(&p); err != nil || p.Token == "" {
		rw.Error(wireerr.New(wireerr.BadRequest, "invalid params"))
		return
	}
	tok, err := token.Restore(p.Token)
	if err != nil {
		rw.Error(wireerr.New(wireerr.BadRequest, "malformed token"))
		return
	}
	hash := tok.Hash()
	if f.isSpent(hash) {
		rw.Error(wireerr.WithData(wireerr.AlreadySpent, "token already spent",
			wireerr.SpentData{Spent: hash, Issuer: f.ownerHex}))
		return
	}

	f.mu.Lock()
	f.markSpentLocked(hash)
	f.mu.Unlock()
	if err := f.save(); err != nil {
		rw.Error(wireerr.Newf(wireerr.Internal, "persist burn: %v", err))
		return
	}

	callerPub, err := cryptoutil.PublicKeyFromHex(ctx.SenderPubkeyHex)
	if err == nil {
		f.notifySpent(ctx, callerPub, hash)
	}
	rw.Result(map[string]bool{"success": true})
}

type verifyParams struct {
	TokenJWT string `json:"tokenJWT"`
}

func (f *Forge) handleVerify(ctx *messaging.HandlerContext, req *messaging.Request, rw *messaging.ResponseWriter, next func()) {
	var p verifyParams
	if err := req.DecodeParams(&p); err != nil {
		rw.Result(map[string]bool{"valid": false})
		return
	}
	tok, err := token.Restore(p.TokenJWT)
	if err != nil {
		rw.Result(map[string]bool{"valid": false})
		return
	}
	ok, err := tok.VerifySignature()
	if err != nil {
		rw.Error(wireerr.Newf(wireerr.Internal, "verify signature: %v", err))
		return
	}
	valid := ok && !tok.IsExpired(time.Now().Unix()) && !f.isSpent(tok.Hash())
	rw.Result(map[string]bool{"valid": valid})
}

// publishToken gift-wraps a push notification carrying a freshly minted
// token to recipientPub, the mechanism by which a recipient that is not the
// RPC caller (the common case for forge/transfer outputs) actually receives
// its new token (spec.md §2's "publishes them addressed to each recipient").
func (f *Forge) publishToken(ctx context.Context, recipientPub *cryptoutil.PublicKey, jwt string) {
	payload, err := json.Marshal(map[string]string{"token": jwt})
	if err != nil {
		f.Logger.WithError(err).Error("marshal token push payload")
		return
	}
	resp := messaging.Response{ID: messaging.NewRequestID(), Result: payload, Timestamp: time.Now().Unix()}
	body, err := json.Marshal(resp)
	if err != nil {
		f.Logger.WithError(err).Error("marshal token push")
		return
	}
	if err := f.Publish(ctx, recipientPub, body); err != nil {
		f.Logger.WithError(err).Error("publish token push")
	}
}
