package messaging

import "tokenforge/wireerr"

// AuthPredicate reports whether pubkeyHex is allowed through a gate.
type AuthPredicate func(pubkeyHex string) bool

// OnlyAuthorized builds a middleware that 403s any sender for whom allowed
// returns false, without calling next — the forge's authorized-forgers
// gate on the "forge" method (spec.md §4.4, §6).
func OnlyAuthorized(allowed AuthPredicate) RouteHandler {
	return func(ctx *HandlerContext, req *Request, rw *ResponseWriter, next func()) {
		if !allowed(ctx.SenderPubkeyHex) {
			rw.Error(wireerr.New(wireerr.Forbidden, "caller is not an authorized forger"))
			return
		}
		next()
	}
}

// OnlyOwner builds a middleware that 403s any sender other than owner —
// the gate on "burn" (spec.md §4.3, §6).
func OnlyOwner(ownerPubkeyHex func() string) RouteHandler {
	return func(ctx *HandlerContext, req *Request, rw *ResponseWriter, next func()) {
		if ctx.SenderPubkeyHex != ownerPubkeyHex() {
			rw.Error(wireerr.New(wireerr.Forbidden, "caller is not the owner"))
			return
		}
		next()
	}
}
