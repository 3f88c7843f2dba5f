package messaging

import (
	"context"
	"fmt"

	"tokenforge/wireerr"
)

// HandlerContext carries per-request metadata through a middleware chain —
// principally the verified sender identity, since request authorization
// (onlyAuthorized/onlyOwner) is entirely a function of who sent the
// request.
type HandlerContext struct {
	context.Context
	SenderPubkeyHex string
}

// ResponseWriter accumulates the reply a middleware chain produces. Exactly
// one of Result/Err ends up set; calling either marks the chain handled.
type ResponseWriter struct {
	result  any
	err     *wireerr.Error
	handled bool
}

// Result sends a successful reply and ends the chain.
func (rw *ResponseWriter) Result(v any) {
	rw.result = v
	rw.handled = true
}

// Error sends an error reply and ends the chain — "a handler calling
// res.error(...) ends the chain" (spec.md §7).
func (rw *ResponseWriter) Error(err *wireerr.Error) {
	rw.err = err
	rw.handled = true
}

// RouteHandler is one link in a method's middleware chain. It may write a
// response (ending the chain implicitly) or call next() to continue.
// Returning without calling next() and without writing a response ends the
// walk there, and the default reply applies (see runChain/Dispatch).
type RouteHandler func(ctx *HandlerContext, req *Request, rw *ResponseWriter, next func())

// Router maps method names to an ordered middleware chain, the server-side
// routing/authorization mechanism of spec.md §4.4/§9.
type Router struct {
	routes map[string][]RouteHandler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string][]RouteHandler)}
}

// Handle registers the middleware chain for method. Later calls for the
// same method append to the existing chain.
func (r *Router) Handle(method string, handlers ...RouteHandler) {
	r.routes[method] = append(r.routes[method], handlers...)
}

// Dispatch runs req through the chain registered for req.Method, returning
// the resulting Response. An unregistered method yields MethodNotFound; a
// chain that exhausts without ever writing a response yields the default
// {status:"ok"} reply (spec.md §4.4's "default auto-sent reply").
func (r *Router) Dispatch(ctx *HandlerContext, req *Request) *Response {
	chain, ok := r.routes[req.Method]
	if !ok {
		return errorResponse(req, wireerr.New(wireerr.MethodNotFound, fmt.Sprintf("no route for method %q", req.Method)))
	}

	rw := &ResponseWriter{}
	runChain(ctx, req, rw, chain)

	if !rw.handled {
		return successResponse(req, map[string]string{"status": "ok"})
	}
	if rw.err != nil {
		return errorResponse(req, rw.err)
	}
	return successResponse(req, rw.result)
}

// runChain walks handlers in order. A handler that neither calls next() nor
// writes a response simply ends the walk there — matching "may ... call
// next() to continue the chain, or neither" (spec.md §4.4): the default
// reply still applies once the (possibly short) walk finishes.
func runChain(ctx *HandlerContext, req *Request, rw *ResponseWriter, handlers []RouteHandler) {
	if len(handlers) == 0 || rw.handled {
		return
	}
	advanced := false
	handlers[0](ctx, req, rw, func() { advanced = true })
	if rw.handled {
		return
	}
	if advanced {
		runChain(ctx, req, rw, handlers[1:])
	}
}
