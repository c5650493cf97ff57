package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHandlerTimeout bounds a server-initiated request handler.
const DefaultHandlerTimeout = 2 * time.Minute

// RequestHandler serves a server-initiated request. The returned value
// is marshalled as the result. Returning an [*RPCError] sends that
// error object; any other error is sent as an internal error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives a server notification.
type NotificationHandler func(params json.RawMessage)

// pendingResult is what a waiting request receives.
type pendingResult struct {
	msg *Message
	err error
}

// Router correlates requests with responses over a [Channel] and
// dispatches server-initiated requests and notifications. Any number
// of requests may be in flight; each is completed exactly once, by its
// response, by its caller's context, or by the channel closing.
type Router struct {
	ch             *Channel
	logger         *slog.Logger
	handlerTimeout time.Duration
	nextID         atomic.Int64

	mu      sync.Mutex
	pending map[ID]chan pendingResult
	base    context.Context // parent of handler contexts, reset on close
	cancel  context.CancelFunc

	handlersMu    sync.RWMutex
	handlers      map[string]RequestHandler
	notifications map[string]NotificationHandler

	inflight sync.WaitGroup
}

// NewRouter installs a router as ch's message handler.
func NewRouter(ch *Channel, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		ch:             ch,
		logger:         logger,
		handlerTimeout: DefaultHandlerTimeout,
		pending:        make(map[ID]chan pendingResult),
		handlers:       make(map[string]RequestHandler),
		notifications:  make(map[string]NotificationHandler),
	}
	r.base, r.cancel = context.WithCancel(context.Background())
	ch.OnMessage(r.dispatch)
	ch.OnClose(r.failPending)
	return r
}

// Handle registers the handler for a server-initiated request method.
func (r *Router) Handle(method string, h RequestHandler) {
	r.handlersMu.Lock()
	r.handlers[method] = h
	r.handlersMu.Unlock()
}

// HandleNotification registers the handler for a server notification.
func (r *Router) HandleNotification(method string, h NotificationHandler) {
	r.handlersMu.Lock()
	r.notifications[method] = h
	r.handlersMu.Unlock()
}

// Request sends a request and waits for its response. JSON-RPC error
// responses are returned as [*RPCError].
func (r *Router) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := NumberID(r.nextID.Add(1))
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan pendingResult, 1)
	r.mu.Lock()
	r.pending[id] = resultCh
	r.mu.Unlock()

	if err := r.ch.Send(ctx, msg); err != nil {
		r.take(id)
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		r.take(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. No response is expected.
func (r *Router) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return r.ch.Send(ctx, msg)
}

// Pending returns the number of requests awaiting a response.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Wait blocks until every server-initiated request handler started so
// far has returned.
func (r *Router) Wait() {
	r.inflight.Wait()
}

// take removes and returns the pending entry for id.
func (r *Router) take(id ID) (chan pendingResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return ch, ok
}

func (r *Router) dispatch(msg *Message) {
	switch msg.Kind() {
	case KindResponse, KindError:
		ch, ok := r.take(*msg.ID)
		if !ok {
			r.logger.Warn("discarding response with no pending request", "id", msg.ID.String())
			return
		}
		ch <- pendingResult{msg: msg}

	case KindRequest:
		r.inflight.Add(1)
		go r.serve(msg)

	case KindNotification:
		r.handlersMu.RLock()
		h := r.notifications[msg.Method]
		r.handlersMu.RUnlock()
		if h == nil {
			r.logger.Debug("unhandled notification", "method", msg.Method)
			return
		}
		h(msg.Params)
	}
}

// serve answers one server-initiated request.
func (r *Router) serve(msg *Message) {
	defer r.inflight.Done()

	r.handlersMu.RLock()
	h := r.handlers[msg.Method]
	r.handlersMu.RUnlock()

	r.mu.Lock()
	base := r.base
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, r.handlerTimeout)
	defer cancel()

	var reply *Message
	if h == nil {
		r.logger.Debug("no handler for server request", "method", msg.Method, "id", msg.ID.String())
		reply = NewErrorResponse(*msg.ID, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method})
	} else {
		result, err := h(ctx, msg.Params)
		if err == nil {
			reply, err = NewResponse(*msg.ID, result)
		}
		if err != nil {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
			}
			r.logger.Warn("server request handler failed", "method", msg.Method, "error", err)
			reply = NewErrorResponse(*msg.ID, rpcErr)
		}
	}

	if err := r.ch.Send(ctx, reply); err != nil {
		r.logger.Warn("failed to answer server request", "method", msg.Method, "id", msg.ID.String(), "error", err)
	}
}

// failPending completes every waiting request with ErrConnectionClosed
// and cancels running request handlers.
func (r *Router) failPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[ID]chan pendingResult)
	r.cancel()
	r.base, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: ErrConnectionClosed}
	}
	if len(pending) > 0 {
		r.logger.Debug("failed pending requests on close", "count", len(pending))
	}
}
