package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/audit"
	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/types"
)

// Message is the envelope for all inter-component traffic.
type Message struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	JobID         string          `json:"jobId,omitempty"`
	// Error is set on synthetic error replies.
	Error *types.JobError `json:"error,omitempty"`
}

// Handler processes one message and returns a single response.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// DispatchFunc is the shape each middleware wraps.
type DispatchFunc func(ctx context.Context, msg *Message) *Message

// Middleware wraps a dispatch step.
type Middleware func(next DispatchFunc) DispatchFunc

// Config bounds router behavior.
type Config struct {
	MaxMessageSizeBytes int
	WarningSizeBytes    int
	DispatchTimeout     time.Duration
}

// Router delivers messages to registered component handlers through a
// middleware chain (logging → audit → timeout → error-wrap). Handler
// failures never surface as Go errors to callers; they become error reply
// envelopes.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	cfg    Config
	audit  audit.Writer
	chain  DispatchFunc
	logger zerolog.Logger
}

// New creates a router writing to the given audit sink. A NoOpWriter is
// accepted for testing.
func New(cfg Config, auditWriter audit.Writer) *Router {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	r := &Router{
		handlers: make(map[string]Handler),
		cfg:      cfg,
		audit:    auditWriter,
		logger:   log.WithComponent("router"),
	}

	// Innermost step: deliver to the handler.
	deliver := r.deliver
	for _, mw := range []Middleware{r.errorWrap, r.timeout, r.auditMW, r.logging} {
		deliver = mw(deliver)
	}
	r.chain = deliver
	return r
}

// Register adds a named handler. Registering the same id twice is a
// programmer error.
func (r *Router) Register(componentID string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[componentID]; exists {
		return fmt.Errorf("component already registered: %s", componentID)
	}
	r.handlers[componentID] = handler
	return nil
}

// Unregister removes a named handler.
func (r *Router) Unregister(componentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, componentID)
}

// Registered reports whether a component id has a handler.
func (r *Router) Registered(componentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[componentID]
	return ok
}

// Dispatch validates the envelope, runs the middleware chain and returns
// exactly one response. The returned error is non-nil only for malformed
// envelopes; routing failures come back as error replies.
func (r *Router) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if msg.To == "" || msg.Type == "" {
		return nil, fmt.Errorf("message missing to/type")
	}
	if msg.ID == "" {
		msg.ID = ident.NewID()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if size := len(msg.Payload); size > r.cfg.MaxMessageSizeBytes && r.cfg.MaxMessageSizeBytes > 0 {
		metrics.RouterErrors.WithLabelValues(string(types.ErrMessageTooLarge)).Inc()
		return r.errorReply(msg, types.ErrMessageTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", size, r.cfg.MaxMessageSizeBytes)), nil
	} else if r.cfg.WarningSizeBytes > 0 && size > r.cfg.WarningSizeBytes {
		r.logger.Warn().
			Str("message_id", msg.ID).
			Str("type", msg.Type).
			Int("bytes", size).
			Msg("message payload above warning threshold")
	}

	return r.chain(ctx, msg), nil
}

// deliver is the innermost dispatch step: find the recipient and await its
// single response.
func (r *Router) deliver(ctx context.Context, msg *Message) *Message {
	r.mu.RLock()
	handler, ok := r.handlers[msg.To]
	r.mu.RUnlock()

	if !ok {
		metrics.RouterErrors.WithLabelValues(string(types.ErrNoHandler)).Inc()
		return r.errorReply(msg, types.ErrNoHandler, fmt.Sprintf("no handler for component %s", msg.To))
	}

	resp, err := handler(ctx, msg)
	if err != nil {
		return r.errorReply(msg, errorKind(err), err.Error())
	}
	if resp == nil {
		resp = &Message{Type: msg.Type + ".response"}
	}
	r.stampReply(msg, resp)
	return resp
}

// logging middleware.
func (r *Router) logging(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, msg *Message) *Message {
		start := time.Now()
		resp := next(ctx, msg)
		metrics.RouterDispatches.WithLabelValues(msg.Type, msg.To).Inc()

		evt := r.logger.Debug()
		if resp.Error != nil {
			evt = r.logger.Warn().Str("error_kind", string(resp.Error.Kind))
		}
		evt.
			Str("message_id", msg.ID).
			Str("type", msg.Type).
			Str("from", msg.From).
			Str("to", msg.To).
			Dur("duration", time.Since(start)).
			Msg("dispatched message")
		return resp
	}
}

// auditMW records every routed message with a payload hash, never the body.
func (r *Router) auditMW(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, msg *Message) *Message {
		if err := r.audit.Record(msg.From, "message."+msg.Type, msg.To, ident.HashHex(msg.Payload)); err != nil {
			r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to audit message")
		}
		return next(ctx, msg)
	}
}

// timeout bounds the handler and cancels it on expiry.
func (r *Router) timeout(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, msg *Message) *Message {
		tctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
		defer cancel()

		done := make(chan *Message, 1)
		go func() {
			done <- next(tctx, msg)
		}()

		select {
		case resp := <-done:
			return resp
		case <-tctx.Done():
			metrics.RouterErrors.WithLabelValues(string(types.ErrTimeout)).Inc()
			return r.errorReply(msg, types.ErrTimeout,
				fmt.Sprintf("no response from %s within %s", msg.To, r.cfg.DispatchTimeout))
		}
	}
}

// errorWrap converts panics in handlers into error replies so one bad
// component cannot take down the router.
func (r *Router) errorWrap(next DispatchFunc) DispatchFunc {
	return func(ctx context.Context, msg *Message) (resp *Message) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("message_id", msg.ID).
					Interface("panic", rec).
					Msg("handler panicked")
				resp = r.errorReply(msg, types.ErrInternal, fmt.Sprintf("handler panic: %v", rec))
			}
		}()
		return next(ctx, msg)
	}
}

func (r *Router) errorReply(msg *Message, kind types.ErrorKind, text string) *Message {
	resp := &Message{
		Type:  "error",
		Error: &types.JobError{Kind: kind, Message: text},
	}
	r.stampReply(msg, resp)
	return resp
}

func (r *Router) stampReply(msg, resp *Message) {
	if resp.ID == "" {
		resp.ID = ident.NewID()
	}
	resp.CorrelationID = msg.CorrelationID
	resp.From = msg.To
	resp.To = msg.From
	resp.ReplyTo = msg.ID
	if resp.JobID == "" {
		resp.JobID = msg.JobID
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
}

// errorKind maps a handler error to a taxonomy kind when it carries one.
func errorKind(err error) types.ErrorKind {
	var je *types.JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return types.ErrInternal
}
