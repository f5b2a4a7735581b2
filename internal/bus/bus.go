// Package bus implements the topic-addressed event bus at the heart of the
// DJ R3X kernel: ordered per-topic fan-out with emit-awaits-all-handlers
// semantics, per-emit deadlines, handler error isolation, and a transactional
// emit helper ([Txn]) for multi-event state changes.
//
// Handlers registered for a topic run in registration order within a single
// Emit call. Because handlers run sequentially on the emitter's goroutine,
// two sequential emits on the same topic deliver to every handler in emit
// order — the FIFO property the timeline executor and mode manager rely on.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cantinaworks/djrex/internal/event"
)

// DefaultEmitTimeout bounds the total time one Emit call may spend in
// handlers before the remainder are cancelled and reported.
const DefaultEmitTimeout = 5 * time.Second

// ErrHandlerInvalid is returned by [Bus.On] when the handler is nil.
// Registration failures are fatal to the caller by contract.
var ErrHandlerInvalid = errors.New("bus: handler must be a non-nil function")

// Handler processes one event payload. Handlers must respect ctx — the bus
// cancels it when the per-emit deadline expires. Returned errors are isolated:
// they are reported through the error hook and joined into the Emit result,
// but never stop sibling handlers.
type Handler func(ctx context.Context, p event.Payload) error

// Subscription identifies a single registration so it can be removed without
// comparing function values.
type Subscription struct {
	Topic string
	id    uint64
}

// HandlerError describes one failed or timed-out handler invocation,
// delivered to the hook installed via [Bus.SetErrorHook].
type HandlerError struct {
	Topic   string
	Index   int
	Err     error
	Timeout bool
}

// registration pairs a handler with its removal id.
type registration struct {
	id      uint64
	handler Handler
}

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithEmitTimeout overrides the per-emit handler deadline.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.emitTimeout = d
		}
	}
}

// WithObserver installs a callback invoked after every emit with the topic,
// total handler duration, and number of handler errors. Used to feed metrics
// without coupling the bus to the observability package.
func WithObserver(fn func(topic string, d time.Duration, handlerErrs int)) Option {
	return func(b *Bus) {
		b.observer = fn
	}
}

// Bus is the topic-addressed event bus. The zero value is not usable; create
// one with [New]. All methods are safe for concurrent use.
type Bus struct {
	emitTimeout time.Duration
	observer    func(string, time.Duration, int)

	mu     sync.RWMutex
	topics map[string][]registration
	nextID uint64

	hookMu sync.RWMutex
	hook   func(HandlerError)

	emissions atomic.Uint64
}

// New creates an empty bus with the default emit timeout.
func New(opts ...Option) *Bus {
	b := &Bus{
		emitTimeout: DefaultEmitTimeout,
		topics:      make(map[string][]registration),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// On registers handler for topic. The handler is live when On returns: an
// Emit on the same topic issued after On (from any goroutine) will reach it.
// Handlers are appended, preserving registration order for delivery.
func (b *Bus) On(topic string, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, ErrHandlerInvalid
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	reg := registration{id: b.nextID, handler: handler}
	b.topics[topic] = append(b.topics[topic], reg)
	return Subscription{Topic: topic, id: reg.id}, nil
}

// Off removes the registration identified by sub. Removing an unknown or
// already-removed subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.topics[sub.Topic]
	for i, r := range regs {
		if r.id == sub.id {
			b.topics[sub.Topic] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.Topic]) == 0 {
		delete(b.topics, sub.Topic)
	}
}

// RemoveAllListeners removes every handler for the given topics, or every
// handler on the bus when no topic is given.
func (b *Bus) RemoveAllListeners(topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) == 0 {
		b.topics = make(map[string][]registration)
		return
	}
	for _, t := range topics {
		delete(b.topics, t)
	}
}

// ListenerCount returns the number of handlers currently registered for topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// SetErrorHook installs fn as the handler-failure observer. The hook is
// invoked synchronously from Emit; implementations that emit follow-up events
// must do so on a new goroutine to avoid re-entrant recursion.
func (b *Bus) SetErrorHook(fn func(HandlerError)) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.hook = fn
}

// Emissions returns the number of Emit calls completed so far. Tests use it
// to assert relative ordering of emits.
func (b *Bus) Emissions() uint64 {
	return b.emissions.Load()
}

// Emit delivers payload to every handler currently registered for topic, in
// registration order, and returns once all have finished or the per-emit
// deadline expired. A nil payload is delivered as an empty map. Emitting on a
// topic with no handlers is a no-op.
//
// Handler errors and panics are isolated: each is reported through the error
// hook and joined into the returned error, and delivery continues with the
// next handler. Deadline expiry cancels the running handler's context, skips
// the rest, and reports a single timeout entry. Most callers ignore the
// returned error; the mode manager's transaction inspects it.
func (b *Bus) Emit(ctx context.Context, topic string, payload event.Payload) error {
	if payload == nil {
		payload = event.Payload{}
	}
	payload.Stamp()

	// Malformed payloads are rejected at the boundary; no handler runs.
	if err := event.Validate(topic, payload); err != nil {
		return err
	}

	b.mu.RLock()
	regs := b.topics[topic]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	b.mu.RUnlock()

	defer b.emissions.Add(1)

	if len(snapshot) == 0 {
		return nil
	}

	emitCtx, cancel := context.WithTimeout(ctx, b.emitTimeout)
	defer cancel()

	start := time.Now()
	var errs []error
	for i, reg := range snapshot {
		if emitCtx.Err() != nil {
			he := HandlerError{
				Topic:   topic,
				Index:   i,
				Err:     fmt.Errorf("bus: emit deadline on %q after %d of %d handlers: %w", topic, i, len(snapshot), emitCtx.Err()),
				Timeout: true,
			}
			b.report(he)
			errs = append(errs, he.Err)
			break
		}

		if err := b.invoke(emitCtx, reg.handler, payload); err != nil {
			he := HandlerError{Topic: topic, Index: i, Err: err}
			b.report(he)
			errs = append(errs, err)
		}
	}

	if b.observer != nil {
		b.observer(topic, time.Since(start), len(errs))
	}
	return errors.Join(errs...)
}

// invoke runs one handler with panic recovery.
func (b *Bus) invoke(ctx context.Context, h Handler, p event.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, p)
}

// report delivers he to the error hook, or logs it when no hook is installed.
func (b *Bus) report(he HandlerError) {
	b.hookMu.RLock()
	hook := b.hook
	b.hookMu.RUnlock()

	if hook != nil {
		hook(he)
		return
	}
	slog.Warn("bus handler error",
		"topic", he.Topic,
		"handler_index", he.Index,
		"timeout", he.Timeout,
		"err", he.Err,
	)
}
