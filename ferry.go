// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package ferry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/z5labs/ferry/engine"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// SendError signals the worker was unreachable when a transfer was
// submitted, i.e. the Bridge has been closed.
type SendError struct{}

// Error implements the error interface.
func (SendError) Error() string {
	return "ferry: request channel is closed"
}

// ReceiveError signals the worker stopped before delivering a reply
// for an accepted transfer.
type ReceiveError struct{}

// Error implements the error interface.
func (ReceiveError) Error() string {
	return "ferry: worker stopped before delivering a reply"
}

type reply struct {
	handle *engine.Handle
	err    error
}

type request struct {
	handle *engine.Handle

	// reply is unbuffered so delivery requires a live receiver. An
	// abandoned caller is observed as ctx.Done during delivery.
	reply chan reply
	ctx   context.Context

	carrier propagation.MapCarrier
}

type options struct {
	logHandler    slog.Handler
	pollSlice     time.Duration
	waitFallback  time.Duration
	direct        bool
	maxConcurrent int
	propagator    propagation.TextMapPropagator
}

// Option configures a Bridge.
type Option func(*options)

// LogHandler sets the slog.Handler the worker logs with.
func LogHandler(h slog.Handler) Option {
	return func(o *options) {
		o.logHandler = h
	}
}

// PollSlice bounds how long the worker sleeps per polling iteration.
// The worker always sleeps the smaller of this and the engine
// suggested wait, so newly submitted transfers are picked up promptly.
func PollSlice(d time.Duration) Option {
	return func(o *options) {
		if d <= 0 {
			return
		}
		o.pollSlice = d
	}
}

// WaitFallback sets the wait used when the engine cannot suggest one.
func WaitFallback(d time.Duration) Option {
	return func(o *options) {
		if d <= 0 {
			return
		}
		o.waitFallback = d
	}
}

// DirectDrive makes the worker drive each transfer to completion on
// its own goroutine through a fresh engine.Set, instead of
// multiplexing all transfers in one shared Set. This trades per
// transfer goroutine and Set cost for isolation between transfers.
func DirectDrive() Option {
	return func(o *options) {
		o.direct = true
	}
}

// MaxConcurrentTransfers bounds how many transfers a DirectDrive
// worker may drive at once. Without it there is no bound.
func MaxConcurrentTransfers(n uint) Option {
	return func(o *options) {
		if n == 0 {
			return
		}
		o.maxConcurrent = int(n)
	}
}

// TextMapPropagator sets the propagator used to carry trace context
// from submitting goroutines to the worker.
func TextMapPropagator(p propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.propagator = p
	}
}

// Bridge is the front-end handle for submitting transfers to the
// worker spawned alongside it. A *Bridge is safe for concurrent use
// by any number of goroutines; sharing the pointer is how a caller
// "clones" the handle.
type Bridge struct {
	requests chan request

	closeOnce sync.Once
	closed    chan struct{}
	stopped   chan struct{}

	propagator propagation.TextMapPropagator
}

// New spawns a worker goroutine which owns an engine.Set built with
// newSet and returns the Bridge for submitting transfers to it. The
// worker runs until Close is called and all accepted transfers have
// been driven to completion.
func New(newSet func() engine.Set, opts ...Option) *Bridge {
	o := &options{
		logHandler:    noopLogHandler{},
		pollSlice:     50 * time.Millisecond,
		waitFallback:  2 * time.Second,
		maxConcurrent: -1,
		propagator:    propagation.TraceContext{},
	}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bridge{
		requests:   make(chan request, 1),
		closed:     make(chan struct{}),
		stopped:    make(chan struct{}),
		propagator: o.propagator,
	}

	w := &worker{
		newSet:        newSet,
		requests:      b.requests,
		closed:        b.closed,
		log:           slog.New(o.logHandler),
		pollSlice:     o.pollSlice,
		waitFallback:  o.waitFallback,
		maxConcurrent: o.maxConcurrent,
		propagator:    o.propagator,
	}

	go func() {
		defer close(b.stopped)
		if o.direct {
			w.runDirect()
			return
		}
		w.run()
	}()

	return b
}

// Submit hands the Handle to the worker and blocks until the worker
// delivers the completed Handle back, the ctx is done or the Bridge
// has been closed. The request channel has capacity one, so Submit
// suspends until the worker has accepted the transfer; any number of
// transfers may be in flight inside the worker at once.
//
// On success the returned Handle is the submitted one, now carrying
// the response in its sink and the completion outcome. Engine level
// failures for this transfer are returned as an engine.Error and
// never affect other in-flight transfers.
func (b *Bridge) Submit(ctx context.Context, h *engine.Handle) (*engine.Handle, error) {
	spanCtx, span := otel.Tracer("ferry").Start(ctx, "Bridge.Submit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	carrier := make(propagation.MapCarrier)
	b.propagator.Inject(spanCtx, carrier)

	req := request{
		handle:  h,
		reply:   make(chan reply),
		ctx:     ctx,
		carrier: carrier,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, SendError{}
	case b.requests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stopped:
		// The worker stopped with the request still buffered.
		return nil, ReceiveError{}
	case r := <-req.reply:
		return r.handle, r.err
	}
}

// Close stops the worker from accepting new transfers. Transfers
// already accepted are still driven to completion. Close is
// idempotent and safe to call from any goroutine.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	return nil
}

// Join blocks until the worker has fully terminated or ctx is done.
func (b *Bridge) Join(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return nil
	}
}

// Shutdown closes the Bridge and waits for the worker to terminate.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.Close()
	return b.Join(ctx)
}

type noopLogHandler struct{}

func (noopLogHandler) Enabled(_ context.Context, _ slog.Level) bool  { return true }
func (noopLogHandler) Handle(_ context.Context, _ slog.Record) error { return nil }
func (h noopLogHandler) WithAttrs(_ []slog.Attr) slog.Handler        { return h }
func (h noopLogHandler) WithGroup(name string) slog.Handler          { return h }
