// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package ferry

import (
	"context"
	"log/slog"
	"time"

	"github.com/z5labs/ferry/engine"
	"github.com/z5labs/ferry/internal/try"
	"github.com/z5labs/ferry/pkg/slogfield"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

// worker is the sole owner of the engine.Set(s) it drives. It receives
// requests from the bridge, registers their handles and delivers each
// completion outcome back on the originating reply channel. A failure
// is only ever fatal for the transfer it belongs to, never for the
// worker loop or for sibling transfers.
type worker struct {
	newSet   func() engine.Set
	requests <-chan request
	closed   <-chan struct{}

	log          *slog.Logger
	pollSlice    time.Duration
	waitFallback time.Duration

	maxConcurrent int
	propagator    propagation.TextMapPropagator
}

// run multiplexes every accepted transfer inside one engine.Set.
// It alternates between an idle state, blocked on the request channel,
// and a draining state which polls the Set in short slices so newly
// submitted transfers are accepted without waiting out the full
// engine suggested interval.
func (w *worker) run() {
	set := w.newSet()
	defer w.closeSet(set)

	pending := make(map[engine.ID]request)
	closing := false

	for {
		if len(pending) == 0 {
			if closing {
				// A submission may have been buffered before Close won.
				select {
				case req := <-w.requests:
					w.accept(set, pending, req)
					continue
				default:
					return
				}
			}

			select {
			case req := <-w.requests:
				w.accept(set, pending, req)
			case <-w.closed:
				closing = true
			}
			continue
		}

		_, err := set.Drive()
		if err != nil {
			w.log.Error("engine failed to drive transfers", slogfield.Error(err))
			w.failAll(set, pending, err)
			continue
		}

		w.collect(set, pending)
		if len(pending) == 0 {
			continue
		}

		slice := w.waitSlice(set)
		timer := time.NewTimer(slice)
		if closing {
			<-timer.C
			continue
		}
		select {
		case req := <-w.requests:
			timer.Stop()
			w.accept(set, pending, req)
		case <-w.closed:
			timer.Stop()
			closing = true
		case <-timer.C:
		}
	}
}

// runDirect drives each transfer on its own goroutine through a fresh
// engine.Set, bounded by maxConcurrent.
func (w *worker) runDirect() {
	var g errgroup.Group
	g.SetLimit(w.maxConcurrent)

	for {
		select {
		case req := <-w.requests:
			g.Go(w.driveOne(req))
		case <-w.closed:
			// A submission may have been buffered before Close won.
			select {
			case req := <-w.requests:
				g.Go(w.driveOne(req))
			default:
			}
			g.Wait()
			return
		}
	}
}

func (w *worker) driveOne(req request) func() error {
	return func() error {
		propCtx := w.propagator.Extract(context.Background(), req.carrier)
		spanCtx, span := otel.Tracer("ferry").Start(propCtx, "worker.driveOne")
		defer span.End()

		set := w.newSet()
		defer w.closeSet(set)

		id, err := set.Add(req.handle)
		if err != nil {
			w.deliver(req, req.handle, err)
			return nil
		}

		for {
			n, err := set.Drive()
			if err != nil {
				h, _ := set.Remove(id)
				if h == nil {
					h = req.handle
				}
				w.deliver(req, h, err)
				return nil
			}
			if n == 0 {
				break
			}

			timer := time.NewTimer(w.waitSlice(set))
			select {
			case <-timer.C:
			case <-req.ctx.Done():
				timer.Stop()
				w.log.WarnContext(spanCtx, "caller abandoned an in-flight transfer", slogfield.Error(req.ctx.Err()))
				_, _ = set.Remove(id)
				return nil
			}
		}

		var cerr error
		set.DrainCompletions(func(_ engine.ID, err error) {
			if cerr == nil {
				cerr = err
			}
		})
		h, rerr := set.Remove(id)
		if cerr == nil {
			cerr = rerr
		}
		if h == nil {
			h = req.handle
		}
		w.deliver(req, h, cerr)
		return nil
	}
}

func (w *worker) accept(set engine.Set, pending map[engine.ID]request, req request) {
	id, err := set.Add(req.handle)
	if err != nil {
		w.deliver(req, req.handle, err)
		return
	}
	pending[id] = req
}

// collect drains newly terminal transfers out of the Set and delivers
// their outcomes. A handle is only ever removed here or in failAll, so
// it is registered for exactly the dequeue to completion interval.
func (w *worker) collect(set engine.Set, pending map[engine.ID]request) {
	type completion struct {
		id  engine.ID
		err error
	}
	var completions []completion
	set.DrainCompletions(func(id engine.ID, err error) {
		completions = append(completions, completion{id: id, err: err})
	})

	for _, c := range completions {
		req, ok := pending[c.id]
		if !ok {
			w.log.Warn("engine reported completion for an unknown transfer", slogfield.Uint64("transfer_id", uint64(c.id)))
			continue
		}
		delete(pending, c.id)

		h, rerr := set.Remove(c.id)
		err := c.err
		if err == nil {
			err = rerr
		}
		if h == nil {
			h = req.handle
		}
		w.deliver(req, h, err)
	}
}

func (w *worker) failAll(set engine.Set, pending map[engine.ID]request, err error) {
	for id, req := range pending {
		delete(pending, id)

		h, _ := set.Remove(id)
		if h == nil {
			h = req.handle
		}
		w.deliver(req, h, err)
	}
}

// deliver hands the outcome to the originating caller. A caller which
// abandoned its submission is observed as a done context; the outcome
// is then discarded, which is not fatal for the worker.
func (w *worker) deliver(req request, h *engine.Handle, err error) {
	propCtx := w.propagator.Extract(context.Background(), req.carrier)
	spanCtx, span := otel.Tracer("ferry").Start(propCtx, "worker.deliver")
	defer span.End()

	select {
	case req.reply <- reply{handle: h, err: err}:
	case <-req.ctx.Done():
		w.log.WarnContext(spanCtx, "reply receiver has been dropped", slogfield.Error(req.ctx.Err()))
	}
}

func (w *worker) waitSlice(set engine.Set) time.Duration {
	wait := w.waitFallback
	if d, ok := set.SuggestedWait(); ok && d > 0 {
		wait = d
	}
	if wait < w.pollSlice {
		return wait
	}
	return w.pollSlice
}

func (w *worker) closeSet(set engine.Set) {
	var err error
	try.Close(&err, set)
	if err != nil {
		w.log.Error("failed to close engine set", slogfield.Error(err))
	}
}
