// Package dispatch hands results and progress from the batch worker to the
// front end's goroutine, in posting order and one event at a time.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/menta2k/image-captioner/pkg/types"
)

// Sink receives events on the goroutine that calls Serve
type Sink interface {
	OnResult(types.Result)
	OnProgress(types.Snapshot)
	OnDone(types.RunSummary)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Result   func(types.Result)
	Progress func(types.Snapshot)
	Done     func(types.RunSummary)
}

func (f SinkFuncs) OnResult(r types.Result) {
	if f.Result != nil {
		f.Result(r)
	}
}

func (f SinkFuncs) OnProgress(s types.Snapshot) {
	if f.Progress != nil {
		f.Progress(s)
	}
}

func (f SinkFuncs) OnDone(s types.RunSummary) {
	if f.Done != nil {
		f.Done(s)
	}
}

type kind int

const (
	kindResult kind = iota
	kindProgress
	kindDone
)

type event struct {
	kind     kind
	result   types.Result
	snapshot types.Snapshot
	summary  types.RunSummary
}

// Dispatcher is an unbounded FIFO between the worker and the front end.
// Posting never blocks, so a slow front end cannot stall the worker.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool

	// held while an event is popped and delivered, so Serve and Drain
	// never call a sink at the same time and never reorder events
	deliverMu sync.Mutex

	cancel atomic.Bool
}

// New creates an open Dispatcher
func New() *Dispatcher {
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// PostResult queues an image description for delivery
func (d *Dispatcher) PostResult(r types.Result) {
	d.post(event{kind: kindResult, result: r})
}

// PostProgress queues a timing snapshot for delivery
func (d *Dispatcher) PostProgress(s types.Snapshot) {
	d.post(event{kind: kindProgress, snapshot: s})
}

// PostDone queues the end-of-run summary for delivery
func (d *Dispatcher) PostDone(s types.RunSummary) {
	d.post(event{kind: kindDone, summary: s})
}

func (d *Dispatcher) post(e event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

// Pending returns the number of queued, undelivered events
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting events. Serve returns once the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Serve delivers queued events to sink until the dispatcher is closed and
// drained, or ctx is done. Call it from the front end's goroutine; events
// are never delivered concurrently.
func (d *Dispatcher) Serve(ctx context.Context, sink Sink) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.cond.Broadcast()
	})
	defer stop()

	for {
		if !d.wait(ctx) {
			return ctx.Err()
		}
		d.deliverMu.Lock()
		if e, ok := d.pop(); ok {
			deliver(sink, e)
		}
		d.deliverMu.Unlock()
	}
}

// Drain delivers whatever is queued right now without waiting for more.
// It is serialized with Serve; calling it from inside a sink deadlocks.
func (d *Dispatcher) Drain(sink Sink) int {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, e := range batch {
		deliver(sink, e)
	}
	return len(batch)
}

func deliver(sink Sink, e event) {
	switch e.kind {
	case kindResult:
		sink.OnResult(e.result)
	case kindProgress:
		sink.OnProgress(e.snapshot)
	case kindDone:
		sink.OnDone(e.summary)
	}
}

// wait blocks until an event is queued. It returns false once the
// dispatcher is closed and empty, or ctx is done.
func (d *Dispatcher) wait(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 {
		if d.closed || ctx.Err() != nil {
			return false
		}
		d.cond.Wait()
	}
	return ctx.Err() == nil
}

func (d *Dispatcher) pop() (event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return event{}, false
	}
	e := d.queue[0]
	d.queue[0] = event{}
	d.queue = d.queue[1:]
	return e, true
}

// RequestCancel asks the worker to stop before its next job
func (d *Dispatcher) RequestCancel() {
	d.cancel.Store(true)
}

// CancelRequested reports whether RequestCancel was called since the last reset
func (d *Dispatcher) CancelRequested() bool {
	return d.cancel.Load()
}

// ResetCancel clears a pending cancellation request
func (d *Dispatcher) ResetCancel() {
	d.cancel.Store(false)
}
