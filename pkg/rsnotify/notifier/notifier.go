package notifier

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/handoff"
	"github.com/rstudio/opcclassic/pkg/rsnotify/stopper"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

type State int32

const (
	Idle State = iota
	Running
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Mode decides what happens to batches still pending when the worker is
// told to stop.
type Mode int

const (
	// DiscardOnStop drops pending batches. Delivery is at-most-once.
	DiscardOnStop Mode = iota

	// DrainOnStop flushes every batch queued at the moment of the stop
	// through the sink before exiting, within the stop timeout.
	DrainOnStop
)

// Sink receives batches on the worker goroutine, one at a time and in push
// order. The worker releases the batch after Deliver returns, so a sink must
// not keep it.
type Sink[T any] interface {
	Deliver(b *batch.Batch[T]) error
}

type SinkFunc[T any] func(b *batch.Batch[T]) error

func (f SinkFunc[T]) Deliver(b *batch.Batch[T]) error {
	return f(b)
}

type Config[T any] struct {
	// Name identifies the worker in logs.
	Name   string
	Queue  *handoff.Queue[T]
	Sink   Sink[T]
	Mode   Mode
	Logger rslog.Logger
}

// Worker owns the single goroutine that moves batches from a hand-off queue
// to a sink.
type Worker[T any] struct {
	name   string
	queue  *handoff.Queue[T]
	sink   Sink[T]
	mode   Mode
	logger rslog.Logger
	debug  rslog.DebugLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	started   atomic.Bool
	abandoned atomic.Bool
	state     atomic.Int32
	// deadline is the UnixNano time at which Stop gives up; zero until Stop.
	deadline atomic.Int64

	stopMutex sync.Mutex
	stopped   bool
	stopErr   error

	delivered atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

var ErrSinkPanic = errors.New("sink panicked")

func NewWorker[T any](cfg Config[T]) (*Worker[T], error) {
	if cfg.Queue == nil {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "notifier requires a queue")
	}
	if cfg.Sink == nil {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "notifier requires a sink")
	}
	if cfg.Name == "" {
		cfg.Name = "notifier"
	}

	lgr := rslog.OrDefault(cfg.Logger).WithField("worker", cfg.Name)
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker[T]{
		name:   cfg.Name,
		queue:  cfg.Queue,
		sink:   cfg.Sink,
		mode:   cfg.Mode,
		logger: lgr,
		debug:  rslog.NewDebugLogger(rslog.RegionNotify, lgr),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine. Only the first call has an effect,
// and a stopped worker never starts.
func (w *Worker[T]) Start() {
	w.stopMutex.Lock()
	defer w.stopMutex.Unlock()
	if w.stopped {
		return
	}

	w.startOnce.Do(func() {
		w.started.Store(true)
		w.state.Store(int32(Running))
		go w.run()
	})
}

func (w *Worker[T]) run() {
	defer func() {
		w.state.Store(int32(Terminated))
		w.debug.Debugf("Notifier %s exited", w.name)
		close(w.done)
	}()

	for {
		select {
		case <-w.ctx.Done():
			w.finish(nil)
			return
		case <-w.queue.Ready():
			batches := w.queue.DrainAll()
			w.debug.Tracef("Notifier %s woke with %d batches", w.name, len(batches))
			for i, b := range batches {
				if w.ctx.Err() != nil {
					w.finish(batches[i:])
					return
				}
				w.deliver(b)
			}
		}
	}
}

// finish handles batches that were drained but not delivered when the stop
// was observed, plus whatever is still queued.
func (w *Worker[T]) finish(pending []*batch.Batch[T]) {
	w.state.Store(int32(Draining))
	pending = append(pending, w.queue.DrainAll()...)

	if w.mode == DrainOnStop {
		for i, b := range pending {
			if w.expired() {
				w.discard(pending[i:])
				return
			}
			w.deliver(b)
		}
		return
	}

	w.discard(pending)
}

// expired reports whether the stop timeout has passed. No delivery starts
// after that point, even before Stop has returned.
func (w *Worker[T]) expired() bool {
	if w.abandoned.Load() {
		return true
	}
	deadline := w.deadline.Load()
	return deadline != 0 && time.Now().UnixNano() >= deadline
}

func (w *Worker[T]) discard(pending []*batch.Batch[T]) {
	for _, b := range pending {
		b.Release()
	}
	if len(pending) > 0 {
		w.discarded.Add(int64(len(pending)))
		w.logger.Debugf("Notifier %s discarded %d pending batches on stop", w.name, len(pending))
	}
}

func (w *Worker[T]) deliver(b *batch.Batch[T]) {
	defer b.Release()

	err := w.callSink(b)
	if err != nil {
		w.failed.Add(1)
		w.logger.WithFields(rslog.Fields{
			"origin": b.Origin,
			"batch":  b.Guid(),
		}).Warnf("Notifier %s: delivery failed: %s", w.name, err)
		return
	}
	w.delivered.Add(1)
}

func (w *Worker[T]) callSink(b *batch.Batch[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrSinkPanic, "%v", r)
		}
	}()
	return w.sink.Deliver(b)
}

// Stop signals the worker and waits up to timeout for it to exit. A worker
// that does not exit in time is abandoned and a Timeout status error is
// returned; it delivers nothing further. Calling Stop again returns the
// first result.
func (w *Worker[T]) Stop(timeout time.Duration) error {
	w.stopMutex.Lock()
	defer w.stopMutex.Unlock()
	if w.stopped {
		return w.stopErr
	}
	w.stopped = true

	if !w.started.Load() {
		w.cancel()
		w.state.Store(int32(Terminated))
		return nil
	}

	if timeout <= 0 {
		timeout = stopper.DefaultTimeout
	}
	w.deadline.Store(time.Now().Add(timeout).UnixNano())
	err := stopper.Join(w.name, w.cancel, w.done, timeout, w.logger)
	if err != nil {
		w.abandoned.Store(true)
	}
	w.stopErr = err
	return err
}

// Done is closed when the worker goroutine has exited. It is never closed
// for a worker that was not started.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}

func (w *Worker[T]) State() State {
	return State(w.state.Load())
}

// Abandoned reports whether Stop gave up waiting for the goroutine.
func (w *Worker[T]) Abandoned() bool {
	return w.abandoned.Load()
}

func (w *Worker[T]) Delivered() int64 {
	return w.delivered.Load()
}

func (w *Worker[T]) Failed() int64 {
	return w.failed.Load()
}

func (w *Worker[T]) Discarded() int64 {
	return w.discarded.Load()
}
