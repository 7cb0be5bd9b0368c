package rssubscription

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/handoff"
	"github.com/rstudio/opcclassic/pkg/rsnotify/notifier"
	"github.com/rstudio/opcclassic/pkg/rsnotify/stopper"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

// Params are the values a subscription asks its source for.
type Params struct {
	Handle     batch.Handle
	Active     bool
	BufferTime uint32
	MaxSize    uint32
}

// Registration is a subscription's own callback path on a source. Exactly
// one Registration is live per subscription.
type Registration interface {
	// Revised returns the buffer time and max size the source settled on.
	Revised() (bufferTime, maxSize uint32)
	SetActive(ctx context.Context, active bool) error
	Refresh(ctx context.Context) error
	Unregister(ctx context.Context) error
}

// Source is the external server connection. Register installs a callback
// path that pushes batches into pusher from whatever goroutine the source
// delivers on.
type Source[T any] interface {
	Connected() bool
	Register(ctx context.Context, params Params, pusher handoff.Pusher[T]) (Registration, error)
}

type Config[T any] struct {
	Source     Source[T]
	Sink       notifier.Sink[T]
	Handle     batch.Handle
	Active     bool
	BufferTime uint32
	MaxSize    uint32

	// Mode selects what happens to pending batches on Destroy.
	Mode notifier.Mode

	// MaxBatches bounds the hand-off queue. Zero means unbounded.
	MaxBatches int

	// StopTimeout bounds Destroy. Defaults to 30 seconds.
	StopTimeout time.Duration

	// OnDestroy runs once at the end of Destroy.
	OnDestroy func(handle batch.Handle)

	Logger rslog.Logger
}

type Stats struct {
	Delivered int64
	Failed    int64
	Discarded int64
}

type Subscription[T any] struct {
	handle      batch.Handle
	queue       *handoff.Queue[T]
	worker      *notifier.Worker[T]
	stopTimeout time.Duration
	onDestroy   func(batch.Handle)
	logger      rslog.Logger
	debug       rslog.DebugLogger

	revisedBufferTime uint32
	revisedMaxSize    uint32

	// opMutex serializes SetActive, Toggle and Refresh. Destroy never
	// takes it.
	opMutex sync.Mutex

	// mutex guards the fields below and is never held across a source call.
	mutex     sync.Mutex
	reg       Registration
	active    bool
	destroyed bool
	discarded int
}

// minJoin is the least time Destroy gives the notifier to exit once
// Unregister has used up the stop budget.
const minJoin = time.Millisecond

var ErrDestroyed = rsstatus.New(rsstatus.NotConnected, "subscription destroyed")

// New creates a subscription, starts its notifier and registers it with the
// source. On failure nothing is left running.
func New[T any](ctx context.Context, cfg Config[T]) (*Subscription[T], error) {
	if cfg.Source == nil {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "subscription requires a source")
	}
	if cfg.Sink == nil {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "subscription requires a sink")
	}
	if !cfg.Source.Connected() {
		return nil, rsstatus.New(rsstatus.NotConnected, "server not connected")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = stopper.DefaultTimeout
	}

	lgr := rslog.OrDefault(cfg.Logger).WithField("handle", uint32(cfg.Handle))
	name := fmt.Sprintf("subscription-%d", cfg.Handle)

	queue := handoff.New[T](handoff.Config{MaxBatches: cfg.MaxBatches})
	worker, err := notifier.NewWorker(notifier.Config[T]{
		Name:   name,
		Queue:  queue,
		Sink:   cfg.Sink,
		Mode:   cfg.Mode,
		Logger: lgr,
	})
	if err != nil {
		return nil, rsstatus.Wrap(err, rsstatus.AllocationFailure, "create notifier")
	}
	worker.Start()

	reg, err := cfg.Source.Register(ctx, Params{
		Handle:     cfg.Handle,
		Active:     cfg.Active,
		BufferTime: cfg.BufferTime,
		MaxSize:    cfg.MaxSize,
	}, queue)
	if err == nil && reg == nil {
		err = rsstatus.New(rsstatus.TransportFailure, "source returned no registration")
	}
	if err != nil {
		if stopErr := worker.Stop(cfg.StopTimeout); stopErr != nil {
			lgr.Errorf("Error stopping notifier after failed registration: %s", stopErr)
		}
		queue.Close()
		return nil, rsstatus.Wrap(err, rsstatus.TransportFailure, "register subscription")
	}

	bufferTime, maxSize := reg.Revised()
	s := &Subscription[T]{
		handle:            cfg.Handle,
		queue:             queue,
		worker:            worker,
		stopTimeout:       cfg.StopTimeout,
		onDestroy:         cfg.OnDestroy,
		logger:            lgr,
		debug:             rslog.NewDebugLogger(rslog.RegionSubscription, lgr),
		revisedBufferTime: bufferTime,
		revisedMaxSize:    maxSize,
		reg:               reg,
		active:            cfg.Active,
	}
	s.debug.Debugf("Subscription %d created (buffer time %d, max size %d)", cfg.Handle, bufferTime, maxSize)
	return s, nil
}

func (s *Subscription[T]) Handle() batch.Handle {
	return s.handle
}

func (s *Subscription[T]) RevisedBufferTime() uint32 {
	return s.revisedBufferTime
}

func (s *Subscription[T]) RevisedMaxSize() uint32 {
	return s.revisedMaxSize
}

func (s *Subscription[T]) Active() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.active
}

// SetActive enables or disables notifications without destroying the
// subscription. The flag changes only when the source accepts the change.
func (s *Subscription[T]) SetActive(ctx context.Context, active bool) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	return s.setActive(ctx, func(bool) bool { return active })
}

// Toggle flips the active state.
func (s *Subscription[T]) Toggle(ctx context.Context) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	return s.setActive(ctx, func(current bool) bool { return !current })
}

// setActive runs with opMutex held. The source call happens outside mutex
// so a slow source never holds up Destroy.
func (s *Subscription[T]) setActive(ctx context.Context, want func(current bool) bool) error {
	reg, current, err := s.snapshot()
	if err != nil {
		return err
	}
	active := want(current)
	if active == current {
		return nil
	}
	if err := reg.SetActive(ctx, active); err != nil {
		return rsstatus.Wrap(err, rsstatus.TransportFailure, "set subscription state")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	s.active = active
	return nil
}

func (s *Subscription[T]) snapshot() (Registration, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.destroyed {
		return nil, false, ErrDestroyed
	}
	return s.reg, s.active, nil
}

// Refresh asks the source to resend current values as batches flagged
// Refresh, the last one also flagged LastRefresh.
func (s *Subscription[T]) Refresh(ctx context.Context) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	reg, _, err := s.snapshot()
	if err != nil {
		return err
	}
	if err := reg.Refresh(ctx); err != nil {
		return rsstatus.Wrap(err, rsstatus.TransportFailure, "refresh subscription")
	}
	return nil
}

// Destroy tears the subscription down. It unregisters from the source,
// stops the notifier within the stop timeout and discards whatever is still
// queued. Errors are logged, never returned, and repeated calls are no-ops.
func (s *Subscription[T]) Destroy() error {
	s.mutex.Lock()
	if s.destroyed {
		s.mutex.Unlock()
		return nil
	}
	s.destroyed = true
	reg := s.reg
	s.reg = nil
	s.mutex.Unlock()

	// Unregister and the notifier join share one stop budget.
	deadline := time.Now().Add(s.stopTimeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	if err := reg.Unregister(ctx); err != nil {
		s.logger.Warnf("Error unregistering subscription %d: %s", s.handle, err)
	}
	cancel()

	remaining := time.Until(deadline)
	if remaining < minJoin {
		remaining = minJoin
	}
	if err := s.worker.Stop(remaining); err != nil {
		s.logger.Warnf("Subscription %d leaked its notifier goroutine: %s", s.handle, err)
	}

	discarded := s.queue.Close()
	s.mutex.Lock()
	s.discarded = discarded
	s.mutex.Unlock()
	if discarded > 0 {
		s.debug.Debugf("Subscription %d discarded %d queued batches", s.handle, discarded)
	}

	if s.onDestroy != nil {
		s.onDestroy(s.handle)
	}
	s.debug.Debugf("Subscription %d destroyed", s.handle)
	return nil
}

func (s *Subscription[T]) Destroyed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.destroyed
}

// Abandoned reports whether Destroy gave up waiting for the notifier.
func (s *Subscription[T]) Abandoned() bool {
	return s.worker.Abandoned()
}

// Stats reports delivery counters. Discarded includes batches dropped by
// the notifier on stop and batches left in the queue at Destroy.
func (s *Subscription[T]) Stats() Stats {
	s.mutex.Lock()
	discarded := s.discarded
	s.mutex.Unlock()

	return Stats{
		Delivered: s.worker.Delivered(),
		Failed:    s.worker.Failed(),
		Discarded: s.worker.Discarded() + int64(discarded),
	}
}
