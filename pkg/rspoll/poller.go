package rspoll

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/stopper"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

// MinInterval is the shortest accepted poll interval.
const MinInterval = 100 * time.Millisecond

// Fetcher reads the current status of a connected server.
type Fetcher[S any] interface {
	Connected() bool
	FetchStatus(ctx context.Context) (S, error)
}

// Result is handed to the callback after every fetch. Err is set when the
// fetch failed, in which case Status is the zero value.
type Result[S any] struct {
	Status S
	Err    error
}

type Callback[S any] func(result Result[S], cookie interface{})

type Config[S any] struct {
	// Name identifies the poller in logs.
	Name    string
	Fetcher Fetcher[S]

	// OnStatus, when set, sees every successful status before the callback.
	OnStatus func(status S)

	// StopTimeout bounds Deactivate. Defaults to 30 seconds.
	StopTimeout time.Duration

	Logger rslog.Logger
}

// Poller runs at most one goroutine that fetches status at a fixed interval
// and hands the result to a callback.
type Poller[S any] struct {
	name        string
	fetcher     Fetcher[S]
	onStatus    func(S)
	stopTimeout time.Duration
	logger      rslog.Logger
	debug       rslog.DebugLogger

	mutex    sync.Mutex
	callback Callback[S]
	cookie   interface{}
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	disposed bool

	// stopping is non-nil while Deactivate joins the goroutine. It is
	// closed once running is false again.
	stopping chan struct{}
}

func New[S any](cfg Config[S]) *Poller[S] {
	if cfg.Name == "" {
		cfg.Name = "status-poller"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = stopper.DefaultTimeout
	}
	lgr := rslog.OrDefault(cfg.Logger).WithField("poller", cfg.Name)
	return &Poller[S]{
		name:        cfg.Name,
		fetcher:     cfg.Fetcher,
		onStatus:    cfg.OnStatus,
		stopTimeout: cfg.StopTimeout,
		logger:      lgr,
		debug:       rslog.NewDebugLogger(rslog.RegionPoll, lgr),
	}
}

// Activate starts polling. When the poller is already running only the
// interval changes; the new value applies after the wait in progress ends.
// During a Deactivate it waits for that stop to finish, so at most one poll
// goroutine is ever live.
func (p *Poller[S]) Activate(cb Callback[S], interval time.Duration, cookie interface{}) error {
	if interval < MinInterval {
		return rsstatus.Newf(rsstatus.InvalidArgument, "poll interval %s is below the %s minimum", interval, MinInterval)
	}
	if cb == nil {
		return rsstatus.New(rsstatus.InvalidArgument, "status callback is required")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.awaitStop()

	if p.disposed || p.fetcher == nil || !p.fetcher.Connected() {
		return rsstatus.New(rsstatus.NotConnected, "server not connected")
	}

	if p.running {
		p.debug.Debugf("Poller %s interval changed from %s to %s", p.name, p.interval, interval)
		p.interval = interval
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.callback = cb
	p.cookie = cookie
	p.interval = interval
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.run(ctx, p.done, cb, cookie)
	p.debug.Debugf("Poller %s activated at %s", p.name, interval)
	return nil
}

func (p *Poller[S]) run(ctx context.Context, done chan struct{}, cb Callback[S], cookie interface{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		status, err := p.fetcher.FetchStatus(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.debug.Debugf("Poller %s fetch failed: %s", p.name, err)
		} else if p.onStatus != nil {
			p.onStatus(status)
		}
		p.dispatch(cb, Result[S]{Status: status, Err: err}, cookie)

		interval := p.Interval()
		if interval <= 0 {
			return
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller[S]) dispatch(cb Callback[S], result Result[S], cookie interface{}) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Poller %s callback panicked: %s", p.name, fmt.Sprint(r))
		}
	}()
	cb(result, cookie)
}

// awaitStop waits, with p.mutex held on entry and exit, until no
// Deactivate is joining the goroutine.
func (p *Poller[S]) awaitStop() {
	for p.stopping != nil {
		stopping := p.stopping
		p.mutex.Unlock()
		<-stopping
		p.mutex.Lock()
	}
}

// Deactivate stops polling and forgets the callback, cookie and interval.
// Running stays true until the join completes. A stop that exceeds the
// timeout is logged and the goroutine abandoned; it is not reported as an
// error.
func (p *Poller[S]) Deactivate() error {
	p.mutex.Lock()
	p.awaitStop()
	if !p.running {
		p.mutex.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	stopping := make(chan struct{})
	p.stopping = stopping
	p.mutex.Unlock()

	if err := stopper.Join(p.name, cancel, done, p.stopTimeout, p.logger); err != nil {
		p.logger.Warnf("Poller %s leaked its goroutine: %s", p.name, err)
	}

	p.mutex.Lock()
	p.running = false
	p.callback = nil
	p.cookie = nil
	p.interval = 0
	p.cancel = nil
	p.done = nil
	p.stopping = nil
	close(stopping)
	p.mutex.Unlock()

	p.debug.Debugf("Poller %s deactivated", p.name)
	return nil
}

// Dispose deactivates the poller and rejects any later Activate.
func (p *Poller[S]) Dispose() error {
	p.mutex.Lock()
	p.disposed = true
	p.mutex.Unlock()

	return p.Deactivate()
}

func (p *Poller[S]) Running() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.running
}

func (p *Poller[S]) Interval() time.Duration {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.interval
}
