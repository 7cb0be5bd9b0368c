// Package local provides an in-process server connection. It delivers
// batches on its own goroutine the way a remote server delivers on a thread
// it controls, which makes it useful for demos and tests.
package local

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/handoff"
	"github.com/rstudio/opcclassic/pkg/rsnotify/stopper"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
	"github.com/rstudio/opcclassic/pkg/rssubscription"
)

const defaultBacklog = 100

type ProviderConfig[S any] struct {
	// Status is the initial server status.
	Status S

	// MinBufferTime is the lowest buffer time the provider grants. A
	// request of zero is always granted as zero.
	MinBufferTime uint32

	// DefaultMaxSize is granted when a subscription asks for zero. Zero
	// means unlimited.
	DefaultMaxSize uint32

	// Backlog sizes the delivery channel. Publish blocks when it is full.
	Backlog int

	Logger rslog.Logger
}

// Provider is a simulated server. It is connected from construction until
// Close.
type Provider[T, S any] struct {
	mutex         sync.RWMutex
	connected     bool
	status        S
	fetchErr      error
	registerErr   error
	registrations map[batch.Handle]*registration[T, S]
	current       map[batch.Handle][]T
	onShutdown    func(reason string)

	minBufferTime  uint32
	defaultMaxSize uint32

	work    chan func()
	cancel  context.CancelFunc
	done    chan struct{}
	closing sync.Once

	dropped atomic.Int64
	logger  rslog.Logger
	debug   rslog.DebugLogger
}

func NewProvider[T, S any](cfg ProviderConfig[S]) *Provider[T, S] {
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	lgr := rslog.OrDefault(cfg.Logger).WithField("source", "local")
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider[T, S]{
		connected:      true,
		status:         cfg.Status,
		registrations:  make(map[batch.Handle]*registration[T, S]),
		current:        make(map[batch.Handle][]T),
		minBufferTime:  cfg.MinBufferTime,
		defaultMaxSize: cfg.DefaultMaxSize,
		work:           make(chan func(), cfg.Backlog),
		cancel:         cancel,
		done:           make(chan struct{}),
		logger:         lgr,
		debug:          rslog.NewDebugLogger(rslog.RegionSource, lgr),
	}
	go p.deliver(ctx)
	return p
}

// deliver runs every queued delivery in order on the provider goroutine.
func (p *Provider[T, S]) deliver(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.work:
			fn()
		}
	}
}

func (p *Provider[T, S]) enqueue(ctx context.Context, fn func()) error {
	if !p.Connected() {
		return rsstatus.New(rsstatus.NotConnected, "local server closed")
	}
	select {
	case p.work <- fn:
		return nil
	case <-p.done:
		return rsstatus.New(rsstatus.NotConnected, "local server closed")
	case <-ctx.Done():
		return rsstatus.Wrap(ctx.Err(), rsstatus.Timeout, "enqueue delivery")
	}
}

func (p *Provider[T, S]) Connected() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.connected
}

// SetConnected simulates losing or regaining the connection.
func (p *Provider[T, S]) SetConnected(connected bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.connected = connected
}

func (p *Provider[T, S]) SetStatus(status S) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.status = status
}

// SetFetchError makes FetchStatus fail with err until cleared with nil.
func (p *Provider[T, S]) SetFetchError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.fetchErr = err
}

// SetRegisterError makes Register fail with err until cleared with nil.
func (p *Provider[T, S]) SetRegisterError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.registerErr = err
}

// OnShutdown sets the function called when Shutdown is requested.
func (p *Provider[T, S]) OnShutdown(fn func(reason string)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.onShutdown = fn
}

func (p *Provider[T, S]) FetchStatus(ctx context.Context) (status S, err error) {
	if err = ctx.Err(); err != nil {
		return status, err
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if !p.connected {
		return status, rsstatus.New(rsstatus.NotConnected, "local server closed")
	}
	if p.fetchErr != nil {
		return status, p.fetchErr
	}
	return p.status, nil
}

func (p *Provider[T, S]) Register(ctx context.Context, params rssubscription.Params, pusher handoff.Pusher[T]) (rssubscription.Registration, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.connected {
		return nil, rsstatus.New(rsstatus.NotConnected, "local server closed")
	}
	if p.registerErr != nil {
		return nil, p.registerErr
	}
	if _, ok := p.registrations[params.Handle]; ok {
		return nil, rsstatus.Newf(rsstatus.InvalidArgument, "handle %d already registered", params.Handle)
	}

	reg := &registration[T, S]{
		provider:   p,
		guid:       uuid.New().String(),
		handle:     params.Handle,
		active:     params.Active,
		bufferTime: p.reviseBufferTime(params.BufferTime),
		maxSize:    p.reviseMaxSize(params.MaxSize),
		pusher:     pusher,
	}
	p.registrations[params.Handle] = reg
	p.debug.Debugf("Registered handle %d as %s", params.Handle, reg.guid)
	return reg, nil
}

func (p *Provider[T, S]) reviseBufferTime(requested uint32) uint32 {
	if requested == 0 || requested >= p.minBufferTime {
		return requested
	}
	return p.minBufferTime
}

func (p *Provider[T, S]) reviseMaxSize(requested uint32) uint32 {
	if requested == 0 {
		return p.defaultMaxSize
	}
	return requested
}

// Registered reports whether a subscription with handle is registered.
func (p *Provider[T, S]) Registered(handle batch.Handle) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	_, ok := p.registrations[handle]
	return ok
}

// SetCurrent sets the values a refresh of handle replays.
func (p *Provider[T, S]) SetCurrent(handle batch.Handle, items []T) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cp := make([]T, len(items))
	copy(cp, items)
	p.current[handle] = cp
}

// Publish delivers items to the subscription with handle from the provider
// goroutine. Items for an inactive or unknown subscription are dropped, as a
// server would not send them.
func (p *Provider[T, S]) Publish(ctx context.Context, handle batch.Handle, items ...T) error {
	return p.PublishTransaction(ctx, handle, 0, items...)
}

// PublishTransaction is Publish for the answer to an asynchronous request.
func (p *Provider[T, S]) PublishTransaction(ctx context.Context, handle batch.Handle, transaction uint32, items ...T) error {
	cp := make([]T, len(items))
	copy(cp, items)
	return p.enqueue(ctx, func() {
		p.mutex.RLock()
		reg, ok := p.registrations[handle]
		p.mutex.RUnlock()
		if !ok || !reg.Active() {
			p.dropped.Add(int64(len(cp)))
			return
		}
		reg.send(cp, transaction, false)
	})
}

// Shutdown asks connected clients to disconnect. The request is delivered
// from the provider goroutine.
func (p *Provider[T, S]) Shutdown(ctx context.Context, reason string) error {
	return p.enqueue(ctx, func() {
		p.mutex.RLock()
		fn := p.onShutdown
		p.mutex.RUnlock()
		if fn != nil {
			fn(reason)
		}
	})
}

// Flush waits until every delivery queued before it has run.
func (p *Provider[T, S]) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := p.enqueue(ctx, func() { close(flushed) }); err != nil {
		return err
	}
	select {
	case <-flushed:
		return nil
	case <-p.done:
		return rsstatus.New(rsstatus.NotConnected, "local server closed")
	case <-ctx.Done():
		return rsstatus.Wrap(ctx.Err(), rsstatus.Timeout, "flush deliveries")
	}
}

// Dropped counts items not delivered because the subscription was inactive
// or unknown, or because its queue refused the batch.
func (p *Provider[T, S]) Dropped() int64 {
	return p.dropped.Load()
}

// Close disconnects and stops the provider goroutine.
func (p *Provider[T, S]) Close(ctx context.Context) error {
	p.mutex.Lock()
	p.connected = false
	p.registrations = make(map[batch.Handle]*registration[T, S])
	p.mutex.Unlock()

	var err error
	p.closing.Do(func() {
		err = stopper.Join("local-provider", p.cancel, p.done, stopper.DefaultTimeout, p.logger)
	})
	return err
}

type registration[T, S any] struct {
	provider   *Provider[T, S]
	guid       string
	handle     batch.Handle
	bufferTime uint32
	maxSize    uint32
	pusher     handoff.Pusher[T]

	mutex  sync.Mutex
	active bool
}

func (r *registration[T, S]) Revised() (uint32, uint32) {
	return r.bufferTime, r.maxSize
}

func (r *registration[T, S]) Active() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.active
}

func (r *registration[T, S]) SetActive(ctx context.Context, active bool) error {
	if !r.provider.Connected() {
		return rsstatus.New(rsstatus.NotConnected, "local server closed")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.active = active
	return nil
}

// Refresh replays the current values of the subscription in chunks of the
// revised max size. Every chunk is flagged Refresh and the final one also
// LastRefresh.
func (r *registration[T, S]) Refresh(ctx context.Context) error {
	r.provider.mutex.RLock()
	items := r.provider.current[r.handle]
	r.provider.mutex.RUnlock()

	return r.provider.enqueue(ctx, func() {
		r.send(items, 0, true)
	})
}

func (r *registration[T, S]) Unregister(ctx context.Context) error {
	p := r.provider
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if current, ok := p.registrations[r.handle]; ok && current == r {
		delete(p.registrations, r.handle)
		p.debug.Debugf("Unregistered handle %d (%s)", r.handle, r.guid)
	}
	return nil
}

func (r *registration[T, S]) send(items []T, transaction uint32, refresh bool) {
	for _, chunk := range chunks(items, int(r.maxSize), refresh) {
		b := batch.New(r.handle, refresh, refresh && chunk.last, chunk.items)
		b.Transaction = transaction
		if err := r.pusher.Push(b); err != nil {
			r.provider.dropped.Add(int64(len(chunk.items)))
			r.provider.debug.Debugf("Push to handle %d refused: %s", r.handle, err)
		}
	}
}

type chunk[T any] struct {
	items []T
	last  bool
}

// chunks splits items into slices of at most size items. A refresh of no
// items still yields one empty, final chunk so the subscriber sees the end
// of the refresh.
func chunks[T any](items []T, size int, keepEmpty bool) []chunk[T] {
	if len(items) == 0 {
		if keepEmpty {
			return []chunk[T]{{last: true}}
		}
		return nil
	}
	if size <= 0 {
		size = len(items)
	}

	result := make([]chunk[T], 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		result = append(result, chunk[T]{items: items[start:end], last: end == len(items)})
	}
	return result
}
