// Package broadcaster hands each batch to the next sink and then fans a copy
// out to channel subscribers. It lets code outside the sink wait for a
// particular batch, such as the end of a refresh, to be fully handled.
package broadcaster

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"sync"
	"sync/atomic"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/notifier"
)

const defaultBuffer = 16

// Delivery is a copy of one batch as it reached the sink.
type Delivery[T any] struct {
	Origin      batch.Handle
	Refresh     bool
	LastRefresh bool
	Transaction uint32
	Guid        string
	Items       []T
}

type Matcher[T any] func(d Delivery[T]) bool

// EndOfRefresh matches the final batch of a refresh of origin.
func EndOfRefresh[T any](origin batch.Handle) Matcher[T] {
	return func(d Delivery[T]) bool {
		return d.Origin == origin && d.LastRefresh
	}
}

type Config[T any] struct {
	// Next receives every batch before the subscribers see it. May be nil.
	Next notifier.Sink[T]

	// Buffer sizes each Subscribe channel. A subscriber whose channel is
	// full misses the delivery.
	Buffer int

	Logger rslog.Logger
}

type subscription[T any] struct {
	c     chan Delivery[T]
	match Matcher[T]
	one   bool
}

// Broadcaster is a notifier.Sink. Deliver runs on the notifier goroutine and
// never blocks on a subscriber.
type Broadcaster[T any] struct {
	next   notifier.Sink[T]
	buffer int
	debug  rslog.DebugLogger

	mutex  sync.Mutex
	subs   []*subscription[T]
	closed bool

	dropped atomic.Int64
}

func New[T any](cfg Config[T]) *Broadcaster[T] {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Broadcaster[T]{
		next:   cfg.Next,
		buffer: cfg.Buffer,
		debug:  rslog.NewDebugLogger(rslog.RegionNotify, cfg.Logger).WithSubRegion("broadcast"),
	}
}

// Deliver copies the batch before the next sink detaches its items. The
// subscribers see the copy even when the next sink fails.
func (b *Broadcaster[T]) Deliver(bt *batch.Batch[T]) error {
	d := Delivery[T]{
		Origin:      bt.Origin,
		Refresh:     bt.Refresh,
		LastRefresh: bt.LastRefresh,
		Transaction: bt.Transaction,
		Guid:        bt.Guid(),
		Items:       bt.Items(),
	}

	var err error
	if b.next != nil {
		err = b.next.Deliver(bt)
	}
	b.broadcast(d)
	return err
}

func (b *Broadcaster[T]) broadcast(d Delivery[T]) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var needFilter bool
	for _, sub := range b.subs {
		if sub.match != nil && !sub.match(d) {
			continue
		}
		select {
		case sub.c <- d:
		default:
			b.dropped.Add(1)
			b.debug.Debugf("Subscriber missed batch %s from %d", d.Guid, d.Origin)
		}
		if sub.one {
			// SubscribeOne channels are buffered for exactly this send.
			close(sub.c)
			sub.c = nil
			needFilter = true
		}
	}
	if needFilter {
		b.subs = filter(b.subs)
	}
}

func filter[T any](subs []*subscription[T]) []*subscription[T] {
	result := make([]*subscription[T], 0, len(subs))
	for _, sub := range subs {
		if sub.c != nil {
			result = append(result, sub)
		}
	}
	return result
}

// Subscribe returns a channel that receives every delivery match accepts. A
// nil match accepts everything.
func (b *Broadcaster[T]) Subscribe(match Matcher[T]) <-chan Delivery[T] {
	return b.add(match, false, b.buffer)
}

// SubscribeOne returns a channel that receives the first delivery match
// accepts and is then closed. Call Unsubscribe if the delivery may never
// come.
func (b *Broadcaster[T]) SubscribeOne(match Matcher[T]) <-chan Delivery[T] {
	return b.add(match, true, 1)
}

func (b *Broadcaster[T]) add(match Matcher[T], one bool, buffer int) <-chan Delivery[T] {
	c := make(chan Delivery[T], buffer)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		close(c)
		return c
	}
	b.subs = append(b.subs, &subscription[T]{c: c, match: match, one: one})
	return c
}

// Unsubscribe closes ch and stops deliveries to it. Unknown or already
// closed channels are ignored.
func (b *Broadcaster[T]) Unsubscribe(ch <-chan Delivery[T]) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, sub := range b.subs {
		if sub.c == ch {
			close(sub.c)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.subs)
}

// Dropped counts deliveries missed because a subscriber was full.
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel; deliveries still reach the next sink.
func (b *Broadcaster[T]) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		close(sub.c)
	}
	b.subs = nil
}
