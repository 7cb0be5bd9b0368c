package handoff

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"sync"

	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

var (
	ErrClosed = rsstatus.New(rsstatus.NotConnected, "hand-off queue closed")
	ErrFull   = rsstatus.New(rsstatus.TransportFailure, "hand-off queue full")
)

// Pusher is the producer side of a queue. Sources receive a Pusher when a
// subscription registers with them and may call Push from any goroutine.
type Pusher[T any] interface {
	Push(b *batch.Batch[T]) error
}

type Config struct {
	// MaxBatches bounds the number of queued batches. Zero means unbounded.
	MaxBatches int
}

// Queue hands batches from producer goroutines to a single consumer. Push
// never waits for the consumer: it appends under the lock and raises the
// ready signal, which behaves like an auto-reset event. Multiple pushes
// before the consumer wakes collapse into one signal.
type Queue[T any] struct {
	mutex   sync.Mutex
	batches []*batch.Batch[T]
	ready   chan struct{}
	closed  bool
	max     int
}

func New[T any](cfg Config) *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		max:   cfg.MaxBatches,
	}
}

// Push appends b to the queue and signals the consumer. On error the batch
// is released and ownership does not transfer.
func (q *Queue[T]) Push(b *batch.Batch[T]) error {
	if b == nil {
		return rsstatus.New(rsstatus.InvalidArgument, "nil batch")
	}

	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		b.Release()
		return ErrClosed
	}
	if q.max > 0 && len(q.batches) >= q.max {
		q.mutex.Unlock()
		b.Release()
		return ErrFull
	}
	q.batches = append(q.batches, b)
	q.mutex.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// DrainAll removes and returns every queued batch in push order.
func (q *Queue[T]) DrainAll() []*batch.Batch[T] {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	result := q.batches
	q.batches = nil
	return result
}

// Ready is signaled after one or more pushes.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue[T]) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.batches)
}

func (q *Queue[T]) Closed() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.closed
}

// Close rejects later pushes, releases every queued batch and returns the
// number of batches discarded.
func (q *Queue[T]) Close() int {
	q.mutex.Lock()
	q.closed = true
	pending := q.batches
	q.batches = nil
	q.mutex.Unlock()

	for _, b := range pending {
		b.Release()
	}
	return len(pending)
}
