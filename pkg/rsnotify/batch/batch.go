package batch

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"github.com/google/uuid"
)

// Handle is the caller-assigned client handle of a subscription, group or
// item. It is opaque to the pipeline.
type Handle uint32

// Batch is one delivery unit produced by an external source in a single
// notification event. A Batch is owned by exactly one party at a time: the
// producer while building it, the hand-off queue after Push, and the
// consumer once dequeued. It is not safe for concurrent use.
type Batch[T any] struct {
	// Origin identifies the subscription that produced the batch.
	Origin Handle

	// Refresh marks a batch that is part of a bulk resynchronization, and
	// LastRefresh marks the final chunk of one.
	Refresh     bool
	LastRefresh bool

	// Transaction is zero for unsolicited deliveries, otherwise the id of
	// the asynchronous request that produced the batch.
	Transaction uint32

	declared int
	items    []T
	next     int
	guid     string
}

// New builds a batch whose declared count is the number of items.
func New[T any](origin Handle, refresh, lastRefresh bool, items []T) *Batch[T] {
	return NewDeclared(origin, refresh, lastRefresh, len(items), items)
}

// NewDeclared builds a batch with the count reported by the source, which
// may differ from len(items) when the source dropped items it could not
// decode.
func NewDeclared[T any](origin Handle, refresh, lastRefresh bool, declared int, items []T) *Batch[T] {
	cp := make([]T, len(items))
	copy(cp, items)
	return &Batch[T]{
		Origin:      origin,
		Refresh:     refresh,
		LastRefresh: lastRefresh,
		declared:    declared,
		items:       cp,
		guid:        uuid.New().String(),
	}
}

// DeclaredCount returns the count reported at construction. Detaching or
// releasing items never changes it.
func (b *Batch[T]) DeclaredCount() int {
	return b.declared
}

// Len returns the number of items not yet detached.
func (b *Batch[T]) Len() int {
	return len(b.items) - b.next
}

// Detach removes and returns the oldest remaining item.
func (b *Batch[T]) Detach() (item T, ok bool) {
	if b.next >= len(b.items) {
		return item, false
	}
	item = b.items[b.next]
	var zero T
	b.items[b.next] = zero
	b.next++
	return item, true
}

// Items returns a copy of the remaining items without detaching them.
func (b *Batch[T]) Items() []T {
	result := make([]T, b.Len())
	copy(result, b.items[b.next:])
	return result
}

// Release discards every remaining item and returns how many there were.
func (b *Batch[T]) Release() int {
	n := b.Len()
	b.items = nil
	b.next = 0
	return n
}

// Guid identifies the batch in logs.
func (b *Batch[T]) Guid() string {
	return b.guid
}
