package rsclient

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"

	"github.com/rstudio/opcclassic/pkg/rspoll"
	"github.com/rstudio/opcclassic/pkg/rssubscription"
)

// Closer releases one half of a composed connection.
type Closer interface {
	Close(ctx context.Context) error
}

type composed[T, S any] struct {
	rssubscription.Source[T]
	fetcher rspoll.Fetcher[S]
	closers []Closer
}

// Compose builds a Connection whose subscriptions come from source and whose
// status comes from fetcher, e.g. a database relay plus an HTTP gateway.
// Close closes each closer in order and returns the first error.
func Compose[T, S any](source rssubscription.Source[T], fetcher rspoll.Fetcher[S], closers ...Closer) Connection[T, S] {
	return &composed[T, S]{Source: source, fetcher: fetcher, closers: closers}
}

// Connected requires both halves.
func (c *composed[T, S]) Connected() bool {
	return c.Source.Connected() && c.fetcher.Connected()
}

func (c *composed[T, S]) FetchStatus(ctx context.Context) (S, error) {
	return c.fetcher.FetchStatus(ctx)
}

func (c *composed[T, S]) Close(ctx context.Context) error {
	var first error
	for _, closer := range c.closers {
		if err := closer.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
