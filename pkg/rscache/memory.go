package rscache

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// NewRistretto builds a ristretto cache sized for status records. A single
// ristretto instance may back several StatusCaches.
func NewRistretto(maxCost int64) (*ristretto.Cache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
}

type MemoryCacheConfig struct {
	// TTL expires a cached status. Zero keeps it until it is replaced,
	// uncached or evicted.
	TTL       time.Duration
	Ristretto *ristretto.Cache
}

// StatusCache keeps the last status read from each connected server, keyed
// by server name.
type StatusCache[S any] struct {
	ttl       time.Duration
	ristretto *ristretto.Cache
}

func NewStatusCache[S any](cfg MemoryCacheConfig) *StatusCache[S] {
	return &StatusCache[S]{
		ttl:       cfg.TTL,
		ristretto: cfg.Ristretto,
	}
}

func (m *StatusCache[S]) Enabled() bool {
	return m != nil && m.ristretto != nil && m.ristretto.MaxCost() > 0
}

func key[S any](server string) string {
	var zero S
	return fmt.Sprintf("%T:%s", zero, server)
}

// Put stores status for server. The value is visible to Get when Put
// returns.
func (m *StatusCache[S]) Put(server string, status S) error {
	if !m.Enabled() {
		return nil
	}

	// gob gives a closer estimate of the cost than unsafe.Sizeof for
	// statuses holding strings or slices.
	var sz int64 = 1
	b := new(bytes.Buffer)
	if err := gob.NewEncoder(b).Encode(status); err == nil && b.Len() > 0 {
		sz = int64(b.Len())
	}

	if ok := m.ristretto.SetWithTTL(key[S](server), status, sz, m.ttl); !ok {
		return fmt.Errorf("could not cache status for server %s", server)
	}
	m.ristretto.Wait()
	return nil
}

func (m *StatusCache[S]) Get(server string) (status S, ok bool) {
	if !m.Enabled() {
		return status, false
	}

	val, found := m.ristretto.Get(key[S](server))
	if !found {
		return status, false
	}
	status, ok = val.(S)
	return status, ok
}

func (m *StatusCache[S]) Uncache(server string) {
	if m.Enabled() {
		m.ristretto.Del(key[S](server))
	}
}
