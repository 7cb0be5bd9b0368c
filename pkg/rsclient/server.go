package rsclient

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/rstudio/opcclassic/pkg/rscache"
	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/notifier"
	"github.com/rstudio/opcclassic/pkg/rsnotify/stopper"
	"github.com/rstudio/opcclassic/pkg/rspoll"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
	"github.com/rstudio/opcclassic/pkg/rssubscription"
)

// Connection is a live link to one external server. It registers
// subscriptions, reads status and is closed on Disconnect.
type Connection[T, S any] interface {
	rssubscription.Source[T]
	rspoll.Fetcher[S]
	Close(ctx context.Context) error
}

type ServerConfig[T, S any] struct {
	Name       string
	Connection Connection[T, S]

	// Cache records the last status of the server. When nil the server
	// builds a private cache and closes it on Disconnect.
	Cache *rscache.StatusCache[S]

	// StopTimeout bounds the teardown of each subscription and of the
	// status poller. Defaults to 30 seconds.
	StopTimeout time.Duration

	// Mode and MaxBatches apply to every subscription of the server.
	Mode       notifier.Mode
	MaxBatches int

	// OnShutdown is invoked on its own goroutine when the server asks its
	// clients to disconnect.
	OnShutdown func(reason string)

	Logger rslog.Logger
}

type SubscriptionArgs[T any] struct {
	Handle     batch.Handle
	Sink       notifier.Sink[T]
	Active     bool
	BufferTime uint32
	MaxSize    uint32
}

// Server is a connected server object. It owns its subscriptions and its
// status poller and tears all of them down on Disconnect.
type Server[T, S any] struct {
	name        string
	conn        Connection[T, S]
	cache       *rscache.StatusCache[S]
	ownCache    *ristretto.Cache
	stopTimeout time.Duration
	mode        notifier.Mode
	maxBatches  int
	onShutdown  func(string)
	logger      rslog.Logger
	poller      *rspoll.Poller[S]

	mutex        sync.Mutex
	subs         map[batch.Handle]*rssubscription.Subscription[T]
	pending      map[batch.Handle]bool
	disconnected bool
}

func NewServer[T, S any](cfg ServerConfig[T, S]) (*Server[T, S], error) {
	if cfg.Connection == nil {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "server requires a connection")
	}
	if cfg.Name == "" {
		cfg.Name = "server"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = stopper.DefaultTimeout
	}

	s := &Server[T, S]{
		name:        cfg.Name,
		conn:        cfg.Connection,
		cache:       cfg.Cache,
		stopTimeout: cfg.StopTimeout,
		mode:        cfg.Mode,
		maxBatches:  cfg.MaxBatches,
		onShutdown:  cfg.OnShutdown,
		logger:      rslog.OrDefault(cfg.Logger).WithField("server", cfg.Name),
		subs:        make(map[batch.Handle]*rssubscription.Subscription[T]),
		pending:     make(map[batch.Handle]bool),
	}

	if s.cache == nil {
		rc, err := rscache.NewRistretto(0)
		if err != nil {
			return nil, rsstatus.Wrap(err, rsstatus.AllocationFailure, "create status cache")
		}
		s.ownCache = rc
		s.cache = rscache.NewStatusCache[S](rscache.MemoryCacheConfig{Ristretto: rc})
	}

	s.poller = rspoll.New(rspoll.Config[S]{
		Name:        fmt.Sprintf("%s-status", cfg.Name),
		Fetcher:     cfg.Connection,
		OnStatus:    s.recordStatus,
		StopTimeout: cfg.StopTimeout,
		Logger:      s.logger,
	})
	return s, nil
}

func (s *Server[T, S]) Name() string {
	return s.name
}

// Connected reports whether the server is usable: not disconnected and the
// underlying connection is live.
func (s *Server[T, S]) Connected() bool {
	s.mutex.Lock()
	disconnected := s.disconnected
	s.mutex.Unlock()

	return !disconnected && s.conn.Connected()
}

// CreateSubscription registers a new subscription with the server. Handles
// are unique per server.
func (s *Server[T, S]) CreateSubscription(ctx context.Context, args SubscriptionArgs[T]) (*rssubscription.Subscription[T], error) {
	s.mutex.Lock()
	if s.disconnected {
		s.mutex.Unlock()
		return nil, rsstatus.New(rsstatus.NotConnected, "server disconnected")
	}
	if _, ok := s.subs[args.Handle]; ok || s.pending[args.Handle] {
		s.mutex.Unlock()
		return nil, rsstatus.Newf(rsstatus.InvalidArgument, "subscription handle %d already in use", args.Handle)
	}
	s.pending[args.Handle] = true
	s.mutex.Unlock()

	sub, err := rssubscription.New(ctx, rssubscription.Config[T]{
		Source:      s.conn,
		Sink:        args.Sink,
		Handle:      args.Handle,
		Active:      args.Active,
		BufferTime:  args.BufferTime,
		MaxSize:     args.MaxSize,
		Mode:        s.mode,
		MaxBatches:  s.maxBatches,
		StopTimeout: s.stopTimeout,
		OnDestroy:   s.removeSubscription,
		Logger:      s.logger,
	})

	s.mutex.Lock()
	delete(s.pending, args.Handle)
	if err != nil {
		s.mutex.Unlock()
		return nil, err
	}
	if s.disconnected {
		s.mutex.Unlock()
		sub.Destroy()
		return nil, rsstatus.New(rsstatus.NotConnected, "server disconnected")
	}
	s.subs[args.Handle] = sub
	s.mutex.Unlock()

	return sub, nil
}

func (s *Server[T, S]) removeSubscription(handle batch.Handle) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.subs, handle)
}

func (s *Server[T, S]) Subscription(handle batch.Handle) (*rssubscription.Subscription[T], bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sub, ok := s.subs[handle]
	return sub, ok
}

// Subscriptions returns the live subscriptions ordered by handle.
func (s *Server[T, S]) Subscriptions() []*rssubscription.Subscription[T] {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.sortedSubscriptions()
}

func (s *Server[T, S]) sortedSubscriptions() []*rssubscription.Subscription[T] {
	result := make([]*rssubscription.Subscription[T], 0, len(s.subs))
	for _, sub := range s.subs {
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Handle() < result[j].Handle()
	})
	return result
}

// PollStatus starts the status poller, or changes its interval when it is
// already running.
func (s *Server[T, S]) PollStatus(cb rspoll.Callback[S], interval time.Duration, cookie interface{}) error {
	s.mutex.Lock()
	disconnected := s.disconnected
	s.mutex.Unlock()
	if disconnected {
		return rsstatus.New(rsstatus.NotConnected, "server disconnected")
	}

	return s.poller.Activate(cb, interval, cookie)
}

func (s *Server[T, S]) StopPolling() error {
	return s.poller.Deactivate()
}

func (s *Server[T, S]) Polling() bool {
	return s.poller.Running()
}

// UpdateStatus reads the status once and caches it.
func (s *Server[T, S]) UpdateStatus(ctx context.Context) (status S, err error) {
	if !s.Connected() {
		return status, rsstatus.New(rsstatus.NotConnected, "server not connected")
	}

	status, err = s.conn.FetchStatus(ctx)
	if err != nil {
		return status, rsstatus.Wrap(err, rsstatus.TransportFailure, "fetch server status")
	}
	s.recordStatus(status)
	return status, nil
}

func (s *Server[T, S]) recordStatus(status S) {
	if err := s.cache.Put(s.name, status); err != nil {
		s.logger.Debugf("Status for %s not cached: %s", s.name, err)
	}
}

// Status returns the last status read by UpdateStatus or the poller.
func (s *Server[T, S]) Status() (S, bool) {
	return s.cache.Get(s.name)
}

// HandleShutdownRequest is called by a connection when the server asks its
// clients to disconnect. It returns at once.
func (s *Server[T, S]) HandleShutdownRequest(reason string) {
	s.logger.Infof("Server %s requested shutdown: %s", s.name, reason)
	if s.onShutdown == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("Shutdown handler for %s panicked: %v", s.name, r)
			}
		}()
		s.onShutdown(reason)
	}()
}

// Disconnect stops the poller, destroys every subscription and closes the
// connection. Calling it again does nothing.
func (s *Server[T, S]) Disconnect(ctx context.Context) error {
	s.mutex.Lock()
	if s.disconnected {
		s.mutex.Unlock()
		return nil
	}
	s.disconnected = true
	subs := s.sortedSubscriptions()
	s.mutex.Unlock()

	if err := s.poller.Dispose(); err != nil {
		s.logger.Warnf("Error stopping status poller: %s", err)
	}
	for _, sub := range subs {
		sub.Destroy()
	}

	s.cache.Uncache(s.name)
	if s.ownCache != nil {
		s.ownCache.Close()
	}

	if err := s.conn.Close(ctx); err != nil {
		return rsstatus.Wrap(err, rsstatus.TransportFailure, "close connection")
	}
	return nil
}
