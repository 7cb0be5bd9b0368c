// Package pgxsource connects subscriptions to a PostgreSQL relay. A gateway
// process bridges the legacy servers and publishes each callback batch with
// pg_notify on a per-subscription channel; server status is kept in a table.
package pgxsource

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/handoff"
	"github.com/rstudio/opcclassic/pkg/rsnotify/stopper"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
	"github.com/rstudio/opcclassic/pkg/rssubscription"
)

const (
	defaultPrefix      = "opc"
	defaultStatusQuery = "SELECT status FROM opc_server_status WHERE server = $1"
	retryDelay         = time.Second
)

// Message is the JSON payload of one notification.
type Message[T any] struct {
	Refresh     bool   `json:"refresh,omitempty"`
	LastRefresh bool   `json:"last_refresh,omitempty"`
	Transaction uint32 `json:"transaction,omitempty"`
	Items       []T    `json:"items"`
}

// RefreshRequest is published on the refresh channel when a subscription
// asks for its current values.
type RefreshRequest struct {
	Server  string       `json:"server"`
	Handle  batch.Handle `json:"handle"`
	Channel string       `json:"channel"`
}

type Config struct {
	// Pool is owned by the caller and is not closed by the source.
	Pool *pgxpool.Pool

	// Server names the legacy server this source represents.
	Server string

	// Prefix starts every channel name. Defaults to "opc".
	Prefix string

	// StatusQuery takes the server name and returns one JSON column.
	StatusQuery string

	Logger rslog.Logger
}

// Source implements the subscription and status sides of a connection.
type Source[T, S any] struct {
	pool        *pgxpool.Pool
	server      string
	prefix      string
	statusQuery string

	mutex     sync.Mutex
	closed    bool
	listeners map[batch.Handle]*listener[T]

	logger rslog.Logger
	debug  rslog.DebugLogger
}

func New[T, S any](cfg Config) (*Source[T, S], error) {
	if cfg.Pool == nil {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "pgx pool is required")
	}
	if cfg.Server == "" {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "server name is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.StatusQuery == "" {
		cfg.StatusQuery = defaultStatusQuery
	}
	lgr := rslog.OrDefault(cfg.Logger).WithFields(rslog.Fields{"source": "pgx", "server": cfg.Server})
	return &Source[T, S]{
		pool:        cfg.Pool,
		server:      cfg.Server,
		prefix:      cfg.Prefix,
		statusQuery: cfg.StatusQuery,
		listeners:   make(map[batch.Handle]*listener[T]),
		logger:      lgr,
		debug:       rslog.NewDebugLogger(rslog.RegionSource, lgr),
	}, nil
}

// Channel returns the channel notifications for handle are published on.
func (s *Source[T, S]) Channel(handle batch.Handle) string {
	return ChannelName(s.prefix, s.server, handle)
}

// RefreshChannel returns the channel refresh requests are published on.
func (s *Source[T, S]) RefreshChannel() string {
	return ChannelName(s.prefix, s.server, 0) + "_refresh"
}

// ChannelName builds a lower-case channel name, replacing anything that is
// not a letter, digit or underscore.
func ChannelName(prefix, server string, handle batch.Handle) string {
	name := strings.ToLower(fmt.Sprintf("%s_%s", prefix, server))
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, name)
	if handle == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, handle)
}

func (s *Source[T, S]) Connected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return !s.closed
}

func (s *Source[T, S]) FetchStatus(ctx context.Context) (status S, err error) {
	if !s.Connected() {
		return status, rsstatus.New(rsstatus.NotConnected, "pgx source closed")
	}

	var raw []byte
	err = s.pool.QueryRow(ctx, s.statusQuery, s.server).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return status, rsstatus.Newf(rsstatus.NotConnected, "no status for server %s", s.server)
	} else if err != nil {
		return status, rsstatus.Wrap(err, rsstatus.TransportFailure, "query server status")
	}
	if err = json.Unmarshal(raw, &status); err != nil {
		return status, rsstatus.Wrap(err, rsstatus.TransportFailure, "decode server status")
	}
	return status, nil
}

// Register starts listening on the channel for params.Handle and returns
// once the LISTEN is in place.
func (s *Source[T, S]) Register(ctx context.Context, params rssubscription.Params, pusher handoff.Pusher[T]) (rssubscription.Registration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, rsstatus.New(rsstatus.NotConnected, "pgx source closed")
	}
	if _, ok := s.listeners[params.Handle]; ok {
		return nil, rsstatus.Newf(rsstatus.InvalidArgument, "handle %d already registered", params.Handle)
	}

	l := &listener[T]{
		source:     s.unregistered,
		pool:       s.pool,
		channel:    s.Channel(params.Handle),
		refresh:    s.RefreshChannel(),
		server:     s.server,
		handle:     params.Handle,
		bufferTime: params.BufferTime,
		maxSize:    params.MaxSize,
		active:     params.Active,
		pusher:     pusher,
		logger:     s.logger.WithField("channel", s.Channel(params.Handle)),
		debug:      s.debug,
	}
	if err := l.start(ctx); err != nil {
		return nil, err
	}
	s.listeners[params.Handle] = l
	return l, nil
}

func (s *Source[T, S]) unregistered(handle batch.Handle, l *listener[T]) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if current, ok := s.listeners[handle]; ok && current == l {
		delete(s.listeners, handle)
	}
}

// Publish sends msg to the subscription with handle. Gateways use it; so do
// tests.
func (s *Source[T, S]) Publish(ctx context.Context, handle batch.Handle, msg Message[T]) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return rsstatus.Wrap(err, rsstatus.InvalidArgument, "encode message")
	}
	return Notify(ctx, s.pool, s.Channel(handle), string(payload))
}

// Close stops every listener. The pool stays open.
func (s *Source[T, S]) Close(ctx context.Context) error {
	s.mutex.Lock()
	s.closed = true
	listeners := make([]*listener[T], 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mutex.Unlock()

	var first error
	for _, l := range listeners {
		if err := l.Unregister(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Notify publishes payload on channel.
func Notify(ctx context.Context, pool *pgxpool.Pool, channel, payload string) error {
	_, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return rsstatus.Wrap(err, rsstatus.TransportFailure, "pg_notify")
	}
	return nil
}

type listener[T any] struct {
	source     func(batch.Handle, *listener[T])
	pool       *pgxpool.Pool
	channel    string
	refresh    string
	server     string
	handle     batch.Handle
	bufferTime uint32
	maxSize    uint32
	pusher     handoff.Pusher[T]
	logger     rslog.Logger
	debug      rslog.DebugLogger

	mutex  sync.Mutex
	active bool
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *listener[T]) Revised() (uint32, uint32) {
	return l.bufferTime, l.maxSize
}

func (l *listener[T]) isActive() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.active
}

func (l *listener[T]) SetActive(ctx context.Context, active bool) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.active = active
	return nil
}

// Refresh asks the gateway to replay current values on this listener's
// channel.
func (l *listener[T]) Refresh(ctx context.Context) error {
	payload, err := json.Marshal(RefreshRequest{Server: l.server, Handle: l.handle, Channel: l.channel})
	if err != nil {
		return rsstatus.Wrap(err, rsstatus.InvalidArgument, "encode refresh request")
	}
	return Notify(ctx, l.pool, l.refresh, string(payload))
}

// start acquires a connection and issues LISTEN before the listen loop runs,
// so Register fails fast when the database is unreachable.
func (l *listener[T]) start(ctx context.Context) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(loopCtx)
	return nil
}

func (l *listener[T]) run(ctx context.Context) {
	defer close(l.done)
	for {
		if err := l.wait(ctx); err != nil {
			l.logger.Warnf("Listener error: %s", err)
		}
		if needExit(ctx) {
			return
		}
		if err := l.acquire(ctx); err != nil {
			l.logger.Warnf("Listener reconnect failed: %s", err)
			continue
		}
		l.logger.Infof("Successfully reconnected listener")
	}
}

func needExit(ctx context.Context) bool {
	tm := time.NewTimer(retryDelay)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-tm.C:
	}
	return false
}

func (l *listener[T]) wait(ctx context.Context) error {
	l.mutex.Lock()
	conn := l.conn
	l.mutex.Unlock()
	if conn == nil {
		return rsstatus.New(rsstatus.NotConnected, "no listen connection")
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			l.releaseConn()
			return err
		}
		l.notify(n)
	}
}

func (l *listener[T]) acquire(ctx context.Context) error {
	l.releaseConn()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return rsstatus.Wrap(err, rsstatus.TransportFailure, "acquire listen connection")
	}
	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		conn.Release()
		return rsstatus.Wrap(err, rsstatus.TransportFailure, "listen on "+l.channel)
	}

	l.mutex.Lock()
	l.conn = conn
	l.mutex.Unlock()
	l.debug.Debugf("Listening on %s for handle %d", l.channel, l.handle)
	return nil
}

func (l *listener[T]) releaseConn() {
	l.mutex.Lock()
	conn := l.conn
	l.conn = nil
	l.mutex.Unlock()

	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{l.channel}.Sanitize())
	conn.Release()
}

func (l *listener[T]) notify(n *pgconn.Notification) {
	msg, err := DecodeMessage[T](n.Payload)
	if err != nil {
		l.logger.Errorf("Discarding notification on %s: %s", n.Channel, err)
		return
	}
	if !l.isActive() && !msg.Refresh {
		l.debug.Debugf("Dropping %d items for inactive handle %d", len(msg.Items), l.handle)
		return
	}

	b := batch.New(l.handle, msg.Refresh, msg.LastRefresh, msg.Items)
	b.Transaction = msg.Transaction
	if err = l.pusher.Push(b); err != nil {
		l.debug.Debugf("Push to handle %d refused: %s", l.handle, err)
	}
}

// DecodeMessage parses a notification payload.
func DecodeMessage[T any](payload string) (msg Message[T], err error) {
	if err = json.Unmarshal([]byte(payload), &msg); err != nil {
		return msg, errors.Wrap(err, "error unmarshalling notification")
	}
	if msg.LastRefresh && !msg.Refresh {
		return msg, errors.New("last_refresh set without refresh")
	}
	return msg, nil
}

// Unregister stops listening. It is idempotent.
func (l *listener[T]) Unregister(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		timeout := stopper.DefaultTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if timeout = time.Until(deadline); timeout <= 0 {
				timeout = time.Millisecond
			}
		}
		err = stopper.Join("pgx-listener-"+l.channel, l.cancel, l.done, timeout, l.logger)
		if err == nil {
			l.releaseConn()
		}
		l.source(l.handle, l)
	})
	return err
}
