// Package httpgateway reads server status through an HTTP gateway that
// exposes each legacy server's status as JSON.
package httpgateway

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

const (
	defaultPath    = "/status"
	defaultTimeout = 10 * time.Second
)

type Config struct {
	// BaseURL of the gateway, e.g. http://gateway:8080/servers/da-1
	BaseURL string

	// Path is appended to BaseURL. Defaults to /status.
	Path string

	// Client defaults to an http.Client with a 10 second timeout.
	Client *http.Client

	// Header is added to every request, e.g. an authorization token.
	Header http.Header

	Logger rslog.Logger
}

// Fetcher implements the status side of a connection against the gateway.
type Fetcher[S any] struct {
	url    string
	client *http.Client
	header http.Header
	logger rslog.Logger

	mutex   sync.RWMutex
	closed  bool
	lastErr error
}

func New[S any](cfg Config) (*Fetcher[S], error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, rsstatus.New(rsstatus.InvalidArgument, "gateway base URL is required")
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher[S]{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		client: cfg.Client,
		header: cfg.Header,
		logger: rslog.OrDefault(cfg.Logger).WithField("gateway", cfg.BaseURL),
	}, nil
}

func (f *Fetcher[S]) URL() string {
	return f.url
}

// Connected is true until Close. A failing gateway stays connected; its
// failures reach the status callback as errors.
func (f *Fetcher[S]) Connected() bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	return !f.closed
}

// LastError returns the error of the most recent fetch, or nil.
func (f *Fetcher[S]) LastError() error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	return f.lastErr
}

func (f *Fetcher[S]) FetchStatus(ctx context.Context) (S, error) {
	status, err := f.fetch(ctx)

	f.mutex.Lock()
	f.lastErr = err
	f.mutex.Unlock()

	return status, err
}

func (f *Fetcher[S]) fetch(ctx context.Context) (status S, err error) {
	if !f.Connected() {
		return status, rsstatus.New(rsstatus.NotConnected, "gateway fetcher closed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return status, rsstatus.Wrap(err, rsstatus.InvalidArgument, "build status request")
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range f.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return status, rsstatus.Wrap(err, rsstatus.TransportFailure, "request status")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return status, rsstatus.New(rsstatus.NotConnected, "gateway reports server unavailable")
	case resp.StatusCode != http.StatusOK:
		return status, rsstatus.Newf(rsstatus.TransportFailure, "gateway returned %d", resp.StatusCode)
	}

	if err = json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, rsstatus.Wrap(errors.Wrap(err, "decode status"), rsstatus.TransportFailure, "read status")
	}
	return status, nil
}

// Close marks the fetcher closed and releases idle connections.
func (f *Fetcher[S]) Close(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.closed {
		f.closed = true
		f.client.CloseIdleConnections()
	}
	return nil
}
