package rsclient

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"errors"

	"github.com/fortytw2/leaktest"
	"gopkg.in/check.v1"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/sources/local"
)

type ComposeSuite struct{}

var _ = check.Suite(&ComposeSuite{})

type fixedFetcher struct {
	connected bool
	status    testStatus
}

func (f *fixedFetcher) Connected() bool {
	return f.connected
}

func (f *fixedFetcher) FetchStatus(ctx context.Context) (testStatus, error) {
	return f.status, nil
}

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error {
	return f(ctx)
}

func (s *ComposeSuite) TestCompose(c *check.C) {
	defer leaktest.Check(c)()

	provider := local.NewProvider[string, testStatus](local.ProviderConfig[testStatus]{
		Logger: rslog.NewDiscardingLogger(),
	})
	fetcher := &fixedFetcher{connected: true, status: testStatus{State: StateSuspended, Build: 3}}

	var closed []string
	conn := Compose[string, testStatus](provider, fetcher,
		closerFunc(func(ctx context.Context) error {
			closed = append(closed, "first")
			return errors.New("first failed")
		}),
		provider,
		closerFunc(func(ctx context.Context) error {
			closed = append(closed, "last")
			return errors.New("last failed")
		}),
	)

	c.Check(conn.Connected(), check.Equals, true)
	fetcher.connected = false
	c.Check(conn.Connected(), check.Equals, false)
	fetcher.connected = true

	st, err := conn.FetchStatus(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(st, check.DeepEquals, testStatus{State: StateSuspended, Build: 3})

	err = conn.Close(context.Background())
	c.Check(err, check.ErrorMatches, "first failed")
	c.Check(closed, check.DeepEquals, []string{"first", "last"})
	c.Check(provider.Connected(), check.Equals, false)
	c.Check(conn.Connected(), check.Equals, false)
}
