package local

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"gopkg.in/check.v1"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/handoff"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
	"github.com/rstudio/opcclassic/pkg/rssubscription"
)

type ProviderSuite struct{}

var _ = check.Suite(&ProviderSuite{})

func TestPackage(t *testing.T) { check.TestingT(t) }

type status struct {
	State string
}

func newProvider() *Provider[int, status] {
	return NewProvider[int, status](ProviderConfig[status]{
		Status:         status{State: "running"},
		MinBufferTime:  100,
		DefaultMaxSize: 0,
		Logger:         rslog.NewDiscardingLogger(),
	})
}

// collect waits until n batches are queued in q and returns them.
func collect(c *check.C, q *handoff.Queue[int], n int) []*batch.Batch[int] {
	result := make([]*batch.Batch[int], 0, n)
	timeout := time.After(5 * time.Second)
	for len(result) < n {
		select {
		case <-q.Ready():
			result = append(result, q.DrainAll()...)
		case <-timeout:
			c.Fatalf("timeout waiting for %d batches, got %d", n, len(result))
		}
	}
	return result
}

func (s *ProviderSuite) TestRegisterRevisesParams(c *check.C) {
	defer leaktest.Check(c)()

	p := newProvider()
	defer p.Close(context.Background())

	q := handoff.New[int](handoff.Config{})
	reg, err := p.Register(context.Background(), rssubscription.Params{Handle: 1, BufferTime: 10, MaxSize: 0}, q)
	c.Assert(err, check.IsNil)
	bt, ms := reg.Revised()
	c.Check(bt, check.Equals, uint32(100))
	c.Check(ms, check.Equals, uint32(0))
	c.Check(p.Registered(1), check.Equals, true)

	_, err = p.Register(context.Background(), rssubscription.Params{Handle: 1}, q)
	c.Check(rsstatus.Is(err, rsstatus.InvalidArgument), check.Equals, true)

	reg2, err := p.Register(context.Background(), rssubscription.Params{Handle: 2, BufferTime: 0, MaxSize: 5}, q)
	c.Assert(err, check.IsNil)
	bt, ms = reg2.Revised()
	c.Check(bt, check.Equals, uint32(0))
	c.Check(ms, check.Equals, uint32(5))

	c.Assert(reg.Unregister(context.Background()), check.IsNil)
	c.Assert(reg.Unregister(context.Background()), check.IsNil)
	c.Check(p.Registered(1), check.Equals, false)
	c.Check(p.Registered(2), check.Equals, true)
}

func (s *ProviderSuite) TestPublishActiveOnly(c *check.C) {
	defer leaktest.Check(c)()

	p := newProvider()
	defer p.Close(context.Background())

	q := handoff.New[int](handoff.Config{})
	reg, err := p.Register(context.Background(), rssubscription.Params{Handle: 4, Active: false}, q)
	c.Assert(err, check.IsNil)

	c.Assert(p.Publish(context.Background(), 4, 1, 2), check.IsNil)
	c.Assert(p.Flush(context.Background()), check.IsNil)
	c.Assert(reg.SetActive(context.Background(), true), check.IsNil)
	c.Assert(p.PublishTransaction(context.Background(), 4, 77, 3, 4), check.IsNil)

	batches := collect(c, q, 1)
	c.Assert(batches, check.HasLen, 1)
	c.Check(batches[0].Origin, check.Equals, batch.Handle(4))
	c.Check(batches[0].Transaction, check.Equals, uint32(77))
	c.Check(batches[0].Items(), check.DeepEquals, []int{3, 4})
	c.Check(p.Dropped(), check.Equals, int64(2))

	// Unknown handles are dropped as well.
	c.Assert(p.Publish(context.Background(), 99, 5), check.IsNil)
	c.Assert(p.Publish(context.Background(), 4, 6), check.IsNil)
	batches = collect(c, q, 1)
	c.Check(batches[0].Items(), check.DeepEquals, []int{6})
	c.Check(p.Dropped(), check.Equals, int64(3))
}

func (s *ProviderSuite) TestRefreshChunks(c *check.C) {
	defer leaktest.Check(c)()

	p := newProvider()
	defer p.Close(context.Background())

	q := handoff.New[int](handoff.Config{})
	reg, err := p.Register(context.Background(), rssubscription.Params{Handle: 8, Active: true, MaxSize: 2}, q)
	c.Assert(err, check.IsNil)

	p.SetCurrent(8, []int{1, 2, 3, 4, 5})
	c.Assert(reg.Refresh(context.Background()), check.IsNil)

	batches := collect(c, q, 3)
	c.Assert(batches, check.HasLen, 3)
	c.Check(batches[0].Items(), check.DeepEquals, []int{1, 2})
	c.Check(batches[1].Items(), check.DeepEquals, []int{3, 4})
	c.Check(batches[2].Items(), check.DeepEquals, []int{5})
	for i, b := range batches {
		c.Check(b.Refresh, check.Equals, true)
		c.Check(b.LastRefresh, check.Equals, i == 2)
	}

	// Nothing current: one empty final chunk.
	p.SetCurrent(8, nil)
	c.Assert(reg.Refresh(context.Background()), check.IsNil)
	batches = collect(c, q, 1)
	c.Check(batches[0].Len(), check.Equals, 0)
	c.Check(batches[0].LastRefresh, check.Equals, true)
}

func (s *ProviderSuite) TestStatusAndFailures(c *check.C) {
	defer leaktest.Check(c)()

	p := newProvider()

	st, err := p.FetchStatus(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(st.State, check.Equals, "running")

	p.SetStatus(status{State: "suspended"})
	st, _ = p.FetchStatus(context.Background())
	c.Check(st.State, check.Equals, "suspended")

	p.SetFetchError(errors.New("busy"))
	_, err = p.FetchStatus(context.Background())
	c.Check(err, check.ErrorMatches, "busy")
	p.SetFetchError(nil)

	p.SetRegisterError(errors.New("advise failed"))
	_, err = p.Register(context.Background(), rssubscription.Params{Handle: 1}, handoff.New[int](handoff.Config{}))
	c.Check(err, check.ErrorMatches, "advise failed")
	p.SetRegisterError(nil)

	p.SetConnected(false)
	c.Check(p.Connected(), check.Equals, false)
	_, err = p.Register(context.Background(), rssubscription.Params{Handle: 1}, handoff.New[int](handoff.Config{}))
	c.Check(rsstatus.Is(err, rsstatus.NotConnected), check.Equals, true)
	p.SetConnected(true)

	c.Assert(p.Close(context.Background()), check.IsNil)
	c.Assert(p.Close(context.Background()), check.IsNil)
	_, err = p.FetchStatus(context.Background())
	c.Check(rsstatus.Is(err, rsstatus.NotConnected), check.Equals, true)
	err = p.Publish(context.Background(), 1, 1)
	c.Check(rsstatus.Is(err, rsstatus.NotConnected), check.Equals, true)
}

func (s *ProviderSuite) TestShutdownFromProviderGoroutine(c *check.C) {
	defer leaktest.Check(c)()

	p := newProvider()
	defer p.Close(context.Background())

	reasons := make(chan string, 1)
	p.OnShutdown(func(reason string) { reasons <- reason })
	c.Assert(p.Shutdown(context.Background(), "maintenance"), check.IsNil)

	select {
	case reason := <-reasons:
		c.Check(reason, check.Equals, "maintenance")
	case <-time.After(5 * time.Second):
		c.Fatal("shutdown request not delivered")
	}
}

func (s *ProviderSuite) TestChunks(c *check.C) {
	c.Check(chunks([]int{}, 3, false), check.HasLen, 0)
	got := chunks([]int{1, 2, 3}, 0, false)
	c.Assert(got, check.HasLen, 1)
	c.Check(got[0].items, check.DeepEquals, []int{1, 2, 3})
	c.Check(got[0].last, check.Equals, true)

	got = chunks([]int{1, 2, 3, 4}, 2, false)
	c.Assert(got, check.HasLen, 2)
	c.Check(got[0].last, check.Equals, false)
	c.Check(got[1].items, check.DeepEquals, []int{3, 4})
}
