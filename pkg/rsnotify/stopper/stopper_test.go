package stopper

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"gopkg.in/check.v1"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

type StopperSuite struct{}

var _ = check.Suite(&StopperSuite{})

func TestPackage(t *testing.T) { check.TestingT(t) }

func (s *StopperSuite) TestJoinCooperative(c *check.C) {
	defer leaktest.Check(c)()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
	}()

	lgr := rslog.NewCapturingLogger(rslog.CapturingLoggerOptions{Level: rslog.DebugLevel})
	err := Join("worker", cancel, done, time.Second, lgr)
	c.Assert(err, check.IsNil)
	c.Check(lgr.Messages(), check.HasLen, 0)
}

func (s *StopperSuite) TestJoinTimeout(c *check.C) {
	defer leaktest.Check(c)()

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-release
	}()

	lgr := rslog.NewCapturingLogger(rslog.CapturingLoggerOptions{Level: rslog.DebugLevel})
	start := time.Now()
	err := Join("stuck", func() {}, done, 50*time.Millisecond, lgr)
	c.Check(time.Since(start) < time.Second, check.Equals, true)
	c.Check(rsstatus.Is(err, rsstatus.Timeout), check.Equals, true)

	msgs := lgr.Messages()
	c.Assert(msgs, check.HasLen, 1)
	c.Check(strings.Contains(msgs[0], "abandoning"), check.Equals, true)

	close(release)
	<-done
}

func (s *StopperSuite) TestJoinNilDone(c *check.C) {
	called := false
	err := Join("never-started", func() { called = true }, nil, 0, rslog.NewDiscardingLogger())
	c.Check(err, check.IsNil)
	c.Check(called, check.Equals, true)
}
