package hda

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"testing"
	"time"

	"gopkg.in/check.v1"

	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
)

type HdaSuite struct{}

var _ = check.Suite(&HdaSuite{})

func TestPackage(t *testing.T) { check.TestingT(t) }

func (s *HdaSuite) TestSinkAndGrouping(c *check.C) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Item: 1, Timestamp: t0, Value: 10.0, Quality: QualityRaw},
		{Item: 2, Timestamp: t0, Quality: QualityNoData},
		{Item: 1, Timestamp: t0.Add(time.Minute), Value: 11.0, Quality: QualityRaw},
	}

	var got []Sample
	var gotTx uint32
	sink := NewSink(func(tx uint32, origin batch.Handle, s []Sample) error {
		gotTx = tx
		got = s
		return nil
	})
	b := batch.New(batch.Handle(4), false, false, samples)
	b.Transaction = 21
	c.Assert(sink.Deliver(b), check.IsNil)
	c.Check(gotTx, check.Equals, uint32(21))
	c.Check(got, check.DeepEquals, samples)
	c.Check(b.Len(), check.Equals, 0)

	grouped := ByItem(got)
	c.Check(grouped[1], check.HasLen, 2)
	c.Check(grouped[1][1].Value, check.Equals, 11.0)
	c.Check(grouped[2][0].HasData(), check.Equals, false)
	c.Check(grouped[1][0].HasData(), check.Equals, true)
}
