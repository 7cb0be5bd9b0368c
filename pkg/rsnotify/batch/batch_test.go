package batch

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"testing"

	"gopkg.in/check.v1"
)

type BatchSuite struct{}

var _ = check.Suite(&BatchSuite{})

func TestPackage(t *testing.T) { check.TestingT(t) }

func (s *BatchSuite) TestNew(c *check.C) {
	items := []string{"a", "b", "c"}
	b := New(Handle(7), true, false, items)
	c.Check(b.Origin, check.Equals, Handle(7))
	c.Check(b.Refresh, check.Equals, true)
	c.Check(b.LastRefresh, check.Equals, false)
	c.Check(b.Transaction, check.Equals, uint32(0))
	c.Check(b.DeclaredCount(), check.Equals, 3)
	c.Check(b.Len(), check.Equals, 3)
	c.Check(b.Guid(), check.HasLen, 36)

	// The batch keeps its own copy of the items.
	items[0] = "changed"
	c.Check(b.Items(), check.DeepEquals, []string{"a", "b", "c"})

	other := New(Handle(7), true, false, []string{"a"})
	c.Check(other.Guid(), check.Not(check.Equals), b.Guid())
}

func (s *BatchSuite) TestDetachKeepsDeclaredCount(c *check.C) {
	b := New(Handle(1), false, false, []int{10, 20, 30})

	v, ok := b.Detach()
	c.Assert(ok, check.Equals, true)
	c.Check(v, check.Equals, 10)
	c.Check(b.Len(), check.Equals, 2)
	c.Check(b.DeclaredCount(), check.Equals, 3)
	c.Check(b.Items(), check.DeepEquals, []int{20, 30})

	v, _ = b.Detach()
	c.Check(v, check.Equals, 20)
	v, _ = b.Detach()
	c.Check(v, check.Equals, 30)

	v, ok = b.Detach()
	c.Check(ok, check.Equals, false)
	c.Check(v, check.Equals, 0)
	c.Check(b.Len(), check.Equals, 0)
	c.Check(b.DeclaredCount(), check.Equals, 3)
}

func (s *BatchSuite) TestNewDeclared(c *check.C) {
	b := NewDeclared(Handle(2), false, false, 5, []int{1, 2})
	c.Check(b.DeclaredCount(), check.Equals, 5)
	c.Check(b.Len(), check.Equals, 2)
}

func (s *BatchSuite) TestRelease(c *check.C) {
	b := New(Handle(3), true, true, []int{1, 2, 3, 4})
	b.Detach()
	c.Check(b.Release(), check.Equals, 3)
	c.Check(b.Len(), check.Equals, 0)
	c.Check(b.Release(), check.Equals, 0)
	c.Check(b.DeclaredCount(), check.Equals, 4)
	_, ok := b.Detach()
	c.Check(ok, check.Equals, false)
}
