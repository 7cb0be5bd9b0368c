package notifier

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"gopkg.in/check.v1"

	"github.com/rstudio/opcclassic/pkg/rslog"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/handoff"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

type NotifierSuite struct{}

func TestPackage(t *testing.T) { check.TestingT(t) }

var _ = check.Suite(&NotifierSuite{})

// recordingSink remembers the first item of every batch it receives.
type recordingSink struct {
	mutex    sync.Mutex
	received []int
	fail     map[int]error
	panics   map[int]bool
	notify   chan int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		fail:   make(map[int]error),
		panics: make(map[int]bool),
		notify: make(chan int, 1000),
	}
}

func (r *recordingSink) Deliver(b *batch.Batch[int]) error {
	v, _ := b.Detach()
	r.mutex.Lock()
	r.received = append(r.received, v)
	failure := r.fail[v]
	panics := r.panics[v]
	r.mutex.Unlock()
	r.notify <- v

	if panics {
		panic("sink exploded")
	}
	return failure
}

func (r *recordingSink) Received() []int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	result := make([]int, len(r.received))
	copy(result, r.received)
	return result
}

func (r *recordingSink) waitFor(c *check.C, v int) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-r.notify:
			if got == v {
				return
			}
		case <-timeout:
			c.Fatalf("timeout waiting for delivery of %d", v)
		}
	}
}

func push(c *check.C, q *handoff.Queue[int], values ...int) {
	for _, v := range values {
		c.Assert(q.Push(batch.New(batch.Handle(1), false, false, []int{v})), check.IsNil)
	}
}

func (s *NotifierSuite) TestNewWorkerValidation(c *check.C) {
	_, err := NewWorker(Config[int]{Sink: newRecordingSink()})
	c.Check(rsstatus.Is(err, rsstatus.InvalidArgument), check.Equals, true)

	_, err = NewWorker(Config[int]{Queue: handoff.New[int](handoff.Config{})})
	c.Check(rsstatus.Is(err, rsstatus.InvalidArgument), check.Equals, true)
}

func (s *NotifierSuite) TestDeliversInOrder(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newRecordingSink()
	w, err := NewWorker(Config[int]{Queue: q, Sink: sink, Logger: rslog.NewDiscardingLogger()})
	c.Assert(err, check.IsNil)
	c.Check(w.State(), check.Equals, Idle)

	// Batches pushed before Start are delivered once the worker runs.
	push(c, q, 1, 2)
	w.Start()
	w.Start()
	c.Check(w.State(), check.Equals, Running)

	for i := 3; i <= 100; i++ {
		push(c, q, i)
	}
	sink.waitFor(c, 100)

	expected := make([]int, 100)
	for i := range expected {
		expected[i] = i + 1
	}
	c.Check(sink.Received(), check.DeepEquals, expected)
	c.Check(w.Delivered(), check.Equals, int64(100))

	c.Assert(w.Stop(time.Second), check.IsNil)
	c.Check(w.State(), check.Equals, Terminated)
	c.Check(w.Stop(time.Second), check.IsNil)
}

func (s *NotifierSuite) TestConcurrentProducersNoDuplicates(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newRecordingSink()
	w, err := NewWorker(Config[int]{Queue: q, Sink: sink, Logger: rslog.NewDiscardingLogger()})
	c.Assert(err, check.IsNil)
	w.Start()

	wg := &sync.WaitGroup{}
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c.Check(q.Push(batch.New(batch.Handle(p), false, false, []int{p*1000 + i})), check.IsNil)
			}
		}(p)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for w.Delivered() < 200 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Assert(w.Stop(time.Second), check.IsNil)

	received := sink.Received()
	c.Assert(received, check.HasLen, 200)
	seen := make(map[int]bool)
	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for _, v := range received {
		c.Check(seen[v], check.Equals, false)
		seen[v] = true
		p, i := v/1000, v%1000
		c.Check(i > last[p], check.Equals, true)
		last[p] = i
	}
}

func (s *NotifierSuite) TestSinkErrorsAndPanicsAreContained(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newRecordingSink()
	sink.fail[2] = errors.New("consumer rejected batch")
	sink.panics[3] = true

	lgr := rslog.NewCapturingLogger(rslog.CapturingLoggerOptions{Level: rslog.WarningLevel})
	w, err := NewWorker(Config[int]{Name: "ae-1", Queue: q, Sink: sink, Logger: lgr})
	c.Assert(err, check.IsNil)
	w.Start()

	push(c, q, 1, 2, 3, 4)
	sink.waitFor(c, 4)
	c.Assert(w.Stop(time.Second), check.IsNil)

	c.Check(sink.Received(), check.DeepEquals, []int{1, 2, 3, 4})
	c.Check(w.Delivered(), check.Equals, int64(2))
	c.Check(w.Failed(), check.Equals, int64(2))

	msgs := lgr.Messages()
	c.Assert(msgs, check.HasLen, 2)
	c.Check(strings.Contains(msgs[0], "consumer rejected batch"), check.Equals, true)
	c.Check(strings.Contains(msgs[1], "sink exploded"), check.Equals, true)
}

// blockingSink blocks on the first batch until released.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	mutex   sync.Mutex
	calls   []int
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingSink) Deliver(bt *batch.Batch[int]) error {
	v, _ := bt.Detach()
	b.mutex.Lock()
	b.calls = append(b.calls, v)
	b.mutex.Unlock()

	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return nil
}

func (b *blockingSink) Calls() []int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	result := make([]int, len(b.calls))
	copy(result, b.calls)
	return result
}

func (s *NotifierSuite) TestDiscardOnStop(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newBlockingSink()
	w, err := NewWorker(Config[int]{Queue: q, Sink: sink, Logger: rslog.NewDiscardingLogger()})
	c.Assert(err, check.IsNil)
	w.Start()

	push(c, q, 1)
	<-sink.entered
	push(c, q, 2, 3)

	stopped := make(chan error)
	go func() { stopped <- w.Stop(5 * time.Second) }()

	// Let the stop signal land before the sink returns.
	time.Sleep(50 * time.Millisecond)
	close(sink.release)
	c.Assert(<-stopped, check.IsNil)

	c.Check(sink.Calls(), check.DeepEquals, []int{1})
	c.Check(w.Discarded(), check.Equals, int64(2))
	c.Check(q.Len(), check.Equals, 0)
}

func (s *NotifierSuite) TestDrainOnStop(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newBlockingSink()
	w, err := NewWorker(Config[int]{Queue: q, Sink: sink, Mode: DrainOnStop, Logger: rslog.NewDiscardingLogger()})
	c.Assert(err, check.IsNil)
	w.Start()

	push(c, q, 1)
	<-sink.entered
	push(c, q, 2, 3)

	stopped := make(chan error)
	go func() { stopped <- w.Stop(5 * time.Second) }()

	time.Sleep(50 * time.Millisecond)
	close(sink.release)
	c.Assert(<-stopped, check.IsNil)

	c.Check(sink.Calls(), check.DeepEquals, []int{1, 2, 3})
	c.Check(w.Discarded(), check.Equals, int64(0))
	c.Check(w.Delivered(), check.Equals, int64(3))
}

func (s *NotifierSuite) TestBoundedStopAbandonsBlockedSink(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newBlockingSink()
	lgr := rslog.NewCapturingLogger(rslog.CapturingLoggerOptions{Level: rslog.ErrorLevel})
	w, err := NewWorker(Config[int]{Name: "da-group", Queue: q, Sink: sink, Mode: DrainOnStop, Logger: lgr})
	c.Assert(err, check.IsNil)
	w.Start()

	push(c, q, 1)
	<-sink.entered
	push(c, q, 2)

	start := time.Now()
	err = w.Stop(100 * time.Millisecond)
	c.Check(time.Since(start) < 2*time.Second, check.Equals, true)
	c.Check(rsstatus.Is(err, rsstatus.Timeout), check.Equals, true)
	c.Check(w.Abandoned(), check.Equals, true)
	c.Check(lgr.Messages(), check.HasLen, 1)

	// A second stop reports the same outcome without waiting again.
	c.Check(w.Stop(100*time.Millisecond), check.Equals, err)

	// Once released, the abandoned goroutine exits without further
	// deliveries, even in drain mode.
	close(sink.release)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		c.Fatal("abandoned worker never exited")
	}
	c.Check(sink.Calls(), check.DeepEquals, []int{1})
	c.Check(w.Discarded(), check.Equals, int64(1))
	c.Check(w.State(), check.Equals, Terminated)
}

func (s *NotifierSuite) TestDrainStopsAtDeadline(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newBlockingSink()
	w, err := NewWorker(Config[int]{Queue: q, Sink: sink, Mode: DrainOnStop, Logger: rslog.NewDiscardingLogger()})
	c.Assert(err, check.IsNil)
	w.Start()

	push(c, q, 1)
	<-sink.entered
	push(c, q, 2, 3)

	// The sink comes back just after Stop's deadline, racing Stop's own
	// return. Nothing queued is delivered once the deadline has passed.
	timeout := 100 * time.Millisecond
	releaser := time.AfterFunc(timeout+10*time.Millisecond, func() { close(sink.release) })
	defer releaser.Stop()

	err = w.Stop(timeout)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		c.Fatal("worker never exited")
	}
	c.Check(sink.Calls(), check.DeepEquals, []int{1})
	c.Check(w.Discarded(), check.Equals, int64(2))
	if err != nil {
		c.Check(w.Abandoned(), check.Equals, true)
	}
}

func (s *NotifierSuite) TestNoDeliveryAfterStop(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	sink := newRecordingSink()
	w, err := NewWorker(Config[int]{Queue: q, Sink: sink, Logger: rslog.NewDiscardingLogger()})
	c.Assert(err, check.IsNil)
	w.Start()

	push(c, q, 1)
	sink.waitFor(c, 1)
	c.Assert(w.Stop(time.Second), check.IsNil)

	push(c, q, 2)
	time.Sleep(50 * time.Millisecond)
	c.Check(sink.Received(), check.DeepEquals, []int{1})
	c.Check(q.Len(), check.Equals, 1)
}

func (s *NotifierSuite) TestStopBeforeStart(c *check.C) {
	defer leaktest.Check(c)()

	q := handoff.New[int](handoff.Config{})
	w, err := NewWorker(Config[int]{Queue: q, Sink: SinkFunc[int](func(*batch.Batch[int]) error { return nil })})
	c.Assert(err, check.IsNil)

	c.Check(w.Stop(time.Second), check.IsNil)
	c.Check(w.State(), check.Equals, Terminated)

	w.Start()
	c.Check(w.State(), check.Equals, Terminated)
}
