package ovniemu

import "testing"

func TestScalarChannelSetDirty(t *testing.T) {
	c := NewScalarChannel("x")
	if c.Dirty() {
		t.Fatal("new channel should not be dirty")
	}
	if err := c.Set(Int(5)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !c.Dirty() {
		t.Fatal("expected dirty after Set changes value")
	}
	edge, flushed := c.Flush()
	if !flushed {
		t.Fatal("expected flush")
	}
	if edge.Old.Kind != ValueNull || !edge.New.Equal(Int(5)) {
		t.Fatalf("unexpected edge: %+v", edge)
	}
	if c.Dirty() {
		t.Fatal("expected clean after flush")
	}
	if !c.Last().Equal(Int(5)) {
		t.Fatalf("last: got %v", c.Last())
	}

	// Setting the same value again should not re-dirty the channel.
	if err := c.Set(Int(5)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c.Dirty() {
		t.Fatal("expected no dirty on unchanged value")
	}
}

func TestScalarChannelPushRejected(t *testing.T) {
	c := NewScalarChannel("x")
	if err := c.Push(Int(1)); err == nil {
		t.Fatal("expected error pushing onto a scalar channel")
	}
}

func TestStackChannelPushPop(t *testing.T) {
	c := NewStackChannel("s", 2)
	if err := c.Push(Int(1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if c.Depth() != 1 {
		t.Fatalf("depth: got %d, want 1", c.Depth())
	}
	if !c.Last().Equal(Null()) {
		t.Fatalf("last before flush should still be null, got %v", c.Last())
	}
	edge, flushed := c.Flush()
	if !flushed || !edge.New.Equal(Int(1)) {
		t.Fatalf("unexpected flush: flushed=%v edge=%+v", flushed, edge)
	}

	if err := c.Push(Int(2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	c.Flush()
	if c.Depth() != 2 {
		t.Fatalf("depth: got %d, want 2", c.Depth())
	}

	// overflow: maxDepth is 2
	if err := c.Push(Int(3)); !isKind(err, KindStackOverflow) {
		t.Fatalf("expected KindStackOverflow, got %v", err)
	}

	want := Int(2)
	if err := c.Pop(&want); err != nil {
		t.Fatalf("pop: %v", err)
	}
	c.Flush()
	if c.Depth() != 1 || !c.Last().Equal(Int(1)) {
		t.Fatalf("after pop: depth=%d last=%v", c.Depth(), c.Last())
	}
}

func TestStackChannelPopMismatch(t *testing.T) {
	c := NewStackChannel("s", 0)
	if err := c.Push(Int(1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	wrong := Int(99)
	if err := c.Pop(&wrong); !isKind(err, KindStackMismatch) {
		t.Fatalf("expected KindStackMismatch, got %v", err)
	}
}

func TestStackChannelPopEmpty(t *testing.T) {
	c := NewStackChannel("s", 0)
	if err := c.Pop(nil); !isKind(err, KindStackMismatch) {
		t.Fatalf("expected KindStackMismatch, got %v", err)
	}
}

func TestChannelSubscribeSelfPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on self-subscription")
		}
	}()
	c := NewScalarChannel("x")
	c.Subscribe(c)
}

type recordingSubscriber struct {
	edges []Edge
}

func (r *recordingSubscriber) Notify(e Edge) bool {
	r.edges = append(r.edges, e)
	return false
}

func TestBayPropagateFlushesAndNotifies(t *testing.T) {
	bay := NewBay()
	c := NewScalarChannel("x")
	bay.Register(c)
	sub := &recordingSubscriber{}
	c.Subscribe(sub)

	c.Set(Int(1))
	if err := bay.Propagate(); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if len(sub.edges) != 1 || !sub.edges[0].New.Equal(Int(1)) {
		t.Fatalf("unexpected notifications: %+v", sub.edges)
	}

	// A second propagate with nothing dirty should not notify again.
	if err := bay.Propagate(); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if len(sub.edges) != 1 {
		t.Fatalf("expected no further notification, got %+v", sub.edges)
	}
}

// loopSubscriber mirrors the same edge straight back onto its own
// channel's pending value, so Propagate never reaches a fixpoint.
type loopSubscriber struct{ target *Channel }

func (l *loopSubscriber) Notify(e Edge) bool {
	l.target.Set(Int(e.New.Int + 1))
	return true
}

func TestBayPropagateCycleDetection(t *testing.T) {
	bay := NewBay()
	a := NewScalarChannel("a")
	b := NewScalarChannel("b")
	bay.Register(a)
	bay.Register(b)
	a.Subscribe(&loopSubscriber{target: b})
	b.Subscribe(&loopSubscriber{target: a})

	a.Set(Int(0))
	if err := bay.Propagate(); !isKind(err, KindPropagationCycle) {
		t.Fatalf("expected KindPropagationCycle, got %v", err)
	}
}
