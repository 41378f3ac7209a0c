package ovniemu

import "fmt"

// ValueKind discriminates the tagged union a Channel carries (§3).
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueInt
	ValueBad
)

// Value is a channel's scalar payload: an int64, an explicit null (e.g. an
// empty stack's visible value), or "bad" (an error/undefined marker the
// Output Writer encodes as 0xffffffff).
type Value struct {
	Kind ValueKind
	Int  int64
}

// Null, Int and Bad build the three Value variants.
func Null() Value         { return Value{Kind: ValueNull} }
func Int(v int64) Value   { return Value{Kind: ValueInt, Int: v} }
func Bad() Value          { return Value{Kind: ValueBad} }

// Equal reports whether two values carry the same tag and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	return v.Kind != ValueInt || v.Int == o.Int
}

func (v Value) String() string {
	switch v.Kind {
	case ValueNull:
		return "null"
	case ValueBad:
		return "bad"
	default:
		return fmt.Sprintf("%d", v.Int)
	}
}

// Edge is the (old, new) pair a Channel hands to its subscribers on flush.
type Edge struct {
	Old, New Value
}

// Subscriber is anything that reacts to an upstream channel's flush: a Mux
// re-evaluating its selected input, or the Output Writer emitting a row.
// Notify returns whether the subscriber itself became dirty as a result.
// The Bay does not consult that result: each Propagate pass rescans every
// registered channel, so anything a Notify dirtied is flushed later in the
// same pass or in the next one (§4.6).
type Subscriber interface {
	Notify(edge Edge) (becameDirty bool)
}

// ChannelKind selects scalar or stack semantics (§4.5).
type ChannelKind int

const (
	ScalarChannel ChannelKind = iota
	StackChannel
)

// defaultStackDepth is the configurable overflow bound for stack channels
// (§4.5), defaulted per spec.
const defaultStackDepth = 32

// Channel is a per-entity typed signal with "dirty" edge semantics (§4.5).
// A Channel guarantees at most one emission per global event step: every
// mutation within a step only updates `pending`, and `Flush` — called once
// per step by the Bay — is what turns a net change into a single Edge.
type Channel struct {
	Name string

	kind     ChannelKind
	maxDepth int

	last    Value
	pending Value
	dirty   bool

	stack []Value

	subscribers []Subscriber

	// PRVType is the output trace type constant this channel is declared
	// under, 0 if the channel is not itself subscribed by an Output Writer.
	PRVType int
}

// NewScalarChannel creates a scalar channel, initially null.
func NewScalarChannel(name string) *Channel {
	return &Channel{Name: name, kind: ScalarChannel, last: Null(), pending: Null()}
}

// NewStackChannel creates a stack channel with the given overflow bound
// (0 means use the default of 32).
func NewStackChannel(name string, maxDepth int) *Channel {
	if maxDepth <= 0 {
		maxDepth = defaultStackDepth
	}
	return &Channel{Name: name, kind: StackChannel, maxDepth: maxDepth, last: Null(), pending: Null()}
}

// Kind reports whether this is a scalar or stack channel.
func (c *Channel) Kind() ChannelKind { return c.kind }

// Last returns the last-flushed (visible) value.
func (c *Channel) Last() Value { return c.last }

// Dirty reports whether this channel has a pending value distinct from
// its last-flushed value.
func (c *Channel) Dirty() bool { return c.dirty }

// Subscribe registers s to be notified whenever this channel flushes.
// Subscribing a channel to itself is a wiring-time programming error.
func (c *Channel) Subscribe(s Subscriber) {
	if other, ok := s.(*Channel); ok && other == c {
		panic(fmt.Sprintf("ovniemu: channel %q: self-subscription forbidden", c.Name))
	}
	c.subscribers = append(c.subscribers, s)
}

// Set assigns a new pending value to a scalar channel.
func (c *Channel) Set(v Value) error {
	if c.kind != ScalarChannel {
		return fmt.Errorf("ovniemu: channel %q: Set on a non-scalar channel", c.Name)
	}
	c.pending = v
	c.dirty = !v.Equal(c.last)
	return nil
}

// Push appends a value to a stack channel; the visible value becomes v.
func (c *Channel) Push(v Value) error {
	if c.kind != StackChannel {
		return fmt.Errorf("ovniemu: channel %q: Push on a non-stack channel", c.Name)
	}
	if len(c.stack) >= c.maxDepth {
		return wrapKind(KindStackOverflow, "channel %q: push beyond depth %d", c.Name, c.maxDepth)
	}
	c.stack = append(c.stack, v)
	c.refreshTop()
	return nil
}

// Pop removes the top of a stack channel. If expect is non-nil, the
// popped value must equal it or KindStackMismatch is returned.
func (c *Channel) Pop(expect *Value) error {
	if c.kind != StackChannel {
		return fmt.Errorf("ovniemu: channel %q: Pop on a non-stack channel", c.Name)
	}
	if len(c.stack) == 0 {
		return wrapKind(KindStackMismatch, "channel %q: pop on empty stack", c.Name)
	}
	top := c.stack[len(c.stack)-1]
	if expect != nil && !top.Equal(*expect) {
		return wrapKind(KindStackMismatch, "channel %q: pop expected %s, top is %s", c.Name, expect, top)
	}
	c.stack = c.stack[:len(c.stack)-1]
	c.refreshTop()
	return nil
}

// Depth reports the current stack depth (0 for scalar channels).
func (c *Channel) Depth() int { return len(c.stack) }

func (c *Channel) refreshTop() {
	top := Null()
	if len(c.stack) > 0 {
		top = c.stack[len(c.stack)-1]
	}
	c.pending = top
	c.dirty = !top.Equal(c.last)
}

// Flush commits the pending value as the new last value if dirty, and
// notifies subscribers, returning the edge and whether anything flushed.
func (c *Channel) Flush() (Edge, bool) {
	if !c.dirty {
		return Edge{}, false
	}
	edge := Edge{Old: c.last, New: c.pending}
	c.last = c.pending
	c.dirty = false
	return edge, true
}
