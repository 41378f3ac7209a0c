package ovniemu

// SelectorFunc is the closed enum of ways a Mux picks its active input
// (§4.7).
type SelectorFunc int

const (
	// SelectAny picks the one non-null input; null if zero or more than one
	// input is non-null. Self-driven: it ignores the Selector channel and
	// recomputes from the inputs themselves on every input flush.
	SelectAny SelectorFunc = iota
	// SelectRunning picks the input named by the Selector channel, which an
	// external driver (the Abstract Machine) keeps pointed at the CPU's
	// RUNNING thread.
	SelectRunning
	// SelectActive is SelectRunning's counterpart for the CPU's active
	// (RUNNING, COOLING or WARMING) thread.
	SelectActive
)

// Mux selects one of N input channels into a single output channel (§4.7).
// In SelectRunning/SelectActive mode, selection is driven by an external
// Selector channel carrying an input index, null, or the OVERSUBSCRIBED
// "bad" sentinel (§4.4). In SelectAny mode, selection is derived purely
// from which inputs are currently non-null.
type Mux struct {
	Name     string
	Output   *Channel
	Selector *Channel
	Inputs   []*Channel
	Fn       SelectorFunc
}

// NewMux builds a mux over selector and inputs, wiring its listeners so it
// reacts to both. The returned Mux's Output channel must still be
// registered with the Bay by the caller. selector is unused (but must be
// non-nil) when fn is SelectAny.
func NewMux(name string, fn SelectorFunc, selector *Channel, inputs []*Channel) *Mux {
	m := &Mux{
		Name:     name,
		Output:   NewScalarChannel(name),
		Selector: selector,
		Inputs:   inputs,
		Fn:       fn,
	}
	if fn != SelectAny {
		selector.Subscribe(&muxListener{m: m})
	}
	for _, in := range inputs {
		in.Subscribe(&muxListener{m: m})
	}
	m.recompute()
	return m
}

// recompute re-derives the output. A Bad selector (the CPU aggregate's
// OVERSUBSCRIBED sentinel, §4.4) passes straight through without
// consulting any input; a Null or out-of-range selector yields Null;
// otherwise the output mirrors the selected input.
func (m *Mux) recompute() bool {
	if m.Fn == SelectAny {
		return m.recomputeAny()
	}

	sel := m.Selector.Last()
	switch sel.Kind {
	case ValueBad:
		m.Output.Set(Bad())
	case ValueInt:
		idx := int(sel.Int)
		if idx < 0 || idx >= len(m.Inputs) {
			m.Output.Set(Null())
		} else {
			m.Output.Set(m.Inputs[idx].Last())
		}
	default:
		m.Output.Set(Null())
	}
	return m.Output.Dirty()
}

func (m *Mux) recomputeAny() bool {
	var found Value
	count := 0
	for _, in := range m.Inputs {
		if v := in.Last(); v.Kind != ValueNull {
			found = v
			count++
		}
	}
	if count == 1 {
		m.Output.Set(found)
	} else {
		m.Output.Set(Null())
	}
	return m.Output.Dirty()
}

// muxListener forwards any upstream flush (selector or input) to a full
// recompute; SelectAny needs to rescan every input regardless of which one
// changed, so there is no cheaper per-input shortcut worth taking here.
type muxListener struct{ m *Mux }

func (l *muxListener) Notify(Edge) bool {
	return l.m.recompute()
}
