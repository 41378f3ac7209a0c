package ovniemu

import "fmt"

// Track is one per (entity, logical channel name): it combines one input
// channel per source thread with a CPU-level selector channel via a Mux,
// producing a per-CPU aggregate channel (§4.7, §4.9). Inputs is indexed by
// thread.GIndex so the selector's value (a thread gindex, or the
// OVERSUBSCRIBED "bad" sentinel, or null) can be used directly.
type Track struct {
	Name     string
	CPU      *CPU
	Inputs   []*Channel // indexed by thread.GIndex, nil where no source exists
	Selector *Channel
	Mux      *Mux
}

// NewTrack builds a track over cpu for the given logical channel name.
// inputs must be indexed by thread.GIndex (system.Threads order); entries
// may be nil for threads this track does not source from. fn documents how
// the caller intends to drive Selector (ANY/RUNNING/ACTIVE); Track itself
// only wires the Mux, the Abstract Machine is responsible for keeping
// Selector's value in sync with CPU occupancy.
func NewTrack(name string, cpu *CPU, inputs []*Channel, fn SelectorFunc) *Track {
	nonNil := make([]*Channel, len(inputs))
	placeholders := make([]*Channel, 0)
	for i, in := range inputs {
		if in != nil {
			nonNil[i] = in
			continue
		}
		// Mux requires every input slot to be a real channel; stand in
		// with a permanently-null placeholder for threads this track
		// doesn't source from, so gindex-as-index still works.
		ph := NewScalarChannel(fmt.Sprintf("%s@unused#%d", name, i))
		nonNil[i] = ph
		placeholders = append(placeholders, ph)
	}

	selector := NewScalarChannel(fmt.Sprintf("%s@selector#cpu%d", name, cpu.GIndex))
	mux := NewMux(name, fn, selector, nonNil)

	return &Track{
		Name:     name,
		CPU:      cpu,
		Inputs:   nonNil,
		Selector: selector,
		Mux:      mux,
	}
}

// Output is the per-CPU aggregate channel produced by this track.
func (t *Track) Output() *Channel { return t.Mux.Output }

// SetSelected points the track at threadGIndex as the currently selected
// source (Clear removes the selection). Called by the Abstract Machine whenever CPU
// occupancy changes (§4.4).
func (t *Track) SetSelected(threadGIndex int) {
	t.Selector.Set(Int(int64(threadGIndex)))
}

// SetOversubscribed marks the track's output as OVERSUBSCRIBED (§4.4),
// bypassing input selection entirely.
func (t *Track) SetOversubscribed() {
	t.Selector.Set(Bad())
}

// Clear marks the track as having no selected source (CPU idle).
func (t *Track) Clear() {
	t.Selector.Set(Null())
}
