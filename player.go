package ovniemu

import "container/heap"

// Player merges every thread's stream into one globally time-ordered event
// sequence (§4.3): a min-heap keyed by synchronized clock, tie-broken by
// the owning thread's global index for determinism across runs.
type Player struct {
	heap   streamHeap
	strict bool

	lastClock    int64
	haveLast     bool
	regressions  int
}

// NewPlayer builds a player over the given streams. Every stream must
// already have its Offset set and its first event decoded (OpenStream does
// this); inactive (empty) streams are simply excluded. strict controls
// whether a clock regression across steps is fatal (linter mode, §7) or
// merely counted.
func NewPlayer(streams []*Stream, strict bool) *Player {
	p := &Player{strict: strict}
	for _, s := range streams {
		if s.Active() {
			p.heap = append(p.heap, s)
		}
	}
	heap.Init(&p.heap)
	return p
}

// Len reports how many streams still have events pending.
func (p *Player) Len() int { return len(p.heap) }

// Step pops the single next event in global order, advances its stream,
// and re-heapifies. It returns (ev, stream, clock, false, nil) normally, or
// (_, _, _, true, nil) once every stream is exhausted. A synchronized clock
// that goes backwards relative to the previous step is a KindClockRegression:
// fatal in strict mode, otherwise counted and tolerated.
func (p *Player) Step() (Event, *Stream, int64, bool, error) {
	if len(p.heap) == 0 {
		return Event{}, nil, 0, true, nil
	}

	s := p.heap[0]
	ev := s.Current()
	clock := s.SyncedClock()

	if p.haveLast && clock < p.lastClock {
		if p.strict {
			return Event{}, nil, 0, false, wrapKind(KindClockRegression,
				"synchronized clock went from %d to %d at stream %s", p.lastClock, clock, s.RelPath)
		}
		p.regressions++
	}
	p.lastClock = clock
	p.haveLast = true

	if err := s.Advance(); err != nil {
		return Event{}, nil, 0, false, err
	}
	if s.Active() {
		heap.Fix(&p.heap, 0)
	} else {
		heap.Pop(&p.heap)
	}

	return ev, s, clock, false, nil
}

// Regressions reports how many clock regressions were tolerated so far
// (always 0 in strict mode, since the first one is fatal).
func (p *Player) Regressions() int { return p.regressions }

// streamHeap is a container/heap.Interface over active streams, ordered by
// synchronized clock and tie-broken by owning thread gindex.
type streamHeap []*Stream

func (h streamHeap) Len() int { return len(h) }

func (h streamHeap) Less(i, j int) bool {
	ci, cj := h[i].SyncedClock(), h[j].SyncedClock()
	if ci != cj {
		return ci < cj
	}
	return h[i].OwnerGIndex < h[j].OwnerGIndex
}

func (h streamHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *streamHeap) Push(x any) {
	*h = append(*h, x.(*Stream))
}

func (h *streamHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
