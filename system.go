package ovniemu

import "sort"

// ThreadState is a node in the Abstract Machine's thread state machine (§4.4).
type ThreadState int

const (
	StateUnknown ThreadState = iota
	StateRunning
	StatePaused
	StateCooling
	StateWarming
	StateDead
)

func (s ThreadState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateCooling:
		return "COOLING"
	case StateWarming:
		return "WARMING"
	case StateDead:
		return "DEAD"
	default:
		return "INVALID"
	}
}

// CPU is either physical (belongs to one loom, has a phyid) or the single
// synthetic virtual CPU of a loom, representing "some CPU of this loom,
// unspecified" (§3).
type CPU struct {
	GIndex  int
	Virtual bool
	PhyID   int // meaningful only when !Virtual
	Loom    *Loom

	occupants    map[*Thread]bool
	runningCount int
	tracks       []*Track

	// extSlots holds per-model channel/track extensions, indexed by each
	// model's dense registration id (§4.8, Design Notes "per-entity
	// fixed array of slots").
	extSlots []any
}

// RegisterTrack attaches t as one of this CPU's aggregate views, so
// refreshAggregate keeps t's selector in sync with occupancy changes.
func (c *CPU) RegisterTrack(t *Track) {
	c.tracks = append(c.tracks, t)
}

func newCPU(loom *Loom, gindex int, virtual bool, phyID int) *CPU {
	return &CPU{
		GIndex:    gindex,
		Virtual:   virtual,
		PhyID:     phyID,
		Loom:      loom,
		occupants: make(map[*Thread]bool),
	}
}

// RunningCount is the number of occupant threads currently RUNNING. When it
// exceeds 1 the CPU is OVERSUBSCRIBED (§4.4).
func (c *CPU) RunningCount() int { return c.runningCount }

// Occupants returns the threads currently mapped onto this CPU, in no
// particular order.
func (c *CPU) Occupants() []*Thread {
	out := make([]*Thread, 0, len(c.occupants))
	for t := range c.occupants {
		out = append(out, t)
	}
	return out
}

func (c *CPU) addOccupant(t *Thread) {
	if c.occupants[t] {
		return
	}
	c.occupants[t] = true
	if t.State == StateRunning {
		c.runningCount++
	}
}

func (c *CPU) removeOccupant(t *Thread) {
	if _, ok := c.occupants[t]; !ok {
		return
	}
	delete(c.occupants, t)
	if t.State == StateRunning {
		c.runningCount--
	}
}

func extSlot(slots []any, id int) any {
	if id < 0 || id >= len(slots) {
		return nil
	}
	return slots[id]
}

func setExtSlot(slots *[]any, id int, v any) {
	for len(*slots) <= id {
		*slots = append(*slots, nil)
	}
	(*slots)[id] = v
}

// Thread owns its stream and its evolving Abstract Machine state (§3).
type Thread struct {
	TID     int
	GIndex  int
	Stream  *Stream
	Process *Process
	State   ThreadState
	CPU     *CPU // set by Execute or an affinity set, kept across pause/cool/warm, cleared by End

	Meta ThreadMetadata

	// RelPath/ObsPath locate this thread's .obs file; BuildSystem fills
	// them in from the source StreamMeta but does not open the stream
	// itself, so callers can decide when/whether to mmap it.
	RelPath string
	ObsPath string

	extSlots []any
}

// IsActive reports whether the thread is RUNNING, COOLING or WARMING. It
// looks at the state only, not at the CPU binding.
func (t *Thread) IsActive() bool {
	switch t.State {
	case StateRunning, StateCooling, StateWarming:
		return true
	default:
		return false
	}
}

func (t *Thread) extSlot(id int) any        { return extSlot(t.extSlots, id) }
func (t *Thread) setExtSlot(id int, v any)  { setExtSlot(&t.extSlots, id, v) }

// Process is one OS process inside one loom (§3).
type Process struct {
	PID     int
	AppID   int
	Loom    *Loom
	Threads []*Thread
	Meta    ProcessMetadata

	extSlots []any
}

func (p *Process) extSlot(id int) any       { return extSlot(p.extSlots, id) }
func (p *Process) setExtSlot(id int, v any) { setExtSlot(&p.extSlots, id, v) }

// ThreadByTID finds a thread of this process by tid.
func (p *Process) ThreadByTID(tid int) (*Thread, bool) {
	for _, t := range p.Threads {
		if t.TID == tid {
			return t, true
		}
	}
	return nil, false
}

// Loom is one host machine contributing a clock domain (§3).
type Loom struct {
	GIndex   int
	Hostname string
	LoomID   string
	Rank     *int
	Offset   int64

	PhysicalCPUs []*CPU // sorted ascending by PhyID
	VirtualCPU   *CPU
	Processes    []*Process

	extSlots []any
}

func (l *Loom) extSlot(id int) any       { return extSlot(l.extSlots, id) }
func (l *Loom) setExtSlot(id int, v any) { setExtSlot(&l.extSlots, id, v) }

// CPUByPhyID finds a physical CPU of this loom by phyid.
func (l *Loom) CPUByPhyID(phyID int) (*CPU, bool) {
	for _, c := range l.PhysicalCPUs {
		if c.PhyID == phyID {
			return c, true
		}
	}
	return nil, false
}

// System is the whole reconstructed machine graph: every loom, in dense
// gindex order, and flattened views over threads and CPUs for the Player
// and Output Writer.
type System struct {
	Looms   []*Loom
	Threads []*Thread // dense gindex order
	CPUs    []*CPU    // dense gindex order
}

// ThreadByGIndex, CPUByGIndex: O(1) lookup by the dense index assigned at
// build time. Both slices are indexed exactly by GIndex by construction.
func (s *System) ThreadByGIndex(g int) *Thread { return s.Threads[g] }
func (s *System) CPUByGIndex(g int) *CPU       { return s.CPUs[g] }

// BuildSystem reconstructs the loom/process/thread/CPU graph from the
// discovered streams (§4.2). It does not open any stream; callers open
// each StreamMeta's .obs file themselves and assign it to the returned
// Thread via Thread.Stream.
func BuildSystem(metas []StreamMeta, offsets *ClockOffsetTable) (*System, error) {
	if len(metas) == 0 {
		return nil, wrapKind(KindInvalidSystem, "no streams found")
	}

	type loomKey struct{ hostname, loomID string }
	looms := make(map[loomKey]*Loom)
	var loomOrder []loomKey

	type procKey struct {
		loomKey
		pid int
	}
	procs := make(map[procKey]*Process)

	for _, m := range metas {
		lk := loomKey{m.Hostname, m.LoomID}
		loom, ok := looms[lk]
		if !ok {
			loom = &Loom{Hostname: m.Hostname, LoomID: m.LoomID}
			looms[lk] = loom
			loomOrder = append(loomOrder, lk)
		}

		pk := procKey{lk, m.PID}
		proc, ok := procs[pk]
		if !ok {
			proc = &Process{PID: m.PID, AppID: m.Process.AppID, Loom: loom, Meta: m.Process}
			procs[pk] = proc
			loom.Processes = append(loom.Processes, proc)
		}

		if m.Process.Rank != nil {
			if loom.Rank == nil {
				loom.Rank = m.Process.Rank
			} else if *loom.Rank != *m.Process.Rank {
				return nil, wrapKind(KindInvalidSystem,
					"loom %s.%s: conflicting ranks %d and %d across processes", m.Hostname, m.LoomID, *loom.Rank, *m.Process.Rank)
			}
		}

		if _, exists := proc.ThreadByTID(m.TID); exists {
			return nil, wrapKind(KindInvalidSystem,
				"duplicate thread tid %d in proc %d of loom %s.%s", m.TID, m.PID, m.Hostname, m.LoomID)
		}
		thread := &Thread{
			TID:     m.TID,
			Process: proc,
			State:   StateUnknown,
			Meta:    m.Thread,
			RelPath: m.RelPath,
			ObsPath: m.ObsPath,
		}
		proc.Threads = append(proc.Threads, thread)
	}

	// Step 3: per-loom physical CPU set, deduplicated by phyid, sorted
	// ascending, plus one virtual CPU.
	for _, lk := range loomOrder {
		loom := looms[lk]
		seen := make(map[int]int) // phyid -> declared index, for consistency checking
		var phyids []int
		for _, proc := range loom.Processes {
			for _, c := range proc.Meta.CPUs {
				if prevIdx, ok := seen[c.PhyID]; ok {
					if prevIdx != c.Index {
						return nil, wrapKind(KindInvalidSystem,
							"loom %s.%s: phyid %d declared with inconsistent index (%d vs %d)",
							loom.Hostname, loom.LoomID, c.PhyID, prevIdx, c.Index)
					}
					continue
				}
				seen[c.PhyID] = c.Index
				phyids = append(phyids, c.PhyID)
			}
		}
		sort.Ints(phyids)
		for _, phyid := range phyids {
			loom.PhysicalCPUs = append(loom.PhysicalCPUs, newCPU(loom, 0, false, phyid))
		}
		loom.VirtualCPU = newCPU(loom, 0, true, 0)
	}

	// Step 4: order looms (rank order if every loom declares one, else
	// hostname then id), assign loom.GIndex, then dense CPU gindex in
	// loom-order/phyid-order (virtual CPU last within its loom), then
	// dense thread.GIndex sorted by (loom.GIndex, pid, tid).
	allRanked := true
	for _, lk := range loomOrder {
		if looms[lk].Rank == nil {
			allRanked = false
			break
		}
	}
	orderedKeys := make([]loomKey, len(loomOrder))
	copy(orderedKeys, loomOrder)
	if allRanked {
		sort.Slice(orderedKeys, func(i, j int) bool {
			return *looms[orderedKeys[i]].Rank < *looms[orderedKeys[j]].Rank
		})
	} else {
		sort.Slice(orderedKeys, func(i, j int) bool {
			a, b := orderedKeys[i], orderedKeys[j]
			if a.hostname != b.hostname {
				return a.hostname < b.hostname
			}
			return a.loomID < b.loomID
		})
	}

	sys := &System{}
	cpuGIndex := 0
	for i, lk := range orderedKeys {
		loom := looms[lk]
		loom.GIndex = i
		for _, c := range loom.PhysicalCPUs {
			c.GIndex = cpuGIndex
			cpuGIndex++
			sys.CPUs = append(sys.CPUs, c)
		}
		loom.VirtualCPU.GIndex = cpuGIndex
		cpuGIndex++
		sys.CPUs = append(sys.CPUs, loom.VirtualCPU)
		sys.Looms = append(sys.Looms, loom)
	}

	var allThreads []*Thread
	for _, loom := range sys.Looms {
		for _, proc := range loom.Processes {
			allThreads = append(allThreads, proc.Threads...)
		}
	}
	sort.SliceStable(allThreads, func(i, j int) bool {
		a, b := allThreads[i], allThreads[j]
		if a.Process.Loom.GIndex != b.Process.Loom.GIndex {
			return a.Process.Loom.GIndex < b.Process.Loom.GIndex
		}
		if a.Process.PID != b.Process.PID {
			return a.Process.PID < b.Process.PID
		}
		return a.TID < b.TID
	})
	for i, t := range allThreads {
		t.GIndex = i
	}
	sys.Threads = allThreads

	// Step 5: clock offsets.
	for _, loom := range sys.Looms {
		loom.Offset = offsets.Lookup(loom.Hostname, loom.LoomID)
	}

	return sys, nil
}
