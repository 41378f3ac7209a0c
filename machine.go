package ovniemu

// Trigger is one of the Abstract Machine's thread-state transition labels
// (§4.4): x(ecute), e(nd), p(ause), r(esume), c(ool), w(arm).
type Trigger byte

const (
	TriggerExecute Trigger = 'x'
	TriggerEnd     Trigger = 'e'
	TriggerPause   Trigger = 'p'
	TriggerResume  Trigger = 'r'
	TriggerCool    Trigger = 'c'
	TriggerWarm    Trigger = 'w'
)

func (t Trigger) String() string { return string(t) }

// transitionTable is the legal (from, trigger) -> to map of §4.4. Any pair
// absent from it is an illegal transition, whether the table marks it "err"
// explicitly or simply omits it.
var transitionTable = map[ThreadState]map[Trigger]ThreadState{
	StateUnknown: {
		TriggerExecute: StateRunning,
	},
	StateRunning: {
		TriggerEnd:   StateDead,
		TriggerPause: StatePaused,
		TriggerCool:  StateCooling,
	},
	StatePaused: {
		TriggerResume: StateRunning,
		TriggerWarm:   StateWarming,
	},
	StateCooling: {
		TriggerEnd:   StateDead,
		TriggerPause: StatePaused,
	},
	StateWarming: {
		TriggerResume: StateRunning,
	},
	StateDead: {},
}

// setState applies a bare state change and, if the thread currently occupies
// a CPU, keeps that CPU's RunningCount in step. It does not touch CPU
// occupancy membership itself — only Execute, End and affinity migration do
// that (§4.4: a thread keeps its CPU binding across pause/cool/warm, it
// gains one on Execute or an affinity set and loses it on End).
func (t *Thread) setState(next ThreadState) {
	old := t.State
	t.State = next
	if t.CPU == nil || old == next {
		return
	}
	switch {
	case old == StateRunning && next != StateRunning:
		t.CPU.runningCount--
	case old != StateRunning && next == StateRunning:
		t.CPU.runningCount++
	}
}

// ApplyTransition advances t's state machine on trigger, or returns
// KindBadTransition if the pair is not in the legal table. Apart from
// keeping a bound CPU's RunningCount in step, it has no CPU side effects:
// it refreshes no aggregate and changes no occupancy. Callers that need to
// bind or unbind a CPU (Execute, End) or
// migrate one (affinity set/remote) use the dedicated helpers below.
func (t *Thread) ApplyTransition(trigger Trigger) error {
	next, ok := transitionTable[t.State][trigger]
	if !ok {
		return wrapKind(KindBadTransition, "thread tid=%d: illegal transition %q from state %s", t.TID, trigger, t.State)
	}
	t.setState(next)
	return nil
}

// ExecuteThread handles an `x` event: transitions the thread to RUNNING and
// binds it onto cpu (which may be the phyid it was already affinity-set to,
// or a fresh one named by the event itself), then refreshes aggregates.
func ExecuteThread(t *Thread, cpu *CPU) error {
	if err := t.ApplyTransition(TriggerExecute); err != nil {
		return err
	}
	if err := assignCPU(t, cpu); err != nil {
		return err
	}
	// assignCPU skips the refresh when t was already bound to cpu (an
	// earlier affinity set), but the state change above still moved it.
	cpu.refreshAggregate()
	return nil
}

// EndThread handles an `e` event: transitions the thread to DEAD and
// releases its CPU binding, then refreshes the released CPU's aggregates.
func EndThread(t *Thread) error {
	if err := t.ApplyTransition(TriggerEnd); err != nil {
		return err
	}
	unbindThreadFromCPU(t)
	return nil
}

// PauseThread, ResumeThread, CoolThread, WarmThread handle the remaining
// state-only triggers; none of them changes CPU occupancy membership.
func PauseThread(t *Thread) error  { return applyAndRefresh(t, TriggerPause) }
func ResumeThread(t *Thread) error { return applyAndRefresh(t, TriggerResume) }
func CoolThread(t *Thread) error   { return applyAndRefresh(t, TriggerCool) }
func WarmThread(t *Thread) error   { return applyAndRefresh(t, TriggerWarm) }

func applyAndRefresh(t *Thread, trigger Trigger) error {
	if err := t.ApplyTransition(trigger); err != nil {
		return err
	}
	if t.CPU != nil {
		t.CPU.refreshAggregate()
	}
	return nil
}

// unbindThreadFromCPU releases t's CPU binding, if any, and refreshes the
// released CPU's tracks.
func unbindThreadFromCPU(t *Thread) {
	cpu := t.CPU
	if cpu == nil {
		return
	}
	cpu.removeOccupant(t)
	t.CPU = nil
	cpu.refreshAggregate()
}

// assignCPU points t's occupancy at cpu, a no-op if it is already there.
// Used by both Execute (the thread's own phyid) and affinity migration
// (another thread's phyid), which share the same occupancy-transfer
// semantics: leave the old CPU's occupant set if bound to one, join the new
// one, and refresh whichever aggregates changed.
func assignCPU(t *Thread, cpu *CPU) error {
	from := t.CPU
	if from == cpu {
		return nil
	}
	if from != nil {
		from.removeOccupant(t)
	}
	t.CPU = cpu
	cpu.addOccupant(t)
	if from != nil {
		from.refreshAggregate()
	}
	cpu.refreshAggregate()
	return nil
}

// MigrateThread points t's CPU affinity at to (affinity-set / affinity-remote,
// §4.4), without altering its state. If t is not yet bound to any CPU
// (affinity set ahead of its first Execute), this still joins to's occupant
// set immediately via assignCPU, but RunningCount is only affected once the
// thread actually reaches RUNNING — so a pre-Execute affinity-set changes
// occupancy membership right away, not just a future binding target.
func MigrateThread(t *Thread, to *CPU) error {
	return assignCPU(t, to)
}

// ResolveCPU looks up the physical CPU with the given phyid within loom, for
// an affinity-set within the same loom. It returns KindUnknownCPU if no such
// phyid was declared for the loom.
func ResolveCPU(loom *Loom, phyID int) (*CPU, error) {
	cpu, ok := loom.CPUByPhyID(phyID)
	if !ok {
		return nil, wrapKind(KindUnknownCPU, "loom %s.%s: no cpu with phyid %d", loom.Hostname, loom.LoomID, phyID)
	}
	return cpu, nil
}

// ResolveRemoteThread looks up the target thread of an affinity-remote event
// by tid alone, checking from's own process first and then the rest of its
// loom (original_source/src/emu/ust/event.c: proc_find_thread then
// loom_find_thread). It returns KindUnknownThread if no thread with that tid
// exists anywhere in the loom, and KindBadTransition if the resolved thread
// is DEAD, UNKNOWN, or not currently bound to a CPU — a remote affinity
// change has nothing live to migrate in any of those states.
func ResolveRemoteThread(from *Thread, tid int) (*Thread, error) {
	loom := from.Process.Loom

	target, ok := from.Process.ThreadByTID(tid)
	if !ok {
		for _, proc := range loom.Processes {
			if th, found := proc.ThreadByTID(tid); found {
				target = th
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, wrapKind(KindUnknownThread, "loom %s.%s: no thread tid=%d", loom.Hostname, loom.LoomID, tid)
	}
	if target.State == StateDead || target.State == StateUnknown || target.CPU == nil {
		return nil, wrapKind(KindBadTransition,
			"loom %s.%s: thread tid=%d is not eligible for affinity-remote (state=%s, bound=%t)",
			loom.Hostname, loom.LoomID, tid, target.State, target.CPU != nil)
	}
	return target, nil
}

// runningThreads and activeThreads list cpu's current occupants matching
// RUNNING, respectively IsActive (RUNNING, COOLING or WARMING).
func (c *CPU) runningThreads() []*Thread {
	var out []*Thread
	for t := range c.occupants {
		if t.State == StateRunning {
			out = append(out, t)
		}
	}
	return out
}

func (c *CPU) activeThreads() []*Thread {
	var out []*Thread
	for t := range c.occupants {
		if t.IsActive() {
			out = append(out, t)
		}
	}
	return out
}

// refreshAggregate pushes this CPU's current occupancy onto every track
// registered against it, selecting by whichever criterion (RUNNING or
// ACTIVE) that track was built with. SelectAny tracks are self-driven and
// are skipped here — they recompute from their own inputs.
func (c *CPU) refreshAggregate() {
	for _, tr := range c.tracks {
		switch tr.Mux.Fn {
		case SelectRunning:
			applyOccupancy(tr, c.runningThreads())
		case SelectActive:
			applyOccupancy(tr, c.activeThreads())
		}
	}
}

func applyOccupancy(tr *Track, threads []*Thread) {
	switch len(threads) {
	case 0:
		tr.Clear()
	case 1:
		tr.SetSelected(threads[0].GIndex)
	default:
		tr.SetOversubscribed()
	}
}
