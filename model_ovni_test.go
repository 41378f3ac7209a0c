package ovniemu

import "testing"

// buildTestSystem wires a minimal loom with nThreads threads in one process
// and nCPUs physical CPUs, with dense gindices, suitable for model-level unit
// tests that don't need a real trace on disk.
func buildTestSystem(nThreads, nCPUs int) (*System, *Loom, *Process) {
	loom := &Loom{Hostname: "node01", LoomID: "0"}
	proc := &Process{PID: 1, Loom: loom}
	sys := &System{Looms: []*Loom{loom}}

	for i := 0; i < nCPUs; i++ {
		cpu := newCPU(loom, i, false, i)
		loom.PhysicalCPUs = append(loom.PhysicalCPUs, cpu)
		sys.CPUs = append(sys.CPUs, cpu)
	}
	for i := 0; i < nThreads; i++ {
		th := &Thread{TID: i, GIndex: i, Process: proc, State: StateUnknown}
		proc.Threads = append(proc.Threads, th)
		sys.Threads = append(sys.Threads, th)
	}
	loom.Processes = append(loom.Processes, proc)
	return sys, loom, proc
}

func newTestEmulator(sys *System) *Emulator {
	return &Emulator{
		System:   sys,
		Bay:      NewBay(),
		Registry: NewRegistry(),
	}
}

func TestOvniModelExecuteAndEnd(t *testing.T) {
	sys, _, _ := buildTestSystem(1, 1)
	emu := newTestEmulator(sys)
	m := NewOvniModel()
	m.SetSlot(emu.Registry.Register(m))
	if err := m.Create(emu); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Connect(emu); err != nil {
		t.Fatalf("connect: %v", err)
	}

	th := sys.Threads[0]
	phyid := encodeInt32Payload(0)
	execEv := Event{MCV: MCV{Model: 'O', Category: ovniCatLifecycle, Value: byte(TriggerExecute)}, Payload: phyid}
	if err := m.Event(emu, execEv, th); err != nil {
		t.Fatalf("execute event: %v", err)
	}
	if th.State != StateRunning {
		t.Fatalf("state: got %s", th.State)
	}
	if err := emu.Bay.Propagate(); err != nil {
		t.Fatalf("propagate: %v", err)
	}
	if !m.threadState[0].Last().Equal(Int(int64(StateRunning))) {
		t.Fatalf("thread state channel: got %v", m.threadState[0].Last())
	}

	endEv := Event{MCV: MCV{Model: 'O', Category: ovniCatLifecycle, Value: byte(TriggerEnd)}}
	if err := m.Event(emu, endEv, th); err != nil {
		t.Fatalf("end event: %v", err)
	}
	if th.State != StateDead {
		t.Fatalf("state: got %s", th.State)
	}
	if th.CPU != nil {
		t.Fatal("expected cpu released on end")
	}
}

func TestOvniModelAffinitySet(t *testing.T) {
	sys, _, _ := buildTestSystem(1, 2)
	emu := newTestEmulator(sys)
	m := NewOvniModel()
	m.SetSlot(emu.Registry.Register(m))
	if err := m.Create(emu); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Connect(emu); err != nil {
		t.Fatalf("connect: %v", err)
	}

	th := sys.Threads[0]
	setEv := Event{MCV: MCV{Model: 'O', Category: ovniCatAffinity, Value: ovniAffinitySet}, Payload: encodeInt32Payload(1)}
	if err := m.Event(emu, setEv, th); err != nil {
		t.Fatalf("affinity set: %v", err)
	}
	if th.CPU != sys.CPUs[1] {
		t.Fatal("expected thread migrated to cpu 1")
	}
}

func TestOvniModelAffinityRemote(t *testing.T) {
	sys, loom, _ := buildTestSystem(2, 2)
	emu := newTestEmulator(sys)
	m := NewOvniModel()
	m.SetSlot(emu.Registry.Register(m))
	if err := m.Create(emu); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Connect(emu); err != nil {
		t.Fatalf("connect: %v", err)
	}

	actor := sys.Threads[0]
	target := sys.Threads[1]

	// The affinity-remote target must already be active and bound to a cpu
	// (original_source/src/emu/ust/event.c's precondition), so execute it
	// onto cpu 0 before migrating it to cpu 1.
	if err := ExecuteThread(target, loom.PhysicalCPUs[0]); err != nil {
		t.Fatalf("execute target: %v", err)
	}

	payload := append(encodeInt32Payload(1), encodeInt32Payload(int32(target.TID))...)
	remoteEv := Event{MCV: MCV{Model: 'O', Category: ovniCatAffinity, Value: ovniAffinityRemote}, Payload: payload}
	if err := m.Event(emu, remoteEv, actor); err != nil {
		t.Fatalf("affinity remote: %v", err)
	}
	if target.CPU != loom.PhysicalCPUs[1] {
		t.Fatal("expected target thread migrated, not the acting thread")
	}
	if actor.CPU != nil {
		t.Fatal("acting thread should not itself be migrated")
	}
}

func TestOvniModelUnknownCategoryIsCorrupt(t *testing.T) {
	sys, _, _ := buildTestSystem(1, 1)
	emu := newTestEmulator(sys)
	m := NewOvniModel()
	m.SetSlot(emu.Registry.Register(m))
	m.Create(emu)
	m.Connect(emu)

	ev := Event{MCV: MCV{Model: 'O', Category: 'Z'}}
	if err := m.Event(emu, ev, sys.Threads[0]); !isKind(err, KindCorruptStream) {
		t.Fatalf("expected KindCorruptStream, got %v", err)
	}
}

func encodeInt32Payload(v int32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
