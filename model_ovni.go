package ovniemu

import (
	"encoding/binary"
	"fmt"
)

// ovniModelVersion is the library protocol version this build implements,
// compared against each thread's declared requirement (§4.8).
const ovniModelVersion = "1.0.0"

// PRV row type for the per-thread and per-CPU thread-state channels.
const prvTypeThreadState = 10

// category/value bytes for the ovni model's own events (§4.4): thread
// lifecycle under category 'H', affinity under category 'A'.
const (
	ovniCatLifecycle = 'H'
	ovniCatAffinity  = 'A'

	ovniAffinitySet    = 's'
	ovniAffinityRemote = 'r'
)

// OvniModel is the base model every trace carries: it drives the Abstract
// Machine's thread state transitions and CPU affinity changes (§4.4), and
// exposes one "thread state" channel per thread plus one aggregate track
// per CPU.
type OvniModel struct {
	slot int

	// threadState is indexed by thread.GIndex.
	threadState []*Channel
}

// NewOvniModel creates the ovni model. Call Registry.Register on it and
// store the returned slot id back via SetSlot before Create runs.
func NewOvniModel() *OvniModel { return &OvniModel{} }

// SetSlot records the dense extSlot index this model was registered under.
func (m *OvniModel) SetSlot(slot int) { m.slot = slot }

func (m *OvniModel) Name() string    { return "ovni" }
func (m *OvniModel) Tag() byte       { return 'O' }
func (m *OvniModel) Version() string { return ovniModelVersion }
func (m *OvniModel) Depends() []byte { return nil }

// Probe: the ovni model carries the basic thread lifecycle every trace
// produced by the library must have, so it is always enabled.
func (m *OvniModel) Probe(emu *Emulator) (bool, error) { return true, nil }

// Create allocates one scalar "thread state" channel per thread.
func (m *OvniModel) Create(emu *Emulator) error {
	m.threadState = make([]*Channel, len(emu.System.Threads))
	for _, th := range emu.System.Threads {
		ch := NewScalarChannel(threadStateChannelName(th))
		ch.PRVType = prvTypeThreadState
		m.threadState[th.GIndex] = ch
		th.setExtSlot(m.slot, ch)
	}
	return nil
}

// Connect registers the per-thread channels with the Bay, then builds and
// registers one per-CPU aggregate track (SelectRunning) mirroring whichever
// thread is currently RUNNING on that core, or OVERSUBSCRIBED/idle.
func (m *OvniModel) Connect(emu *Emulator) error {
	for _, ch := range m.threadState {
		emu.Bay.Register(ch)
	}
	for _, cpu := range emu.System.CPUs {
		track := NewTrack(cpuTrackName(cpu), cpu, m.threadState, SelectRunning)
		track.Output().PRVType = prvTypeThreadState
		emu.Bay.Register(track.Selector)
		emu.Bay.Register(track.Output())
		cpu.RegisterTrack(track)
		cpu.setExtSlot(m.slot, track)
	}
	return nil
}

// Event handles one decoded ovni-model event for thread th.
func (m *OvniModel) Event(emu *Emulator, ev Event, th *Thread) error {
	if err := emu.Registry.CheckVersion(emu, m, th); err != nil {
		return err
	}

	switch ev.MCV.Category {
	case ovniCatLifecycle:
		return m.handleLifecycle(emu, ev, th)
	case ovniCatAffinity:
		return m.handleAffinity(emu, ev, th)
	default:
		return wrapKind(KindCorruptStream, "ovni: unknown category %q", rune(ev.MCV.Category))
	}
}

func (m *OvniModel) handleLifecycle(emu *Emulator, ev Event, th *Thread) error {
	trigger := Trigger(ev.MCV.Value)
	var err error
	switch trigger {
	case TriggerExecute:
		phyid, derr := decodePayloadInt32(ev.Payload, 0)
		if derr != nil {
			return derr
		}
		cpu, rerr := ResolveCPU(th.Process.Loom, int(phyid))
		if rerr != nil {
			return rerr
		}
		err = ExecuteThread(th, cpu)
	case TriggerEnd:
		err = EndThread(th)
	case TriggerPause:
		err = PauseThread(th)
	case TriggerResume:
		err = ResumeThread(th)
	case TriggerCool:
		err = CoolThread(th)
	case TriggerWarm:
		err = WarmThread(th)
	default:
		return wrapKind(KindCorruptStream, "ovni: unknown lifecycle value %q", rune(ev.MCV.Value))
	}
	if err != nil {
		return err
	}
	return m.threadState[th.GIndex].Set(Int(int64(th.State)))
}

func (m *OvniModel) handleAffinity(emu *Emulator, ev Event, th *Thread) error {
	switch ev.MCV.Value {
	case ovniAffinitySet:
		phyid, err := decodePayloadInt32(ev.Payload, 0)
		if err != nil {
			return err
		}
		cpu, err := ResolveCPU(th.Process.Loom, int(phyid))
		if err != nil {
			return err
		}
		return MigrateThread(th, cpu)
	case ovniAffinityRemote:
		phyid, err := decodePayloadInt32(ev.Payload, 0)
		if err != nil {
			return err
		}
		tid, err := decodePayloadInt32(ev.Payload, 4)
		if err != nil {
			return err
		}
		target, err := ResolveRemoteThread(th, int(tid))
		if err != nil {
			return err
		}
		cpu, err := ResolveCPU(th.Process.Loom, int(phyid))
		if err != nil {
			return err
		}
		return MigrateThread(target, cpu)
	default:
		return wrapKind(KindCorruptStream, "ovni: unknown affinity value %q", rune(ev.MCV.Value))
	}
}

// Finish does nothing. A trace whose threads never reached DEAD is not an
// error (the player may have simply truncated mid-run); its thread state
// channels keep whatever value they last held.
func (m *OvniModel) Finish(emu *Emulator) error { return nil }

func threadStateChannelName(th *Thread) string {
	return fmt.Sprintf("ovni.thread_state#%d", th.GIndex)
}

func cpuTrackName(cpu *CPU) string {
	return fmt.Sprintf("ovni.cpu_state#%d", cpu.GIndex)
}

// decodePayloadInt32 reads a little-endian int32 out of payload at byte
// offset off, returning KindCorruptStream if the payload is too short.
func decodePayloadInt32(payload []byte, off int) (int32, error) {
	if off+4 > len(payload) {
		return 0, wrapKind(KindCorruptStream, "ovni: payload too short for int32 at offset %d (len %d)", off, len(payload))
	}
	return int32(binary.LittleEndian.Uint32(payload[off : off+4])), nil
}
