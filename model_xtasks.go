package ovniemu

import "fmt"

// xtasksModelVersion is the protocol version this build implements.
const xtasksModelVersion = "1.0.0"

// PRV row type for the per-thread and per-CPU subsystem stack channels.
const prvTypeSubsystem = 30

const (
	xtasksCatSubsystem = 's'
	xtasksSubsystemEv  = 'e' // the "Xse" event code

	xtasksPush = 0
	xtasksPop  = 1
)

// XtasksModel tracks a per-thread subsystem stack: entering a named
// subsystem pushes its id, leaving it pops (§8 scenario 4, "stack subsystem
// (xtasks)"). It depends on the ovni model and disables itself for traces
// whose streams contain no 'X' event.
type XtasksModel struct {
	slot int

	// subsystem is indexed by thread.GIndex.
	subsystem []*Channel
}

// NewXtasksModel creates the xtasks model.
func NewXtasksModel() *XtasksModel { return &XtasksModel{} }

func (m *XtasksModel) SetSlot(slot int) { m.slot = slot }

func (m *XtasksModel) Name() string    { return "xtasks" }
func (m *XtasksModel) Tag() byte       { return 'X' }
func (m *XtasksModel) Version() string { return xtasksModelVersion }
func (m *XtasksModel) Depends() []byte { return []byte{'O'} }

func (m *XtasksModel) Probe(emu *Emulator) (bool, error) {
	return traceHasModelTag(emu, m.Tag())
}

func (m *XtasksModel) Create(emu *Emulator) error {
	m.subsystem = make([]*Channel, len(emu.System.Threads))
	for _, th := range emu.System.Threads {
		ch := NewStackChannel(fmt.Sprintf("xtasks.subsystem#%d", th.GIndex), 0)
		ch.PRVType = prvTypeSubsystem
		m.subsystem[th.GIndex] = ch
		th.setExtSlot(m.slot, ch)
	}
	return nil
}

func (m *XtasksModel) Connect(emu *Emulator) error {
	for _, ch := range m.subsystem {
		emu.Bay.Register(ch)
	}
	for _, cpu := range emu.System.CPUs {
		track := NewTrack(fmt.Sprintf("xtasks.cpu_subsystem#%d", cpu.GIndex), cpu, m.subsystem, SelectRunning)
		track.Output().PRVType = prvTypeSubsystem
		emu.Bay.Register(track.Selector)
		emu.Bay.Register(track.Output())
		cpu.RegisterTrack(track)
		cpu.setExtSlot(m.slot, track)
	}
	return nil
}

// Event handles the "Xse" event: a 2-byte payload of (type, subsystem id),
// type 0 pushing the subsystem onto the thread's stack, type 1 popping it
// and checking the popped value matches.
func (m *XtasksModel) Event(emu *Emulator, ev Event, th *Thread) error {
	if ev.MCV.Category != xtasksCatSubsystem || ev.MCV.Value != xtasksSubsystemEv {
		return wrapKind(KindCorruptStream, "xtasks: unknown event %q%q", rune(ev.MCV.Category), rune(ev.MCV.Value))
	}
	if len(ev.Payload) < 2 {
		return wrapKind(KindCorruptStream, "xtasks: payload too short (len %d)", len(ev.Payload))
	}
	typ := ev.Payload[0]
	subsystem := Int(int64(ev.Payload[1]))
	ch := m.subsystem[th.GIndex]

	switch typ {
	case xtasksPush:
		return ch.Push(subsystem)
	case xtasksPop:
		return ch.Pop(&subsystem)
	default:
		return wrapKind(KindCorruptStream, "xtasks: unknown push/pop type %d", typ)
	}
}

func (m *XtasksModel) Finish(emu *Emulator) error { return nil }
