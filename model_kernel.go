package ovniemu

import "fmt"

// kernelModelVersion is the protocol version this build implements.
const kernelModelVersion = "1.0.0"

// PRV row type for the per-thread and per-CPU kernel/user mode channels.
const prvTypeKernelMode = 20

const (
	kernelCatMode = 'M'

	kernelModeEnter = 'k' // entering kernel mode
	kernelModeExit  = 'u' // returning to user mode
)

// modeUser and modeKernel are the two values the mode channel carries.
const (
	modeUser = iota
	modeKernel
)

// KernelModel is a secondary model recording whether a thread is executing
// in kernel or user mode (category 'M', §4.8 supplement). It depends on the
// ovni model for thread/CPU resolution and disables itself when no stream
// in the trace contains a 'K' event, rather than assuming its events are
// present the way OvniModel does.
type KernelModel struct {
	slot int

	// mode is indexed by thread.GIndex.
	mode []*Channel
}

// NewKernelModel creates the kernel model.
func NewKernelModel() *KernelModel { return &KernelModel{} }

func (m *KernelModel) SetSlot(slot int) { m.slot = slot }

func (m *KernelModel) Name() string    { return "kernel" }
func (m *KernelModel) Tag() byte       { return 'K' }
func (m *KernelModel) Version() string { return kernelModelVersion }
func (m *KernelModel) Depends() []byte { return []byte{'O'} }

// Probe enables the kernel model only for traces that actually contain a
// 'K' event somewhere; a trace with no kernel-mode instrumentation should
// not grow empty rows for it.
func (m *KernelModel) Probe(emu *Emulator) (bool, error) {
	return traceHasModelTag(emu, m.Tag())
}

func (m *KernelModel) Create(emu *Emulator) error {
	m.mode = make([]*Channel, len(emu.System.Threads))
	for _, th := range emu.System.Threads {
		ch := NewScalarChannel(fmt.Sprintf("kernel.mode#%d", th.GIndex))
		ch.PRVType = prvTypeKernelMode
		m.mode[th.GIndex] = ch
		th.setExtSlot(m.slot, ch)
	}
	return nil
}

func (m *KernelModel) Connect(emu *Emulator) error {
	for _, ch := range m.mode {
		emu.Bay.Register(ch)
	}
	for _, cpu := range emu.System.CPUs {
		track := NewTrack(fmt.Sprintf("kernel.cpu_mode#%d", cpu.GIndex), cpu, m.mode, SelectRunning)
		track.Output().PRVType = prvTypeKernelMode
		emu.Bay.Register(track.Selector)
		emu.Bay.Register(track.Output())
		cpu.RegisterTrack(track)
		cpu.setExtSlot(m.slot, track)
	}
	return nil
}

func (m *KernelModel) Event(emu *Emulator, ev Event, th *Thread) error {
	if ev.MCV.Category != kernelCatMode {
		return wrapKind(KindCorruptStream, "kernel: unknown category %q", rune(ev.MCV.Category))
	}
	var v Value
	switch ev.MCV.Value {
	case kernelModeEnter:
		v = Int(modeKernel)
	case kernelModeExit:
		v = Int(modeUser)
	default:
		return wrapKind(KindCorruptStream, "kernel: unknown mode value %q", rune(ev.MCV.Value))
	}
	return m.mode[th.GIndex].Set(v)
}

func (m *KernelModel) Finish(emu *Emulator) error { return nil }
