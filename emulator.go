package ovniemu

import (
	"errors"
	"log/slog"
)

// Config bundles the knobs the CLI exposes (§6).
type Config struct {
	TraceDir        string
	OutDir          string
	ClockOffsetFile string // "" for none
	Strict          bool   // -l, linter mode
	EnableAll       bool   // -a, force-enable every model regardless of probe
	Logger          *slog.Logger
}

// Emulator is the single owned value every model callback receives by
// reference (§3 Design Notes: "pass a single owned Emulator value holding
// all subsystems").
type Emulator struct {
	System       *System
	Bay          *Bay
	Registry     *Registry
	Writer       *Writer
	ClockOffsets *ClockOffsetTable
	Streams      []*Stream
	Player       *Player
	Progress     *Progress
	Strict       bool

	logger *slog.Logger
}

// Logger returns the emulator's structured logger, defaulting to
// slog.Default() if none was configured.
func (e *Emulator) Logger() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// NewEmulator discovers the trace, builds the system graph, opens every
// stream, registers and probes the model set, and wires the Output Writer.
// The returned Emulator is ready for Run.
func NewEmulator(cfg Config) (*Emulator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metas, err := DiscoverTrace(cfg.TraceDir)
	if err != nil {
		return nil, err
	}

	var offsets *ClockOffsetTable
	if cfg.ClockOffsetFile != "" {
		offsets, err = LoadClockOffsetTable(cfg.ClockOffsetFile)
		if err != nil {
			return nil, err
		}
	} else {
		offsets = NewClockOffsetTable()
	}

	sys, err := BuildSystem(metas, offsets)
	if err != nil {
		return nil, err
	}

	streams := make([]*Stream, 0, len(sys.Threads))
	for _, th := range sys.Threads {
		s, err := OpenStream(th.RelPath, th.ObsPath)
		if err != nil {
			return nil, err
		}
		s.Offset = th.Process.Loom.Offset
		s.OwnerGIndex = th.GIndex
		th.Stream = s
		streams = append(streams, s)
	}

	emu := &Emulator{
		System:       sys,
		Bay:          NewBay(),
		Registry:     NewRegistry(),
		ClockOffsets: offsets,
		Streams:      streams,
		Strict:       cfg.Strict,
		logger:       logger,
	}

	ovni := NewOvniModel()
	ovni.SetSlot(emu.Registry.Register(ovni))
	kernel := NewKernelModel()
	kernel.SetSlot(emu.Registry.Register(kernel))
	xtasks := NewXtasksModel()
	xtasks.SetSlot(emu.Registry.Register(xtasks))

	if cfg.EnableAll {
		emu.Registry.forceEnableAll()
	} else if err := emu.Registry.Probe(emu); err != nil {
		return nil, err
	}

	if err := emu.Registry.Create(emu); err != nil {
		return nil, err
	}
	if err := emu.Registry.Connect(emu); err != nil {
		return nil, err
	}

	writer, err := NewWriter(cfg.OutDir)
	if err != nil {
		return nil, err
	}
	emu.Writer = writer
	emu.wireWriter()

	emu.Player = NewPlayer(streams, cfg.Strict)
	emu.Progress = NewProgress(logger, streams)

	return emu, nil
}

// wireWriter subscribes the Output Writer to every output channel any
// enabled model stashed into a Thread's or CPU's extSlots, generically
// across models (§4.9): it doesn't need to know which models exist, only
// how many slots the Registry handed out.
func (e *Emulator) wireWriter() {
	for slot := range e.Registry.models {
		for _, th := range e.System.Threads {
			if ch, ok := th.extSlot(slot).(*Channel); ok {
				e.Writer.WatchThread(ch, th.GIndex+1)
			}
		}
		for _, cpu := range e.System.CPUs {
			if tr, ok := cpu.extSlot(slot).(*Track); ok {
				e.Writer.WatchCPU(tr.Output(), cpu.GIndex+1)
			}
		}
	}
}

// Step advances the player by exactly one event: it dispatches the event to
// its model and propagates the Bay. It returns true once every stream is
// exhausted.
func (e *Emulator) Step() (bool, error) {
	ev, stream, clock, done, err := e.Player.Step()
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}

	th := e.System.ThreadByGIndex(stream.OwnerGIndex)
	e.Writer.SetClock(clock)

	if ev.UnknownFlagBits() != 0 {
		if e.Strict {
			return false, wrapKind(KindCorruptStream, "event carries unknown flag bits: stream %s", stream.RelPath)
		}
		e.Logger().Warn("event carries unknown flag bits", "stream", stream.RelPath)
	}

	if err := e.Registry.Dispatch(e, ev, th); err != nil {
		if !errors.Is(err, KindModelMissing) || e.Strict {
			return false, err
		}
		e.Logger().Warn("unknown or disabled model byte, skipping event",
			"model", string(rune(ev.MCV.Model)), "stream", stream.RelPath)
	} else if err := e.Bay.Propagate(); err != nil {
		return false, err
	}

	e.Progress.Tick()
	return false, nil
}

// Run steps the emulator to completion or the first fatal error.
func (e *Emulator) Run() error {
	for {
		done, err := e.Step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Finish runs every enabled model's Finish callback, closes the Output
// Writer (emitting the PCF dictionaries), prints the final progress
// summary, and unmaps every stream. Call this once after Run returns, also
// when Run returned an error (the CLI does both).
func (e *Emulator) Finish() error {
	if err := e.Registry.Finish(e); err != nil {
		return err
	}
	if err := e.Writer.Finish(); err != nil {
		return err
	}
	e.Progress.Finish()
	for _, s := range e.Streams {
		s.Close()
	}
	return nil
}
