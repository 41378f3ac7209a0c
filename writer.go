package ovniemu

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// valueBadEncoded is the fixed wire encoding of the "bad" / OVERSUBSCRIBED
// value variant (§4.9).
const valueBadEncoded = 0xffffffff

// prvTypeInfo describes one PRV type constant for the PCF dictionary: a
// human label, and optionally a fixed set of value -> label mappings for
// channels that only ever carry a small closed set of values.
type prvTypeInfo struct {
	Label  string
	Values map[int64]string
}

// prvCatalog is the full, static set of PRV types this build ever emits.
// The PCF dictionary is built from this catalog at Finish, not from
// whichever edges happened to fire, so every type gets a row even if the
// trace never exercised it (§7 supplement: PCF "default" row).
var prvCatalog = map[int]prvTypeInfo{
	prvTypeThreadState: {
		Label: "Thread state",
		Values: map[int64]string{
			int64(StateUnknown): "UNKNOWN",
			int64(StateRunning): "RUNNING",
			int64(StatePaused):  "PAUSED",
			int64(StateCooling): "COOLING",
			int64(StateWarming): "WARMING",
			int64(StateDead):    "DEAD",
			valueBadEncoded:     "OVERSUBSCRIBED",
		},
	},
	prvTypeKernelMode: {
		Label: "Kernel/user mode",
		Values: map[int64]string{
			modeUser:        "USER",
			modeKernel:      "KERNEL",
			valueBadEncoded: "OVERSUBSCRIBED",
		},
	},
	prvTypeSubsystem: {
		Label: "Subsystem",
		Values: map[int64]string{
			valueBadEncoded: "OVERSUBSCRIBED",
		},
	},
}

// Writer emits the per-thread and per-CPU PRV trace files plus their PCF
// label dictionaries (§4.9, §6). One Writer instance owns both views for
// the duration of a run.
type Writer struct {
	outdir string

	threadFile *os.File
	cpuFile    *os.File
	thread     *bufio.Writer
	cpu        *bufio.Writer

	// currentClock is the synchronized clock of the event currently being
	// processed; every Bay.Propagate flush is timestamped with it, since a
	// step's channel mutations are atomic at that instant (§3).
	currentClock int64
}

// NewWriter creates thread.prv and cpu.prv (truncating any existing files)
// under outdir.
func NewWriter(outdir string) (*Writer, error) {
	tf, err := os.Create(filepath.Join(outdir, "thread.prv"))
	if err != nil {
		return nil, fmt.Errorf("ovniemu: create thread.prv: %w", err)
	}
	cf, err := os.Create(filepath.Join(outdir, "cpu.prv"))
	if err != nil {
		tf.Close()
		return nil, fmt.Errorf("ovniemu: create cpu.prv: %w", err)
	}
	return &Writer{
		outdir:     outdir,
		threadFile: tf,
		cpuFile:    cf,
		thread:     bufio.NewWriter(tf),
		cpu:        bufio.NewWriter(cf),
	}, nil
}

// SetClock records the synchronized clock to stamp the next batch of edges
// with. Called by the driver once per player step, before Bay.Propagate.
func (w *Writer) SetClock(clock int64) { w.currentClock = clock }

// WatchThread subscribes ch to emit thread.prv rows at the given 1-based row.
func (w *Writer) WatchThread(ch *Channel, row int) {
	ch.Subscribe(&rowWriter{w: w, out: w.thread, row: row, prvType: ch.PRVType})
}

// WatchCPU subscribes ch to emit cpu.prv rows at the given 1-based row.
func (w *Writer) WatchCPU(ch *Channel, row int) {
	ch.Subscribe(&rowWriter{w: w, out: w.cpu, row: row, prvType: ch.PRVType})
}

// Finish flushes and closes both PRV files and writes both PCF dictionaries.
func (w *Writer) Finish() error {
	if err := w.thread.Flush(); err != nil {
		return fmt.Errorf("ovniemu: flush thread.prv: %w", err)
	}
	if err := w.cpu.Flush(); err != nil {
		return fmt.Errorf("ovniemu: flush cpu.prv: %w", err)
	}
	if err := writePCF(filepath.Join(w.outdir, "thread.pcf")); err != nil {
		return err
	}
	if err := writePCF(filepath.Join(w.outdir, "cpu.pcf")); err != nil {
		return err
	}
	if err := w.threadFile.Close(); err != nil {
		return fmt.Errorf("ovniemu: close thread.prv: %w", err)
	}
	if err := w.cpuFile.Close(); err != nil {
		return fmt.Errorf("ovniemu: close cpu.prv: %w", err)
	}
	return nil
}

func writePCF(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ovniemu: create %s: %w", path, err)
	}
	defer f.Close()

	ids := make([]int, 0, len(prvCatalog))
	for id := range prvCatalog {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	bw := bufio.NewWriter(f)
	for _, id := range ids {
		info := prvCatalog[id]
		fmt.Fprintf(bw, "EVENT_TYPE\n0    %d    %s\n", id, info.Label)
		if len(info.Values) > 0 {
			bw.WriteString("VALUES\n")
			vids := make([]int64, 0, len(info.Values))
			for v := range info.Values {
				vids = append(vids, v)
			}
			sort.Slice(vids, func(i, j int) bool { return vids[i] < vids[j] })
			for _, v := range vids {
				fmt.Fprintf(bw, "%d    %s\n", v, info.Values[v])
			}
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// rowWriter is the Subscriber a Writer attaches to each watched channel.
type rowWriter struct {
	w       *Writer
	out     *bufio.Writer
	row     int
	prvType int
}

func (r *rowWriter) Notify(edge Edge) bool {
	fmt.Fprintf(r.out, "%d:%d:%d:%d\n", r.w.currentClock, r.row, r.prvType, encodeValue(edge.New))
	return false
}

// encodeValue applies §4.9's fixed value encoding: null -> 0, bad (the
// OVERSUBSCRIBED sentinel) -> 0xffffffff, otherwise the int64 as-is.
func encodeValue(v Value) int64 {
	switch v.Kind {
	case ValueNull:
		return 0
	case ValueBad:
		return valueBadEncoded
	default:
		return v.Int
	}
}
