package ovniemu

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEmulatorFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	procDir := filepath.Join(root, "loom.node01.0", "proc.100")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	procJSON := `{"version":1,"app_id":1,"cpus":[{"index":0,"phyid":0}]}`
	if err := os.WriteFile(filepath.Join(procDir, "metadata.json"), []byte(procJSON), 0o644); err != nil {
		t.Fatalf("write process metadata: %v", err)
	}

	threadJSON := `{"version":1,"ovni":{"lib":{"version":"1.0.0"},"require":{"ovni":"1.0.0"}}}`
	for _, tid := range []int{1, 2} {
		name := filepath.Join(procDir, "thread."+itoa(tid)+".json")
		if err := os.WriteFile(name, []byte(threadJSON), 0o644); err != nil {
			t.Fatalf("write thread metadata: %v", err)
		}
	}

	th1 := buildStreamBytes(
		buildEventBytes('O', ovniCatLifecycle, byte(TriggerExecute), 10, encodeInt32Payload(0)),
		buildEventBytes('O', ovniCatLifecycle, byte(TriggerEnd), 50, nil),
	)
	th2 := buildStreamBytes(
		buildEventBytes('O', ovniCatLifecycle, byte(TriggerExecute), 20, encodeInt32Payload(0)),
		buildEventBytes('O', ovniCatLifecycle, byte(TriggerEnd), 60, nil),
	)
	if err := os.WriteFile(filepath.Join(procDir, "thread.1.obs"), th1, 0o644); err != nil {
		t.Fatalf("write thread 1 obs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(procDir, "thread.2.obs"), th2, 0o644); err != nil {
		t.Fatalf("write thread 2 obs: %v", err)
	}
	return root
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestEmulatorEndToEndOversubscription(t *testing.T) {
	tracedir := writeEmulatorFixture(t)
	outdir := t.TempDir()

	emu, err := NewEmulator(Config{TraceDir: tracedir, OutDir: outdir})
	if err != nil {
		t.Fatalf("NewEmulator: %v", err)
	}
	if err := emu.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := emu.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	cpuPRV, err := os.ReadFile(filepath.Join(outdir, "cpu.prv"))
	if err != nil {
		t.Fatalf("read cpu.prv: %v", err)
	}
	if !strings.Contains(string(cpuPRV), ":"+itoa(valueBadEncoded)+"\n") {
		t.Fatalf("expected an OVERSUBSCRIBED (%d) row in cpu.prv while both threads run, got:\n%s", valueBadEncoded, cpuPRV)
	}

	threadPRV, err := os.ReadFile(filepath.Join(outdir, "thread.prv"))
	if err != nil {
		t.Fatalf("read thread.prv: %v", err)
	}
	if len(threadPRV) == 0 {
		t.Fatal("expected non-empty thread.prv")
	}

	for _, name := range []string{"thread.pcf", "cpu.pcf"} {
		if _, err := os.Stat(filepath.Join(outdir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
}

func writeUnknownModelFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	procDir := filepath.Join(root, "loom.node01.0", "proc.100")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	procJSON := `{"version":1,"app_id":1,"cpus":[{"index":0,"phyid":0}]}`
	if err := os.WriteFile(filepath.Join(procDir, "metadata.json"), []byte(procJSON), 0o644); err != nil {
		t.Fatalf("write process metadata: %v", err)
	}
	threadJSON := `{"version":1,"ovni":{"lib":{"version":"1.0.0"},"require":{"ovni":"1.0.0"}}}`
	if err := os.WriteFile(filepath.Join(procDir, "thread.1.json"), []byte(threadJSON), 0o644); err != nil {
		t.Fatalf("write thread metadata: %v", err)
	}

	// A well-formed event tagged with a model byte ('Z') no registered model
	// claims, sandwiched between two legitimate ovni lifecycle events.
	th1 := buildStreamBytes(
		buildEventBytes('O', ovniCatLifecycle, byte(TriggerExecute), 10, encodeInt32Payload(0)),
		buildEventBytes('Z', 'x', 1, 20, nil),
		buildEventBytes('O', ovniCatLifecycle, byte(TriggerEnd), 30, nil),
	)
	if err := os.WriteFile(filepath.Join(procDir, "thread.1.obs"), th1, 0o644); err != nil {
		t.Fatalf("write thread 1 obs: %v", err)
	}
	return root
}

func TestEmulatorUnknownModelByteWarnsAndSkipsByDefault(t *testing.T) {
	tracedir := writeUnknownModelFixture(t)
	outdir := t.TempDir()

	emu, err := NewEmulator(Config{TraceDir: tracedir, OutDir: outdir})
	if err != nil {
		t.Fatalf("NewEmulator: %v", err)
	}
	if err := emu.Run(); err != nil {
		t.Fatalf("Run: expected unknown model byte to be a non-fatal warning, got %v", err)
	}
	if err := emu.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestEmulatorUnknownModelByteFatalInStrictMode(t *testing.T) {
	tracedir := writeUnknownModelFixture(t)
	outdir := t.TempDir()

	emu, err := NewEmulator(Config{TraceDir: tracedir, OutDir: outdir, Strict: true})
	if err != nil {
		t.Fatalf("NewEmulator: %v", err)
	}
	if err := emu.Run(); !isKind(err, KindModelMissing) {
		t.Fatalf("expected KindModelMissing in strict mode, got %v", err)
	}
}

func TestEmulatorStrictModeCleanTraceSucceeds(t *testing.T) {
	tracedir := writeEmulatorFixture(t)
	outdir := t.TempDir()

	emu, err := NewEmulator(Config{TraceDir: tracedir, OutDir: outdir, Strict: true})
	if err != nil {
		t.Fatalf("NewEmulator: %v", err)
	}
	if err := emu.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := emu.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}
