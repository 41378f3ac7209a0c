package ovniemu

import "testing"

func mustStream(t *testing.T, relPath string, gindex int, events ...[]byte) *Stream {
	t.Helper()
	s, err := newStream(relPath, buildStreamBytes(events...))
	if err != nil {
		t.Fatalf("newStream: %v", err)
	}
	s.OwnerGIndex = gindex
	return s
}

func TestPlayerOrdersByClockAcrossStreams(t *testing.T) {
	s0 := mustStream(t, "a", 0,
		buildEventBytes('O', 'H', 'x', 10, nil),
		buildEventBytes('O', 'H', 'e', 30, nil),
	)
	s1 := mustStream(t, "b", 1,
		buildEventBytes('O', 'H', 'x', 20, nil),
	)

	p := NewPlayer([]*Stream{s0, s1}, false)
	wantClocks := []int64{10, 20, 30}
	for i, want := range wantClocks {
		_, _, clock, done, err := p.Step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if done {
			t.Fatalf("step %d: unexpected done", i)
		}
		if clock != want {
			t.Fatalf("step %d: clock got %d, want %d", i, clock, want)
		}
	}
	_, _, _, done, err := p.Step()
	if err != nil {
		t.Fatalf("final step: %v", err)
	}
	if !done {
		t.Fatal("expected done after all events consumed")
	}
}

func TestPlayerTieBreaksByOwnerGIndex(t *testing.T) {
	s0 := mustStream(t, "a", 5, buildEventBytes('O', 'H', 'x', 100, nil))
	s1 := mustStream(t, "b", 1, buildEventBytes('O', 'H', 'x', 100, nil))

	p := NewPlayer([]*Stream{s0, s1}, false)
	_, stream, _, done, err := p.Step()
	if err != nil || done {
		t.Fatalf("step: done=%v err=%v", done, err)
	}
	if stream.OwnerGIndex != 1 {
		t.Fatalf("expected lower gindex stream first, got %d", stream.OwnerGIndex)
	}
}

// A single stream whose second event carries a lower clock than its first
// simulates a misbehaving instrumentation library (§4.3 "regression" edge
// case) without needing the heap itself to misorder active streams.
func TestPlayerClockRegressionTolerant(t *testing.T) {
	s := mustStream(t, "a", 0,
		buildEventBytes('O', 'H', 'x', 100, nil),
		buildEventBytes('O', 'H', 'e', 50, nil),
	)
	p := NewPlayer([]*Stream{s}, false)
	if _, _, _, _, err := p.Step(); err != nil {
		t.Fatalf("first step: %v", err)
	}
	if _, _, _, _, err := p.Step(); err != nil {
		t.Fatalf("second step: %v", err)
	}
	if p.Regressions() != 1 {
		t.Fatalf("expected 1 tolerated regression, got %d", p.Regressions())
	}
}

func TestPlayerClockRegressionStrictFails(t *testing.T) {
	s := mustStream(t, "a", 0,
		buildEventBytes('O', 'H', 'x', 100, nil),
		buildEventBytes('O', 'H', 'e', 50, nil),
	)
	p := NewPlayer([]*Stream{s}, true)
	if _, _, _, _, err := p.Step(); err != nil {
		t.Fatalf("first step: %v", err)
	}
	if _, _, _, _, err := p.Step(); !isKind(err, KindClockRegression) {
		t.Fatalf("expected KindClockRegression, got %v", err)
	}
}

func TestPlayerEmptyStreamsExcluded(t *testing.T) {
	empty := mustStream(t, "empty", 0)
	p := NewPlayer([]*Stream{empty}, false)
	if p.Len() != 0 {
		t.Fatalf("expected 0 active streams, got %d", p.Len())
	}
	_, _, _, done, err := p.Step()
	if err != nil || !done {
		t.Fatalf("expected immediate done, got done=%v err=%v", done, err)
	}
}
