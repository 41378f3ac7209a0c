package ovniemu

import "fmt"

// Model is one event-model plugin, dispatched by the model byte of an
// event's MCV (§4.8). Each lifecycle callback mirrors the original
// emulator's probe/create/connect/event/finish stages: Probe decides
// whether the model's events are present in this trace at all; Create
// allocates the model's per-entity channels and tracks; Connect wires them
// into the Bay (the Emulator subscribes the Output Writer to them afterwards,
// in wireWriter); Event handles one decoded
// event; Finish runs once after the last event, for any model that needs to
// emit a closing row or final check.
type Model interface {
	Name() string
	Tag() byte
	Version() string
	// Depends lists the tags of models this one requires to be enabled.
	Depends() []byte

	Probe(emu *Emulator) (bool, error)
	Create(emu *Emulator) error
	Connect(emu *Emulator) error
	Event(emu *Emulator, ev Event, th *Thread) error
	Finish(emu *Emulator) error
}

// Registry holds every registered model in registration order, and tracks
// which ones are enabled for the current trace (§4.8).
type Registry struct {
	models  []Model
	byTag   map[byte]Model
	slotOf  map[byte]int
	enabled map[byte]bool
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:   make(map[byte]Model),
		slotOf:  make(map[byte]int),
		enabled: make(map[byte]bool),
	}
}

// Register adds m to the registry in call order and returns its dense slot
// id, used to index the per-entity extSlots arrays (Thread, Process, Loom,
// CPU) that models use to stash their own channels and tracks.
func (r *Registry) Register(m Model) int {
	id := len(r.models)
	r.models = append(r.models, m)
	r.byTag[m.Tag()] = m
	r.slotOf[m.Tag()] = id
	return id
}

// SlotOf returns the dense slot id assigned to the model registered under tag.
func (r *Registry) SlotOf(tag byte) int { return r.slotOf[tag] }

// Enabled reports whether the model registered under tag survived probing
// and dependency negotiation.
func (r *Registry) Enabled(tag byte) bool { return r.enabled[tag] }

// ModelByTag looks up a registered model by its tag byte.
func (r *Registry) ModelByTag(tag byte) (Model, bool) {
	m, ok := r.byTag[tag]
	return m, ok
}

// Probe runs each model's presence probe, then cascades dependency disables
// to a fixpoint: a model whose dependency is missing or itself disabled is
// force-disabled, even if its own probe found matching events. This is the
// dependency half of the model "dependency and version negotiation" (§4.8
// supplement; CheckVersion is the version half): a trace missing a
// dependency loses the dependent model's rows, with a logged warning,
// rather than failing the whole run, unless the caller is running in strict
// mode and treats the resulting KindModelMissing as fatal.
func (r *Registry) Probe(emu *Emulator) error {
	for _, m := range r.models {
		present, err := m.Probe(emu)
		if err != nil {
			return fmt.Errorf("model %s: probe: %w", m.Name(), err)
		}
		r.enabled[m.Tag()] = present
	}

	for changed := true; changed; {
		changed = false
		for _, m := range r.models {
			if !r.enabled[m.Tag()] {
				continue
			}
			for _, dep := range m.Depends() {
				if !r.enabled[dep] {
					emu.Logger().Warn("disabling model, missing dependency",
						"model", m.Name(), "depends_on", string(dep))
					r.enabled[m.Tag()] = false
					changed = true
					break
				}
			}
		}
	}
	return nil
}

// forceEnableAll marks every registered model enabled, skipping Probe and
// its dependency cascade entirely (`-a`, §6).
func (r *Registry) forceEnableAll() {
	for _, m := range r.models {
		r.enabled[m.Tag()] = true
	}
}

// Create runs Create on every enabled model, in registration order.
func (r *Registry) Create(emu *Emulator) error {
	for _, m := range r.models {
		if !r.enabled[m.Tag()] {
			continue
		}
		if err := m.Create(emu); err != nil {
			return fmt.Errorf("model %s: create: %w", m.Name(), err)
		}
	}
	return nil
}

// Connect runs Connect on every enabled model, in registration order.
func (r *Registry) Connect(emu *Emulator) error {
	for _, m := range r.models {
		if !r.enabled[m.Tag()] {
			continue
		}
		if err := m.Connect(emu); err != nil {
			return fmt.Errorf("model %s: connect: %w", m.Name(), err)
		}
	}
	return nil
}

// Dispatch routes a decoded event to its model's Event callback. An unknown
// or disabled model byte comes back as KindModelMissing; the caller
// (Emulator.Step) decides whether that is fatal or a warn-and-skip,
// depending on strict mode (§4.8, §7).
func (r *Registry) Dispatch(emu *Emulator, ev Event, th *Thread) error {
	m, ok := r.byTag[ev.MCV.Model]
	if !ok || !r.enabled[ev.MCV.Model] {
		return wrapKind(KindModelMissing, "event model %q has no enabled handler", rune(ev.MCV.Model))
	}
	return m.Event(emu, ev, th)
}

// Finish runs Finish on every enabled model, in registration order.
func (r *Registry) Finish(emu *Emulator) error {
	for _, m := range r.models {
		if !r.enabled[m.Tag()] {
			continue
		}
		if err := m.Finish(emu); err != nil {
			return fmt.Errorf("model %s: finish: %w", m.Name(), err)
		}
	}
	return nil
}

// traceHasModelTag reports whether any thread's stream contains at least
// one event whose model byte is tag, scanning each stream's already-mapped
// bytes independently of the live playback cursor (§4.8 supplement: a
// secondary model probes the raw trace, not just its own metadata).
func traceHasModelTag(emu *Emulator, tag byte) (bool, error) {
	for _, th := range emu.System.Threads {
		if th.Stream == nil {
			continue
		}
		found, err := streamHasModelTag(th.Stream, tag)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// streamHasModelTag walks s's mapped bytes from the start, independent of
// s's live read cursor, looking for any event with the given model byte.
func streamHasModelTag(s *Stream, tag byte) (bool, error) {
	pos := 5
	for pos < len(s.data) {
		ev, next, err := decodeEvent(s.data, pos)
		if err != nil {
			return false, fmt.Errorf("ovniemu: stream %s: probe scan: %w", s.RelPath, err)
		}
		if ev.MCV.Model == tag {
			return true, nil
		}
		pos = next
	}
	return false, nil
}

// CheckVersion compares th's declared library requirement for m against the
// version m implements. A mismatch is a warning unless the emulator is
// running in strict (linter) mode, in which case it is fatal.
func (r *Registry) CheckVersion(emu *Emulator, m Model, th *Thread) error {
	want, ok := th.Meta.Ovni.Require[m.Name()]
	if !ok || want == m.Version() {
		return nil
	}
	if emu.Strict {
		return wrapKind(KindModelMissing,
			"model %s: thread tid=%d requires version %s, emulator implements %s",
			m.Name(), th.TID, want, m.Version())
	}
	emu.Logger().Warn("model version mismatch",
		"model", m.Name(), "tid", th.TID, "required", want, "implemented", m.Version())
	return nil
}
