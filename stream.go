package ovniemu

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var streamMagic = [4]byte{'O', 'V', 'N', 'I'}

const streamVersion uint8 = 1

// Stream is one per-thread binary event stream. Once Active is false it
// must never be reactivated (§3). Clocks within one stream are
// non-decreasing by construction of the instrumentation library; the
// Player does not re-check that invariant per stream, only the merged
// cross-stream order (§4.3).
type Stream struct {
	RelPath string // identity, relative to the trace directory

	data []byte // mmap'd file contents, including the header
	file *os.File
	pos  int // byte offset of the next undecoded event

	current Event
	active  bool

	// Offset is this stream's loom's clock offset, applied to produce a
	// synchronized clock. Set once by NewEmulator after opening the stream.
	Offset int64

	// OwnerGIndex is the owning thread's global index, used only for the
	// Player's deterministic tie-break (§4.3).
	OwnerGIndex int
}

// OpenStream memory-maps path and decodes its first event.
func OpenStream(relPath, path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ovniemu: open stream %s: %w", relPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ovniemu: stat stream %s: %w", relPath, err)
	}

	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, wrapKind(KindIncompatibleTrace, "stream %s: empty file", relPath)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ovniemu: mmap stream %s: %w", relPath, err)
	}

	s, err := newStream(relPath, data)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	s.file = f
	return s, nil
}

// newStream builds a Stream over an already-available buffer (used by
// OpenStream over a real mmap, and directly by tests).
func newStream(relPath string, data []byte) (*Stream, error) {
	if len(data) < 5 {
		return nil, wrapKind(KindCorruptStream, "stream %s: file shorter than header", relPath)
	}
	if !bytes.Equal(data[0:4], streamMagic[:]) {
		return nil, wrapKind(KindIncompatibleTrace, "stream %s: bad magic %q", relPath, data[0:4])
	}
	if data[4] != streamVersion {
		return nil, wrapKind(KindIncompatibleTrace, "stream %s: unsupported version %d (want %d)", relPath, data[4], streamVersion)
	}

	s := &Stream{
		RelPath: relPath,
		data:    data,
		pos:     5,
	}
	if err := s.decodeNext(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close unmaps the underlying file, if one was mmap'd.
func (s *Stream) Close() error {
	if s.data != nil && s.file != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("ovniemu: munmap stream %s: %w", s.RelPath, err)
		}
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Active reports whether the stream still has events to give.
func (s *Stream) Active() bool { return s.active }

// Current returns the most recently decoded event. Only valid while Active.
func (s *Stream) Current() Event { return s.current }

// SyncedClock returns the current event's clock corrected by the stream's
// loom offset.
func (s *Stream) SyncedClock() int64 {
	return int64(s.current.Clock) + s.Offset
}

func (s *Stream) decodeNext() error {
	if s.pos >= len(s.data) {
		s.active = false
		return nil
	}
	ev, next, err := decodeEvent(s.data, s.pos)
	if err != nil {
		s.active = false
		return fmt.Errorf("ovniemu: stream %s: %w", s.RelPath, err)
	}
	s.current = ev
	s.pos = next
	s.active = true
	return nil
}

// Advance decodes the next event. Once the stream is exhausted, Active
// becomes false and Advance is a no-op; re-activation never happens (§3).
func (s *Stream) Advance() error {
	if !s.active {
		return nil
	}
	return s.decodeNext()
}

// BytesRead reports progress through the stream, used by the Progress
// reporter's Σ bytes_read / Σ file_size ratio (§4.3).
func (s *Stream) BytesRead() int64 { return int64(s.pos) }

// Size reports the total mapped size, including the header.
func (s *Stream) Size() int64 { return int64(len(s.data)) }
