package ovniemu

import "encoding/binary"

// Event header layout, little-endian, 16 bytes total:
//
//	flags    u8   // low nibble: inline payload length-1 (0 => no payload); bit 0x80: jumbo
//	model    u8
//	category u8
//	value    u8
//	clock    u64  // raw, stream-local clock
//	_        [4]byte // reserved, ignored
const eventHeaderSize = 16

const (
	flagJumbo   byte = 0x80
	flagLenMask byte = 0x0f
	// flagKnownMask is every bit this emulator interprets. Any other set bit
	// is a forward-compatible extension we don't understand yet; the
	// emulator accepts it with a warning, or rejects it in strict mode (§4.1).
	flagKnownMask = flagJumbo | flagLenMask
)

// MCV is the tri-byte routing key (model, category, value) used both to
// dispatch an event to its owning model and, within a model, to its
// specific handler.
type MCV struct {
	Model    byte
	Category byte
	Value    byte
}

// Event is one decoded instrumentation event. Payload aliases the stream's
// mapped buffer and must not be retained once the stream advances past it;
// callers that need to keep payload bytes around must copy them.
type Event struct {
	Flags   byte
	MCV     MCV
	Clock   uint64 // raw clock, not yet corrected by the loom's offset
	Payload []byte
}

// UnknownFlagBits returns any flag bits this decoder does not interpret.
// A nonzero result is a warn-and-accept condition outside linter mode.
func (e Event) UnknownFlagBits() byte {
	return e.Flags &^ flagKnownMask
}

// IsJumbo reports whether the event used the 4-byte length-prefixed payload
// form rather than the inline nibble-length form.
func (e Event) IsJumbo() bool {
	return e.Flags&flagJumbo != 0
}

// decodeEvent decodes one event starting at buf[off:] and returns it along
// with the offset of the next event. buf is the whole mapped stream; the
// returned Event.Payload aliases it.
func decodeEvent(buf []byte, off int) (Event, int, error) {
	if off+eventHeaderSize > len(buf) {
		return Event{}, off, wrapKind(KindCorruptStream,
			"event header truncated: need %d bytes at offset %d, have %d", eventHeaderSize, off, len(buf)-off)
	}

	flags := buf[off]
	ev := Event{
		Flags: flags,
		MCV: MCV{
			Model:    buf[off+1],
			Category: buf[off+2],
			Value:    buf[off+3],
		},
		Clock: binary.LittleEndian.Uint64(buf[off+4 : off+12]),
	}
	cursor := off + eventHeaderSize

	if flags&flagJumbo != 0 {
		if cursor+4 > len(buf) {
			return Event{}, off, wrapKind(KindCorruptStream,
				"jumbo payload length truncated at offset %d", cursor)
		}
		n := int(binary.LittleEndian.Uint32(buf[cursor : cursor+4]))
		cursor += 4
		if n < 0 || cursor+n > len(buf) {
			return Event{}, off, wrapKind(KindCorruptStream,
				"jumbo payload truncated: need %d bytes at offset %d, have %d", n, cursor, len(buf)-cursor)
		}
		if n > 0 {
			ev.Payload = buf[cursor : cursor+n]
		}
		cursor += n
		return ev, cursor, nil
	}

	nibble := flags & flagLenMask
	n := 0
	if nibble != 0 {
		n = int(nibble) + 1
	}
	if cursor+n > len(buf) {
		return Event{}, off, wrapKind(KindCorruptStream,
			"payload truncated: need %d bytes at offset %d, have %d", n, cursor, len(buf)-cursor)
	}
	if n > 0 {
		ev.Payload = buf[cursor : cursor+n]
	}
	cursor += n
	return ev, cursor, nil
}
