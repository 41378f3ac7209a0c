package ovniemu

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoomKey identifies a loom for clock-offset lookup purposes.
type LoomKey struct {
	Hostname string
	LoomID   string
}

// ClockOffsetTable maps a loom to the nanosecond offset added to its raw
// stream clocks to bring it into the synchronized timeline (§3, §6). A
// loom absent from the table gets offset 0.
type ClockOffsetTable struct {
	offsets map[LoomKey]int64
}

// NewClockOffsetTable returns an empty table (every loom offset 0), used
// when no `-c` file is given.
func NewClockOffsetTable() *ClockOffsetTable {
	return &ClockOffsetTable{offsets: make(map[LoomKey]int64)}
}

// LoadClockOffsetTable parses the table from path.
func LoadClockOffsetTable(path string) (*ClockOffsetTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ovniemu: open clock offset table %s: %w", path, err)
	}
	defer f.Close()
	return ParseClockOffsetTable(f)
}

// ParseClockOffsetTable parses lines of the form `<hostname> <loomid> <offset_ns>`.
// Blank lines and lines starting with '#' are ignored.
func ParseClockOffsetTable(r io.Reader) (*ClockOffsetTable, error) {
	t := NewClockOffsetTable()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("ovniemu: clock offset table line %d: expected 3 fields, got %d", line, len(fields))
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ovniemu: clock offset table line %d: bad offset %q: %w", line, fields[2], err)
		}
		t.offsets[LoomKey{Hostname: fields[0], LoomID: fields[1]}] = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ovniemu: clock offset table: %w", err)
	}
	return t, nil
}

// Lookup returns the offset for (hostname, loomid), or 0 if absent.
func (t *ClockOffsetTable) Lookup(hostname, loomID string) int64 {
	if t == nil {
		return 0
	}
	return t.offsets[LoomKey{Hostname: hostname, LoomID: loomID}]
}
