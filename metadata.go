package ovniemu

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ProcessMetadata is the decoded contents of a proc.<pid>/metadata.json file.
type ProcessMetadata struct {
	Version int           `json:"version"`
	AppID   int           `json:"app_id"`
	Rank    *int          `json:"rank,omitempty"`
	NRanks  *int          `json:"nranks,omitempty"`
	CPUs    []CPUMetadata `json:"cpus"`
}

// CPUMetadata is one entry of a process's declared CPU list.
type CPUMetadata struct {
	Index int `json:"index"`
	PhyID int `json:"phyid"`
}

// ThreadMetadata is the decoded contents of a thread.<tid>.json file.
type ThreadMetadata struct {
	Version int  `json:"version"`
	Ovni    Ovni `json:"ovni"`
}

// Ovni is the `ovni` key of a thread's metadata sidecar: instrumentation
// library version, per-model required versions, and a finished flag set
// by the library when the thread shut down cleanly.
type Ovni struct {
	Lib      LibMetadata       `json:"lib"`
	Require  map[string]string `json:"require"`
	Finished bool              `json:"finished"`
}

// LibMetadata identifies the instrumentation library build that produced a stream.
type LibMetadata struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// StreamMeta bundles one thread's stream path with the identity and
// metadata needed by the System Builder (§4.2): which loom, which
// process, which thread, and the process's declared CPU list.
type StreamMeta struct {
	RelPath string // identity, relative to the trace directory
	ObsPath string // absolute path to the .obs file

	Hostname string
	LoomID   string

	PID     int
	Process ProcessMetadata

	TID    int
	Thread ThreadMetadata
}

// DiscoverTrace walks tracedir for the `loom.<hostname>.<loom-id>/proc.<pid>/`
// layout (§6) and returns one StreamMeta per thread.<tid>.obs file found.
// It does not open or decode any stream; that is OpenStream's job.
func DiscoverTrace(tracedir string) ([]StreamMeta, error) {
	loomEntries, err := os.ReadDir(tracedir)
	if err != nil {
		return nil, fmt.Errorf("ovniemu: read trace dir %s: %w", tracedir, err)
	}

	var metas []StreamMeta
	for _, loomEnt := range loomEntries {
		if !loomEnt.IsDir() {
			continue
		}
		hostname, loomID, ok := parseLoomDir(loomEnt.Name())
		if !ok {
			continue
		}
		loomPath := filepath.Join(tracedir, loomEnt.Name())

		procEntries, err := os.ReadDir(loomPath)
		if err != nil {
			return nil, fmt.Errorf("ovniemu: read loom dir %s: %w", loomPath, err)
		}
		for _, procEnt := range procEntries {
			if !procEnt.IsDir() {
				continue
			}
			pid, ok := parseProcDir(procEnt.Name())
			if !ok {
				continue
			}
			procPath := filepath.Join(loomPath, procEnt.Name())

			procMeta, err := readProcessMetadata(filepath.Join(procPath, "metadata.json"))
			if err != nil {
				return nil, err
			}

			threadFiles, err := os.ReadDir(procPath)
			if err != nil {
				return nil, fmt.Errorf("ovniemu: read proc dir %s: %w", procPath, err)
			}
			for _, tf := range threadFiles {
				if tf.IsDir() {
					continue
				}
				tid, ok := parseThreadObsFile(tf.Name())
				if !ok {
					continue
				}
				jsonPath := filepath.Join(procPath, fmt.Sprintf("thread.%d.json", tid))
				threadMeta, err := readThreadMetadata(jsonPath)
				if err != nil {
					return nil, err
				}

				obsPath := filepath.Join(procPath, tf.Name())
				relPath, err := filepath.Rel(tracedir, obsPath)
				if err != nil {
					relPath = obsPath
				}

				metas = append(metas, StreamMeta{
					RelPath:  relPath,
					ObsPath:  obsPath,
					Hostname: hostname,
					LoomID:   loomID,
					PID:      pid,
					Process:  procMeta,
					TID:      tid,
					Thread:   threadMeta,
				})
			}
		}
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].RelPath < metas[j].RelPath
	})

	return metas, nil
}

func readProcessMetadata(path string) (ProcessMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProcessMetadata{}, wrapKind(KindInvalidSystem, "read %s: %v", path, err)
	}
	var m ProcessMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return ProcessMetadata{}, wrapKind(KindInvalidSystem, "parse %s: %v", path, err)
	}
	return m, nil
}

func readThreadMetadata(path string) (ThreadMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ThreadMetadata{}, wrapKind(KindInvalidSystem, "read %s: %v", path, err)
	}
	var m ThreadMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return ThreadMetadata{}, wrapKind(KindInvalidSystem, "parse %s: %v", path, err)
	}
	return m, nil
}

// parseLoomDir parses "loom.<hostname>.<loom-id>". The loom id is assumed
// to carry no dots (it is a small integer in every trace seen in practice),
// so it is taken as the final dot-separated component and the hostname is
// everything in between (hostnames themselves may be dotted FQDNs).
func parseLoomDir(name string) (hostname, loomID string, ok bool) {
	rest, ok := strings.CutPrefix(name, "loom.")
	if !ok {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ".")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// parseProcDir parses "proc.<pid>".
func parseProcDir(name string) (pid int, ok bool) {
	rest, ok := strings.CutPrefix(name, "proc.")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseThreadObsFile parses "thread.<tid>.obs".
func parseThreadObsFile(name string) (tid int, ok bool) {
	rest, ok := strings.CutPrefix(name, "thread.")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".obs")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
