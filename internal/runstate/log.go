package runstate

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Event identifies the kind of record appended to the Run-State Log.
type Event string

const (
	EventStarted         Event = "started"
	EventIter            Event = "iter"
	EventCompleted       Event = "completed"
	EventFailed          Event = "failed"
	EventSkipped         Event = "skipped"
	EventSubphaseSpawned Event = "subphase_spawned"
	EventCompacted       Event = "compacted"
)

// Entry is one parsed line of the Run-State Log:
// <timestamp>|<phase>|<event>|<payload>.
type Entry struct {
	Timestamp time.Time
	Phase     string
	Event     Event
	Payload   string // opaque JSON; not decoded by the log itself
}

// Log is the append-only Run-State Log. Writes are serialized by mu, held
// only for the duration of a single line append, preserving single-writer
// discipline.
type Log struct {
	mu   sync.Mutex
	path string
}

// Open returns a Log bound to path. The file is created on first Append if
// it does not already exist; Open itself performs no I/O.
func Open(path string) *Log {
	return &Log{path: path}
}

// Append writes one line-atomic record to the log: open-append-newline,
// guarded by the log's mutex for the duration of the write.
func (l *Log) Append(phase string, event Event, payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("runstate: opening log %q: %w", l.path, err)
	}
	defer f.Close() //nolint:errcheck

	line := fmt.Sprintf("%s|%s|%s|%s\n",
		time.Now().UTC().Format(time.RFC3339Nano), phase, event, payload)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("runstate: appending to log %q: %w", l.path, err)
	}
	return nil
}

// Read parses every record currently in the log, in append order. Missing
// files return an empty slice, not an error, mirroring StateManager.Load's
// contract.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runstate: reading log %q: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("runstate: parsing log line %d: %w", lineNum, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("runstate: scanning log %q: %w", path, err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	parts := strings.SplitN(line, "|", 4)
	if len(parts) < 3 {
		return Entry{}, fmt.Errorf("malformed run-state log line: %q", line)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("invalid timestamp %q: %w", parts[0], err)
	}
	entry := Entry{
		Timestamp: ts,
		Phase:     parts[1],
		Event:     Event(parts[2]),
	}
	if len(parts) == 4 {
		entry.Payload = parts[3]
	}
	return entry, nil
}

// LastStatus rebuilds, for every phase referenced in the log, its
// last-observed event -- used by the scheduler's recovery scan on resume.
func LastStatus(entries []Entry) map[string]Event {
	status := make(map[string]Event)
	for _, e := range entries {
		status[e.Phase] = e.Event
	}
	return status
}
