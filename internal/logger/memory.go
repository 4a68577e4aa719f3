package logger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log record, as returned by the GetLogs API
// command.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

// MemoryRing keeps the most recent info-and-above log lines in a fixed
// ring. It plugs into zerolog as an additional level writer; raw JSON
// lines are stored and parsed lazily on read.
type MemoryRing struct {
	mu    sync.Mutex
	lines []ringLine
	next  int
	full  bool
}

type ringLine struct {
	at    time.Time
	level zerolog.Level
	raw   []byte
}

// NewMemoryRing returns a ring holding up to capacity entries.
func NewMemoryRing(capacity int) *MemoryRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryRing{lines: make([]ringLine, capacity)}
}

func (r *MemoryRing) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel records lines at info level and above.
func (r *MemoryRing) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.InfoLevel {
		return len(p), nil
	}
	line := ringLine{at: time.Now(), level: level, raw: append([]byte(nil), p...)}

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Entries returns the stored records, oldest first.
func (r *MemoryRing) Entries() []Entry {
	r.mu.Lock()
	var ordered []ringLine
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}
	r.mu.Unlock()

	entries := make([]Entry, 0, len(ordered))
	for _, line := range ordered {
		var fields struct {
			Component string `json:"component"`
			Message   string `json:"message"`
		}
		// Best effort; a line that fails to parse still surfaces raw.
		if err := json.Unmarshal(line.raw, &fields); err != nil {
			fields.Message = string(line.raw)
		}
		entries = append(entries, Entry{
			Time:      line.at,
			Level:     line.level.String(),
			Component: fields.Component,
			Message:   fields.Message,
		})
	}
	return entries
}

// Len reports how many entries are currently held.
func (r *MemoryRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}
