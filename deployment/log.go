package deployment

import (
	"fmt"
	"strings"
	"time"
)

// Log levels recorded on entries.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// DefaultLogTailSize bounds Job.LogTail.
const DefaultLogTailSize = 20

// LogEntry is one timestamped line of job output.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Stage     Status    `json:"stage,omitempty"`
	Message   string    `json:"message"`
}

// NewLogEntry stamps a line with the current UTC time.
func NewLogEntry(stage Status, level, message string) LogEntry {
	return LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Stage:     stage,
		Message:   message,
	}
}

// String renders the entry the way full logs are returned to callers.
func (e LogEntry) String() string {
	var b strings.Builder
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339))
	if e.Stage != "" {
		fmt.Fprintf(&b, " [%s]", e.Stage)
	}
	if e.Level != "" && e.Level != LevelInfo {
		fmt.Fprintf(&b, " %s:", strings.ToUpper(e.Level))
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	return b.String()
}

// RenderLog joins entries into the full-text log format.
func RenderLog(entries []LogEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
