// Package journal persists the server's audit trail: finished requests,
// issued request ids, connections, start/stop events and registered ids.
package journal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the layout of the timestamp field in every journal line
const TimestampLayout = "02.01.2006[15:04:05]"

// FieldSeparator joins the fields of one journal line
const FieldSeparator = "$"

var (
	ErrClosed          = errors.New("journal is closed")
	ErrUnknownCategory = errors.New("unknown journal category")
)

// Category selects one of the journal's append-only logs
type Category uint8

const (
	FinishedRequests Category = iota
	CommandIds
	Connections
	OnOff
	RegisteredIds
)

var categoryNames = [...]string{
	FinishedRequests: "finished_requests",
	CommandIds:       "command_ids",
	Connections:      "connections",
	OnOff:            "on_off",
	RegisteredIds:    "registered_ids",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	return int(c) < len(categoryNames)
}

// Categories returns every category in declaration order
func Categories() []Category {
	cats := make([]Category, len(categoryNames))
	for i := range cats {
		cats[i] = Category(i)
	}
	return cats
}

// Journal is the audit log the server core writes to. Implementations must be
// safe for concurrent use.
type Journal interface {
	// Record appends one line to the category's log
	Record(c Category, line string) error
	// ClearAndRecord replaces the category's log with a single line
	ClearAndRecord(c Category, line string) error
	// ReadAll returns the category's log, one newline-terminated line per record
	ReadAll(c Category) (string, error)
	// Close flushes and releases the journal
	Close() error
}

// FormatTimestamp renders t in the journal timestamp layout
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Line joins fields with the field separator
func Line(fields ...string) string {
	return strings.Join(fields, FieldSeparator)
}

// Lines splits the output of ReadAll into records, dropping empty lines
func Lines(content string) []string {
	var lines []string
	for _, l := range strings.Split(content, "\n") {
		l = strings.TrimSuffix(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// LastLine returns the last record of a ReadAll output, or "" if there is none
func LastLine(content string) string {
	lines := Lines(content)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// ValidateLine rejects lines that would split into several records
func ValidateLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("journal line contains a line break: %q", line)
	}
	return nil
}
