package model

import (
	"strconv"
	"strings"
	"time"
)

// FieldDelimiter separates fields in a telemetry record
const FieldDelimiter = ","

// headerPrefix marks a CSV header line, compared case-insensitively
const headerPrefix = "ts,"

// IsHeader reports whether line is a header row rather than data
func IsHeader(line string) bool {
	return strings.HasPrefix(strings.ToLower(line), headerPrefix)
}

// RecordID returns the first field of the record, or a synthetic id derived
// from now when the first field is empty.
func RecordID(line string, now time.Time) string {
	first := line
	if i := strings.Index(line, FieldDelimiter); i >= 0 {
		first = line[:i]
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return "auto-" + strconv.FormatInt(now.UnixNano(), 10)
	}
	return first
}

// Annotate appends a trailing reason annotation, preserving the original fields verbatim
func Annotate(line string, reason Outcome) string {
	return line + FieldDelimiter + "reason=" + string(reason)
}
