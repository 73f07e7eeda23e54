package vfs

import "time"

// TimeFormat is the canonical entity timestamp layout: UTC ISO-8601 with
// millisecond precision. folder_items rows use integer unix milliseconds
// instead; the two representations must never be conflated.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// NowISO returns the current time in the canonical entity format.
func NowISO() string {
	return time.Now().UTC().Format(TimeFormat)
}

// NowMillis returns the current time as unix milliseconds, the folder_items
// timestamp representation.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NowStamps returns one instant in both representations. Cascades that
// stamp folders and folder_items together must use this so the two rows
// carry the same instant and can be matched up again on restore.
func NowStamps() (string, int64) {
	now := time.Now()
	return now.UTC().Format(TimeFormat), now.UnixMilli()
}

// ParseISO parses a canonical entity timestamp.
func ParseISO(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}
