package state

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects a write, e.g. a
// replayed provider payment id or a referral earning for the same
// (payment, referrer) pair.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint error.
// modernc.org/sqlite surfaces these as plain errors carrying the constraint
// message, so string matching is the supported detection route.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
