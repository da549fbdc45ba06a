package oxidb

import (
	"errors"
	"fmt"
	"strings"
)

// Error is returned when the OxiDB server returns an error response.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("oxidb: %s", e.Msg)
}

// IsNotFound reports whether err is a server error for a missing object or
// bucket.
func IsNotFound(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	msg := strings.ToLower(e.Msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such")
}

// IsAlreadyExists reports whether err is a server error for a duplicate
// bucket.
func IsAlreadyExists(err error) bool {
	var e *Error
	return errors.As(err, &e) && strings.Contains(strings.ToLower(e.Msg), "already exists")
}

// IsDuplicate reports whether err is a unique index violation.
func IsDuplicate(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	msg := strings.ToLower(e.Msg)
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
