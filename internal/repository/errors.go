package repository

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a query matches no row.
	ErrNotFound = errors.New("not found")
	// ErrMultipleMatches is returned when a query expected to match at most
	// one row matched several (ambiguous repository state).
	ErrMultipleMatches = errors.New("multiple matches")
)

// isUniqueViolation reports whether err is a Postgres duplicate-key error.
// The persister resolves these races by fetching the winning row.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

// IsUniqueViolation exposes the duplicate-key check for callers outside the
// package.
func IsUniqueViolation(err error) bool {
	return isUniqueViolation(err)
}
