package storage

import (
	"errors"
	"strings"
)

// Storage error constants
var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation is returned when a uniqueness or foreign key constraint is violated
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrCacheOverlap is raised by the analyses insert trigger
	ErrCacheOverlap = errors.New("analysis cache overlap")
)

// IsUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY constraint
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// IsForeignKeyViolation reports whether err came from a FOREIGN KEY constraint
func IsForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsCacheOverlap reports whether err came from the analysis cache gate
func IsCacheOverlap(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCacheOverlap) || strings.Contains(err.Error(), ErrCacheOverlap.Error())
}
