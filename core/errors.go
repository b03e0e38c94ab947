package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Error taxonomy shared by storage, service and api layers.
var (
	// ErrUUIDNotFound is returned when a referenced identity does not exist
	ErrUUIDNotFound = errors.New("uuid not found in database")

	// ErrValueNotFound is returned when a referenced natural key (tag, queue, type...) does not exist
	ErrValueNotFound = errors.New("value not found in database")

	// ErrVersionMismatch is returned when the supplied version does not match the stored one
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrInvalidField is returned when a payload field holds a value the node cannot accept
	ErrInvalidField = errors.New("invalid field")

	// ErrDuplicateUUID is returned when a caller-supplied uuid already belongs to another node
	ErrDuplicateUUID = errors.New("uuid already exists")
)

// UUIDNotFound builds an ErrUUIDNotFound for the given kind of node.
func UUIDNotFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("%w: %s %s", ErrUUIDNotFound, kind, id)
}

// ValueNotFound builds an ErrValueNotFound naming every missing value.
func ValueNotFound(kind string, values ...string) error {
	return fmt.Errorf("%w: %s %s", ErrValueNotFound, kind, strings.Join(values, ", "))
}

// VersionMismatch builds an ErrVersionMismatch for a stale precondition.
func VersionMismatch(kind string, id, expected, actual uuid.UUID) error {
	return fmt.Errorf("%w: %s %s has version %s, request expected %s", ErrVersionMismatch, kind, id, actual, expected)
}

// InvalidField builds an ErrInvalidField for the named field.
func InvalidField(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidField, field, reason)
}
