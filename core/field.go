package core

import (
	"bytes"
	"encoding/json"
)

// fieldState tracks whether an update payload mentioned a field at all.
type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldNull
	fieldValue
)

// Field is a three-state update payload value: Unset (the caller did not mention
// the field), Null (the caller wants it cleared) or a present value.
// The zero value is Unset, so omitted JSON keys leave it untouched.
type Field[T any] struct {
	state fieldState
	value T
}

// Set returns a Field holding v.
func Set[T any](v T) Field[T] {
	return Field[T]{state: fieldValue, value: v}
}

// Null returns a Field asking for the stored value to be cleared.
func Null[T any]() Field[T] {
	return Field[T]{state: fieldNull}
}

// IsSet reports whether the caller mentioned the field (null or a value).
func (f Field[T]) IsSet() bool { return f.state != fieldUnset }

// IsNull reports whether the caller explicitly sent null.
func (f Field[T]) IsNull() bool { return f.state == fieldNull }

// IsZero lets encoding/json omit unset fields with the omitzero option.
func (f Field[T]) IsZero() bool { return f.state == fieldUnset }

// Value returns the present value and true, or the zero T and false for Unset and Null.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.state == fieldValue
}

// Ptr returns nil for Null, a pointer to the value otherwise. Callers check IsSet first.
func (f Field[T]) Ptr() *T {
	if f.state != fieldValue {
		return nil
	}
	v := f.value
	return &v
}

// UnmarshalJSON is only invoked for keys present in the document, which is what
// separates Unset from Null.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		f.state, f.value = fieldNull, zero
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	f.state, f.value = fieldValue, v
	return nil
}

// MarshalJSON renders Null and Unset as null.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state != fieldValue {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}
