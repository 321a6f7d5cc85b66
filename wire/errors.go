package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for input that cannot be decoded: short buffers,
	// attributes that overrun their message, or addresses of the wrong width.
	ErrMalformed = errors.New("malformed message")
	// ErrTruncated is returned when a message carries more attributes than its
	// family's attribute table can hold.
	ErrTruncated = errors.New("attribute table overflow")
)

// DecodeError describes where decoding failed. It unwraps to ErrMalformed or ErrTruncated.
type DecodeError struct {
	Kind   error
	What   string
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s at offset %d", e.Kind, e.What, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

func malformed(what string, off int) error {
	return &DecodeError{Kind: ErrMalformed, What: what, Offset: off}
}

func truncated(what string, off int) error {
	return &DecodeError{Kind: ErrTruncated, What: what, Offset: off}
}
