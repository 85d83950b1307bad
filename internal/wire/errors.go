package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for framing failures.
var (
	ErrTooLarge     = errors.New("wire: message exceeds size limit")
	ErrUnknownCodec = errors.New("wire: unknown codec")
	ErrTrailingData = errors.New("wire: trailing bytes after message")
)

// ParseError indicates a failure to parse a message field. It records which
// field was being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
