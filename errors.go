package dbuswire

import (
	"fmt"

	"github.com/danderson/dbuswire/fragments"
)

// A DecodeError reports wire data that violates the DBus
// specification, along with the input offset of the violation.
type DecodeError = fragments.DecodeError

// An EncodeError reports a message or value that cannot be
// represented in the DBus wire format.
type EncodeError struct {
	Reason string
}

func (e EncodeError) Error() string {
	return "encode error: " + e.Reason
}

func encodeErr(format string, args ...any) error {
	return EncodeError{fmt.Sprintf(format, args...)}
}
