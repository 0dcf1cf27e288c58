package consensus

import (
	"fmt"
)

// recoverable inbound-message errors. These never escape the engine's
// dispatch; they select a drop path and a counter

// unparseable envelope, bad signature, or non-member sender
type MalformedEnvelopeError string

func (e MalformedEnvelopeError) Error() string { return string(e) }

func NewMalformedEnvelopeError(format string, args ...interface{}) MalformedEnvelopeError {
	return MalformedEnvelopeError(fmt.Sprintf(format, args...))
}

// watermark violation or wrong view
type OutOfWindowError string

func (e OutOfWindowError) Error() string { return string(e) }

func NewOutOfWindowError(format string, args ...interface{}) OutOfWindowError {
	return OutOfWindowError(fmt.Sprintf(format, args...))
}

// message contradicting recorded state, a byzantine signal
type ConflictError string

func (e ConflictError) Error() string { return string(e) }

func NewConflictError(format string, args ...interface{}) ConflictError {
	return ConflictError(fmt.Sprintf(format, args...))
}
