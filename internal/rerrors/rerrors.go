// Package rerrors defines the core's structured runtime error kinds.
package rerrors

import (
	"fmt"
	"strings"
)

// Kind identifies the category of a runtime/verification error, per the
// error table in the spec.
type Kind string

const (
	InvalidOpcode      Kind = "InvalidOpcode"
	StackUnderflow     Kind = "StackUnderflow"
	StackOverflow      Kind = "StackOverflow"
	TypeError          Kind = "TypeError"
	InvalidJumpTarget  Kind = "InvalidJumpTarget"
	InvalidConstantRef Kind = "InvalidConstantRef"
	InvalidLocalRef    Kind = "InvalidLocalRef"
	ModuleValidation   Kind = "ModuleValidation"
	DecodeError        Kind = "DecodeError"
	RuntimeError       Kind = "RuntimeError"
	TaskPreempted      Kind = "TaskPreempted"
	TaskCancelled      Kind = "TaskCancelled"
	UncaughtException  Kind = "UncaughtException"
)

// StackFrame names one level of a call stack captured at error time.
type StackFrame struct {
	Function string
	Offset   int
}

// RayaError is the error value surfaced by the core to its embedder.
// UncaughtException carries the thrown Value in Thrown; every other kind
// carries only a message.
type RayaError struct {
	Kind      Kind
	Message   string
	Offset    int // bytecode offset the violation was detected at, -1 if n/a
	CallStack []StackFrame
	Thrown    interface{} // the thrown Value, only set for UncaughtException
}

func (e *RayaError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Kind, e.Message)
	if e.Offset >= 0 {
		fmt.Fprintf(&sb, " (offset %d)", e.Offset)
	}
	for _, f := range e.CallStack {
		fmt.Fprintf(&sb, "\n  at %s+%d", f.Function, f.Offset)
	}
	return sb.String()
}

// New constructs a RayaError with no offset/call-stack information.
func New(kind Kind, format string, args ...interface{}) *RayaError {
	return &RayaError{Kind: kind, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// AtOffset is like New but records the bytecode offset of the violation.
func AtOffset(kind Kind, offset int, format string, args ...interface{}) *RayaError {
	return &RayaError{Kind: kind, Message: fmt.Sprintf(format, args...), Offset: offset}
}

// Uncaught wraps a thrown Value as an UncaughtException error for an
// embedder that observes task failure outside any handler.
func Uncaught(value interface{}) *RayaError {
	return &RayaError{Kind: UncaughtException, Message: "uncaught exception", Offset: -1, Thrown: value}
}

// WithStack appends a call-stack frame and returns the same error, mirroring
// the teacher's builder-style error construction.
func (e *RayaError) WithStack(function string, offset int) *RayaError {
	e.CallStack = append(e.CallStack, StackFrame{Function: function, Offset: offset})
	return e
}

// Catchable reports whether user bytecode may intercept this error with a
// try/catch handler. Scheduling and verification errors are never
// catchable per the spec's propagation policy.
func (e *RayaError) Catchable() bool {
	switch e.Kind {
	case InvalidOpcode, StackUnderflow, StackOverflow, InvalidJumpTarget,
		InvalidConstantRef, InvalidLocalRef, ModuleValidation, DecodeError,
		TaskPreempted:
		return false
	default:
		return true
	}
}
