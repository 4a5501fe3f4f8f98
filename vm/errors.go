package vm

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a raised error. Dispatch errors and runtime faults
// share the same raising/unwinding mechanism so script handlers can catch
// either; the kind stays available for handlers and for the diagnostics
// surface.
type ErrorKind uint8

const (
	// ErrRaised is a script-level `raise`.
	ErrRaised ErrorKind = iota

	// Dispatch errors.
	ErrMissingMember
	ErrInvalidQualifier
	ErrCast

	// Build-time class definition failure, surfaced when a class with
	// conflicting ancestor orders is defined.
	ErrLinearization

	// Runtime faults: compiler/VM contract violations unless the script
	// input is adversarial. Still catchable.
	ErrArity
	ErrSlotRange
	ErrIndexRange
	ErrMissingLabel
	ErrZeroDivide
	ErrType
	ErrUndefined
	ErrStackOverflow

	// ErrCancelled is observed only at suspension points.
	ErrCancelled
)

var errorKindNames = [...]string{
	ErrRaised:           "Raised",
	ErrMissingMember:    "MissingMember",
	ErrInvalidQualifier: "InvalidQualifier",
	ErrCast:             "Cast",
	ErrLinearization:    "Linearization",
	ErrArity:            "Arity",
	ErrSlotRange:        "SlotRange",
	ErrIndexRange:       "IndexRange",
	ErrMissingLabel:     "MissingLabel",
	ErrZeroDivide:       "ZeroDivide",
	ErrType:             "Type",
	ErrUndefined:        "Undefined",
	ErrStackOverflow:    "StackOverflow",
	ErrCancelled:        "Cancelled",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// RaisedError is the error value that unwinds script execution. It carries
// the structured context the diagnostics surface promises: a kind, a
// message, and for member/cast errors the receiver's exact class and its
// full linearization.
type RaisedError struct {
	Kind          ErrorKind
	Message       string
	ClassName     string   // receiver class for member/cast errors
	Linearization []string // receiver's full linearization, most-derived first
	Payload       Value    // script raise operand, Null otherwise
}

func (e *RaisedError) Error() string {
	if e.ClassName == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (class %s)", e.Kind, e.Message, e.ClassName)
}

// linNames renders a class's linearization for diagnostics.
func linNames(c *Class) []string {
	names := make([]string, len(c.lin))
	for i, a := range c.lin {
		names[i] = a.Name
	}
	return names
}

func newMissingMember(recv *Class, name string, hintClass *Class) *RaisedError {
	lin := linNames(recv)
	msg := fmt.Sprintf("%s has no member %q; linearization: %s",
		recv.Name, name, strings.Join(lin, ", "))
	if hintClass != nil {
		msg += fmt.Sprintf("; %s declares %q: use qualified dispatch (this@%s) or a cast (as %s)",
			hintClass.Name, name, hintClass.Name, hintClass.Name)
	}
	return &RaisedError{
		Kind:          ErrMissingMember,
		Message:       msg,
		ClassName:     recv.Name,
		Linearization: lin,
		Payload:       Null,
	}
}

func newInvalidQualifier(recv *Class, qualifier string) *RaisedError {
	lin := linNames(recv)
	return &RaisedError{
		Kind: ErrInvalidQualifier,
		Message: fmt.Sprintf("%s is not an ancestor of %s; linearization: %s",
			qualifier, recv.Name, strings.Join(lin, ", ")),
		ClassName:     recv.Name,
		Linearization: lin,
		Payload:       Null,
	}
}

func newCastError(actual *Class, target string) *RaisedError {
	lin := linNames(actual)
	return &RaisedError{
		Kind:          ErrCast,
		Message:       fmt.Sprintf("cannot cast %s to %s", actual.Name, target),
		ClassName:     actual.Name,
		Linearization: lin,
		Payload:       Null,
	}
}

func newCancelled(what string) *RaisedError {
	return &RaisedError{
		Kind:    ErrCancelled,
		Message: what + " cancelled",
		Payload: Null,
	}
}

func raisedf(kind ErrorKind, format string, args ...any) *RaisedError {
	return &RaisedError{Kind: kind, Message: fmt.Sprintf(format, args...), Payload: Null}
}
