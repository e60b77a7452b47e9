// Package hmherr defines the error kinds the hyperminhash functions report
// back to SQLite.
package hmherr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the kind of failure.
type Code uint16

const (
	Ok Code = iota
	// TypeMismatch means an argument is not of the required SQL type.
	TypeMismatch
	// CorruptData means a blob failed structural decoding.
	CorruptData
	// UnknownValueType means SQLite handed over a type code outside
	// {NULL, INTEGER, FLOAT, TEXT, BLOB}.
	UnknownValueType
	// OutOfMemory means the per-group aggregate slot could not be allocated.
	OutOfMemory
	// Arity means a function was called with an unexpected argument count.
	Arity

	// Foreign is the code of errors raised outside this package.
	Foreign Code = 0xffff
)

const prefix = "hyperminhash: "

var messages = map[Code]string{
	TypeMismatch:     "value is not of type BLOB",
	CorruptData:      "corrupt sketch data",
	UnknownValueType: "unknown value type from sqlite",
	OutOfMemory:      "out of memory",
	Arity:            "wrong number of arguments",
}

func (c Code) String() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// Error is a coded error. Two errors match under errors.Is when their codes
// are equal.
type Error struct {
	Code   Code
	detail string
	cause  error
}

var (
	ErrTypeMismatch     = &Error{Code: TypeMismatch}
	ErrCorruptData      = &Error{Code: CorruptData}
	ErrUnknownValueType = &Error{Code: UnknownValueType}
	ErrOutOfMemory      = &Error{Code: OutOfMemory}
	ErrArity            = &Error{Code: Arity}
)

func (e *Error) Error() string {
	msg := prefix + e.Code.String()
	if e.detail != "" {
		msg += ": " + e.detail
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewTypeMismatch reports a non-blob argument at position pos.
func NewTypeMismatch(pos int, got string) *Error {
	return &Error{Code: TypeMismatch, detail: fmt.Sprintf("argument %d is %s", pos+1, got)}
}

// NewCorruptData wraps a decode failure.
func NewCorruptData(format string, args ...any) *Error {
	return &Error{Code: CorruptData, detail: fmt.Sprintf(format, args...)}
}

// WrapCorruptData wraps an error returned by the sketch library.
func WrapCorruptData(cause error) *Error {
	return &Error{Code: CorruptData, cause: cause}
}

// Recover turns a panic in the deferring function into a CorruptData error
// stored in *err. It must be deferred directly.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = NewCorruptData("malformed sketch: %v", r)
	}
}

// NewUnknownValueType reports an unrecognized sqlite type code.
func NewUnknownValueType(typ int) *Error {
	return &Error{Code: UnknownValueType, detail: fmt.Sprintf("type code %d", typ)}
}

// NewArity reports a call with the wrong number of arguments.
func NewArity(fn string, want string, got int) *Error {
	return &Error{Code: Arity, detail: fmt.Sprintf("%s expects %s, got %d", fn, want, got)}
}

// CodeOf returns the code carried by err, Ok for nil and Foreign for errors
// that did not originate in this package.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Foreign
}

// Reported reports whether err is one of ours, either as a value or as the
// text SQLite hands back after a function call failed.
func Reported(err error) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) != Foreign || strings.Contains(err.Error(), prefix)
}
