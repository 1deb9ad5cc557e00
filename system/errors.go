// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"errors"
	"fmt"
)

// Code is the result kind of an operation. Every Code other than
// CodeOK is also an error, so operations return the sentinel values
// below, possibly wrapped with context.
type Code uint32

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeFailedPrecondition
	CodeShouldWait
	CodeResourceExhausted
	CodeOutOfRange
	CodeBusy
	CodeCancelled
	CodeDeadlineExceeded
	CodeAccessDenied
	CodeUnimplemented
	CodeUnknown
)

var codeNames = [...]string{
	CodeOK:                 "ok",
	CodeInvalidArgument:    "invalid argument",
	CodeFailedPrecondition: "failed precondition",
	CodeShouldWait:         "should wait",
	CodeResourceExhausted:  "resource exhausted",
	CodeOutOfRange:         "out of range",
	CodeBusy:               "busy",
	CodeCancelled:          "cancelled",
	CodeDeadlineExceeded:   "deadline exceeded",
	CodeAccessDenied:       "access denied",
	CodeUnimplemented:      "unimplemented",
	CodeUnknown:            "unknown",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

func (c Code) Error() string { return c.String() }

// Sentinel errors, one per Code. Test with errors.Is.
var (
	ErrInvalidArgument    error = CodeInvalidArgument
	ErrFailedPrecondition error = CodeFailedPrecondition
	ErrShouldWait         error = CodeShouldWait
	ErrResourceExhausted  error = CodeResourceExhausted
	ErrOutOfRange         error = CodeOutOfRange
	ErrBusy               error = CodeBusy
	ErrCancelled          error = CodeCancelled
	ErrDeadlineExceeded   error = CodeDeadlineExceeded
	ErrAccessDenied       error = CodeAccessDenied
	ErrUnimplemented      error = CodeUnimplemented
)

// CodeOf returns the Code carried by err: CodeOK for nil, CodeUnknown
// for errors that wrap no Code.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	return CodeUnknown
}

// Errorf builds an error of kind code with a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return fmt.Errorf("%w: %s", code, fmt.Sprintf(format, args...))
}
