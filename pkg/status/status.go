/*
 * Copyright (c) 2024, PPN Client Authors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package status defines the small taxonomy of error codes the datapath
// uses to classify faults for its own callers and for notifications sent
// to the session controller.
package status

import (
	"errors"
	"fmt"
)

// Code is one of the fixed set of datapath fault classifications.
type Code int

const (
	// OK indicates no error.
	OK Code = iota
	// InvalidArgument means the caller violated a method's contract.
	InvalidArgument
	// FailedPrecondition means the call was issued in a state that
	// forbids it.
	FailedPrecondition
	// Internal means I/O on a closed fd, a short write, or some other
	// condition that should not occur given the other invariants hold.
	Internal
	// Aborted means the peer or kernel tore down the connection; the
	// condition is expected to be transient.
	Aborted
	// Unavailable means the platform refused to provide a resource,
	// such as a socket or tunnel fd.
	Unavailable
	// PermanentFailure means the platform has classified the underlying
	// network as gone for good; retrying will not help.
	PermanentFailure
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case FailedPrecondition:
		return "FailedPrecondition"
	case Internal:
		return "Internal"
	case Aborted:
		return "Aborted"
	case Unavailable:
		return "Unavailable"
	case PermanentFailure:
		return "PermanentFailure"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Status is an error carrying one of the fixed Codes, plus an optional
// wrapped cause. It implements the error interface so it composes with
// errors.Is/errors.As and with the internal/errors wrapping helpers.
type Status struct {
	Code    Code
	Message string
	cause   error
}

func (s *Status) Error() string {
	if s.cause != nil {
		return fmt.Sprintf("%s: %s: %v", s.Code, s.Message, s.cause)
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (s *Status) Unwrap() error {
	return s.cause
}

// New returns a Status with the given code and message.
func New(code Code, message string) *Status {
	return &Status{Code: code, Message: message}
}

// Wrap returns a Status with the given code and message, wrapping cause.
func Wrap(code Code, cause error, message string) *Status {
	return &Status{Code: code, Message: message, cause: cause}
}

// Is reports whether err is a *Status with the given code. It is the
// primary way callers should test a returned error against the
// taxonomy in this package.
func Is(err error, code Code) bool {
	var s *Status
	if errors.As(err, &s) {
		return s.Code == code
	}
	return false
}

// CodeOf returns the Code carried by err if it is a *Status, or OK if
// err is nil, or Internal for any other non-nil error (an error that
// did not originate from this package is always treated as internal,
// never as a transient or recoverable condition).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var s *Status
	if errors.As(err, &s) {
		return s.Code
	}
	return Internal
}
