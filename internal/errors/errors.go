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

// Package errors wraps errors with the call site that produced them.
// Every datapath component is a leaf in a fairly flat call graph (no
// deep library-style call stacks), so one recorded frame per wrap is
// enough to tell, from the error text alone, which of the few dozen
// unix-syscall call sites along the hot path raised a given fault.
package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// tracedError pairs a cause with the call site that wrapped it. It is
// a distinct type, rather than a string built with fmt.Errorf's %w
// verb, so Frame is available to a caller that wants the call site
// without re-parsing the error string.
type tracedError struct {
	frame string
	cause error
}

func (e *tracedError) Error() string {
	return fmt.Sprintf("%s: %v", e.frame, e.cause)
}

func (e *tracedError) Unwrap() error {
	return e.cause
}

// Frame returns the "function#line" call site that wrapped err, or ""
// if err was not produced by this package.
func Frame(err error) string {
	if te, ok := err.(*tracedError); ok {
		return te.frame
	}
	return ""
}

// TraceNew returns a new error with the given message, annotated with
// the caller's call site.
func TraceNew(message string) error {
	return &tracedError{frame: callSite(1), cause: fmt.Errorf("%s", message)}
}

// Trace annotates err with the caller's call site. Returns nil if err
// is nil, so a call site can always write `return errors.Trace(err)`
// without a separate nil check.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return &tracedError{frame: callSite(1), cause: err}
}

// callSite returns "function#line" for the frame skip levels above
// its own caller, with the package path trimmed off the function name
// the way a stack trace normally reads.
func callSite(skip int) string {
	pc, _, line, _ := runtime.Caller(skip + 1)
	name := runtime.FuncForPC(pc).Name()
	if i := strings.LastIndex(name, "/"); i != -1 {
		name = name[i+1:]
	}
	return fmt.Sprintf("%s#%d", name, line)
}
