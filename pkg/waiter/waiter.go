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

//go:build unix

// Package waiter implements EventWaiter: readiness multiplexing across a
// small set of file descriptors plus a side-channel cancel descriptor,
// the way ipsec_tunnel.cc's EventsHelper does, but as an epoll (or poll,
// where epoll isn't available) wrapper instead of a select loop.
//
// Exactly one goroutine should call Wait on a given Waiter at a time,
// matching the single-pump-thread-per-endpoint usage the datapath makes
// of this package. Add/Remove may be called from another goroutine
// while a Wait is in flight, as an endpoint's Close does: epoll_ctl is
// safe against a concurrent epoll_wait, and the poll backend guards its
// fd set with a mutex, though a poll-backed Wait already in flight keeps
// watching the set it started with.
//
// New's backend parameter is a config.Backend: BackendDefault picks
// epoll on Linux and poll elsewhere, while BackendPoll and BackendEpoll
// are honored as explicit overrides where the platform can provide
// them. New itself is platform-specific; see waiter_backend_linux.go
// and waiter_backend_other.go.
package waiter

import (
	"github.com/ppnclient/datapath/internal/errors"
)

// Event describes one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Error    bool
	Hangup   bool
}

// WaitForever, passed as the timeout to Wait, blocks until an event or
// an error, with no deadline.
const WaitForever = -1

// Waiter multiplexes readiness across fds added with Add, plus its own
// cancel descriptor (see Cancel).
type Waiter interface {
	// Add registers fd for readiness notifications. If readable is
	// true, readability is requested; errors and hangups are always
	// reported regardless of readable.
	Add(fd int, readable bool) error

	// Remove unregisters fd. Removing an fd that was never added is a
	// no-op.
	Remove(fd int) error

	// Wait blocks until an event is available, the timeout (in
	// milliseconds) elapses, or an error occurs. timeoutMs of
	// WaitForever blocks indefinitely. timedOut is true only when the
	// deadline elapsed with no event.
	Wait(timeoutMs int) (ev Event, timedOut bool, err error)

	// Cancel returns the side-channel cancel descriptor.
	// Notifying it (see Notify) causes the next Wait to return an
	// Event referencing this fd, even if the notification happened
	// before Wait was called (level semantics, not edge).
	Cancel() *CancelFD

	// Close releases all OS resources held by the Waiter, including
	// the cancel descriptor. It does not close fds the caller added
	// with Add.
	Close() error
}

// CancelFD is a level-triggered notification descriptor: once notified,
// it reads as ready until the Waiter that owns it is closed. It is
// backed by a pipe so it works identically on every supported platform,
// unlike an eventfd, which is Linux-only.
type CancelFD struct {
	readFD, writeFD int
}

func newCancelFD(readFD, writeFD int) *CancelFD {
	return &CancelFD{readFD: readFD, writeFD: writeFD}
}

// FD returns the descriptor that becomes readable once Notify is called.
func (c *CancelFD) FD() int {
	return c.readFD
}

// Notify marks the cancel descriptor as signaled. It is safe to call
// Notify multiple times and from multiple goroutines; once signaled,
// the descriptor stays signaled until the owning Waiter is closed.
func (c *CancelFD) Notify() error {
	var b [1]byte
	n, err := rawWrite(c.writeFD, b[:])
	if err != nil {
		return errors.Trace(err)
	}
	if n != 1 {
		return errors.TraceNew("short write notifying cancel fd")
	}
	return nil
}

func (c *CancelFD) close() error {
	err1 := rawClose(c.readFD)
	err2 := rawClose(c.writeFD)
	if err1 != nil {
		return errors.Trace(err1)
	}
	if err2 != nil {
		return errors.Trace(err2)
	}
	return nil
}
