//go:build unix

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

package waiter

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
)

// pollWaiter is the Waiter implementation for platforms without epoll,
// and an explicit fallback on Linux for callers that request it via
// config.BackendPoll. There is no persistent kernel-side registration
// the way there is with epoll, so Add/Remove just maintain a small
// in-process set that Wait rebuilds into a pollfd slice on every call.
type pollWaiter struct {
	mu     sync.Mutex
	fds    map[int]bool // fd -> readable
	cancel *CancelFD
}

// newPollWaiter returns a Waiter backed by poll(2).
func newPollWaiter() (Waiter, error) {
	cancel, err := newPipeCancelFD()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &pollWaiter{
		fds:    make(map[int]bool),
		cancel: cancel,
	}, nil
}

func (w *pollWaiter) Add(fd int, readable bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fds[fd] = readable
	return nil
}

func (w *pollWaiter) Remove(fd int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.fds, fd)
	return nil
}

func (w *pollWaiter) Wait(timeoutMs int) (Event, bool, error) {
	w.mu.Lock()
	pfds := make([]unix.PollFd, 0, len(w.fds)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(w.cancel.FD()), Events: unix.POLLIN})
	for fd, readable := range w.fds {
		var events int16
		if readable {
			events |= unix.POLLIN
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	w.mu.Unlock()

	for {
		n, err := unix.Poll(pfds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Event{}, false, errors.Trace(err)
		}
		if n == 0 {
			return Event{}, true, nil
		}
		for _, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			return Event{
				Fd:       int(pfd.Fd),
				Readable: pfd.Revents&unix.POLLIN != 0,
				Error:    pfd.Revents&unix.POLLERR != 0,
				Hangup:   pfd.Revents&(unix.POLLHUP|unix.POLLNVAL) != 0,
			}, false, nil
		}
		return Event{}, true, nil
	}
}

func (w *pollWaiter) Cancel() *CancelFD {
	return w.cancel
}

func (w *pollWaiter) Close() error {
	return w.cancel.close()
}
