//go:build linux

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
	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
)

// epollWaiter is the Linux Waiter implementation, backed by epoll. It is
// level-triggered throughout, matching the cancel-fd semantics the
// package contract requires and avoiding the lost-wakeup hazards of
// edge-triggered mode for a single-threaded pump.
type epollWaiter struct {
	epfd   int
	cancel *CancelFD
}

// newEpollWaiter returns a Waiter backed by epoll, with its cancel
// descriptor already registered for readability.
func newEpollWaiter() (Waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cancel, err := newPipeCancelFD()
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Trace(err)
	}
	w := &epollWaiter{epfd: epfd, cancel: cancel}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(cancel.FD())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, cancel.FD(), &ev); err != nil {
		w.Close()
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *epollWaiter) Add(fd int, readable bool) error {
	var events uint32
	if readable {
		events |= unix.EPOLLIN
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (w *epollWaiter) Remove(fd int) error {
	err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Trace(err)
	}
	return nil
}

func (w *epollWaiter) Wait(timeoutMs int) (Event, bool, error) {
	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(w.epfd, events[:], timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Event{}, false, errors.Trace(err)
		}
		if n == 0 {
			return Event{}, true, nil
		}
		e := events[0]
		return Event{
			Fd:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Error:    e.Events&unix.EPOLLERR != 0,
			Hangup:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		}, false, nil
	}
}

func (w *epollWaiter) Cancel() *CancelFD {
	return w.cancel
}

func (w *epollWaiter) Close() error {
	var err error
	if w.cancel != nil {
		if cerr := w.cancel.close(); cerr != nil {
			err = cerr
		}
	}
	if cerr := unix.Close(w.epfd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
