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

// Package endpoint implements the Tunnel and NetworkSocket components:
// scoped ownership of a single fd each, with cancellable blocking reads
// and a Close that is safe to race against an in-flight read from any
// thread.
//
// The shared mechanism, in base.go, is the same one ipsec_tunnel.cc and
// datagram_socket.h use: the fd lives in an atomic slot that Close
// exchanges to -1 before the real close(2), and a side-channel cancel
// descriptor wakes any reader blocked in the event waiter.
package endpoint

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
	"github.com/ppnclient/datapath/pkg/config"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/waiter"
)

const closedFD = -1

// base holds the fd-and-cancellation machinery shared by Tunnel and
// NetworkSocket. It is not exported; each endpoint type embeds it and
// adds its own read/write semantics on top.
type base struct {
	fd     atomic.Int64
	w      waiter.Waiter
	logger logging.Logger

	closeWaiterOnce sync.Once
}

func newBase(fd int, backend config.Backend, logger logging.Logger) (*base, error) {
	w, err := waiter.New(backend)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.Add(fd, true); err != nil {
		w.Close()
		return nil, errors.Trace(err)
	}
	b := &base{logger: logger, w: w}
	b.fd.Store(int64(fd))
	return b, nil
}

// currentFD returns the live fd, or closedFD if the endpoint is closed.
func (b *base) currentFD() int {
	return int(b.fd.Load())
}

// close exchanges the fd slot to closedFD and, if it held a live fd,
// removes it from the waiter, closes it, and notifies the cancel
// descriptor so any in-flight read observes the closure. It is safe to
// call more than once; only the first call does any work.
func (b *base) close() error {
	old := b.fd.Swap(closedFD)
	if old == closedFD {
		b.logger.WithFields(logging.Fields{}).Info("endpoint already closed")
		return nil
	}
	fd := int(old)
	if err := b.w.Remove(fd); err != nil {
		b.logger.WithFields(logging.Fields{"fd": fd}).Warn("failed to remove fd from waiter: ", err)
	}
	if err := unix.Close(fd); err != nil {
		b.logger.WithFields(logging.Fields{"fd": fd}).Warn("failed to close fd: ", err)
	}
	if err := b.w.Cancel().Notify(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// releaseWaiter closes the underlying Waiter exactly once. It must only
// be invoked by the single goroutine that owns Wait calls on b.w, after
// that goroutine has itself observed the cancel event and will make no
// further Wait calls.
func (b *base) releaseWaiter() {
	b.closeWaiterOnce.Do(func() {
		if err := b.w.Close(); err != nil {
			b.logger.WithFields(logging.Fields{}).Warn("failed to close waiter: ", err)
		}
	})
}

func writeAll(fd int, p []byte) error {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
		if n != len(p) {
			return errors.TraceNew("short write")
		}
		return nil
	}
}
