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

package endpoint

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
	"github.com/ppnclient/datapath/pkg/config"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/packet"
	"github.com/ppnclient/datapath/pkg/status"
	"github.com/ppnclient/datapath/pkg/waiter"
)

// MaxPacketSize bounds a single tunnel read, matching the source's
// kMaxPacketSize constant in ipsec_tunnel.cc.
const MaxPacketSize = 4096

var tunnelBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, MaxPacketSize)
		return &b
	},
}

// Tunnel is a scoped, long-lived wrapper around a TUN fd supplied by the
// platform binding. Close is idempotent and safe to race against a
// blocked ReadPackets call from any goroutine.
type Tunnel struct {
	*base

	keepaliveMu       sync.Mutex
	keepaliveMillis   int // -1 means disabled
}

// NewTunnel takes ownership of fd, which must already be open and
// belong to a TUN device. The caller retains responsibility for
// allocating the fd via the platform binding; Tunnel only reads,
// writes, and eventually closes it. backend selects the EventWaiter
// implementation, normally taken from config.Config.EventWaiterBackend.
func NewTunnel(fd int, backend config.Backend, logger logging.Logger) (*Tunnel, error) {
	b, err := newBase(fd, backend, logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Tunnel{base: b, keepaliveMillis: -1}, nil
}

// SetKeepaliveInterval configures the interval at which ReadPackets
// emits a keepalive packet after the underlying fd has been idle. A
// non-positive interval disables keepalives, meaning reads block
// indefinitely absent real traffic or cancellation.
func (t *Tunnel) SetKeepaliveInterval(interval time.Duration) {
	t.keepaliveMu.Lock()
	defer t.keepaliveMu.Unlock()
	ms := int(interval / time.Millisecond)
	if ms <= 0 {
		t.keepaliveMillis = -1
	} else {
		t.keepaliveMillis = ms
	}
}

func (t *Tunnel) currentKeepaliveMillis() int {
	t.keepaliveMu.Lock()
	defer t.keepaliveMu.Unlock()
	return t.keepaliveMillis
}

// CancelReadPackets notifies the cancel descriptor so a pending
// ReadPackets call returns promptly with a graceful empty result.
func (t *Tunnel) CancelReadPackets() error {
	return t.w.Cancel().Notify()
}

// ReadPackets blocks until the fd is readable, the keepalive timer
// expires, CancelReadPackets is called, or Close is called. It returns
// at most one Packet per call.
func (t *Tunnel) ReadPackets() ([]*packet.Packet, error) {
	fd := t.currentFD()
	if fd == closedFD {
		return nil, status.New(status.Internal, "read on closed tunnel")
	}

	timeout := t.currentKeepaliveMillis()
	if timeout <= 0 {
		timeout = waiter.WaitForever
	}

	ev, timedOut, err := t.w.Wait(timeout)
	if err != nil {
		return nil, status.Wrap(status.Internal, err, "tunnel event wait failed")
	}

	if timedOut {
		return []*packet.Packet{packet.NewKeepalive()}, nil
	}

	if ev.Fd == t.w.Cancel().FD() {
		t.releaseWaiter()
		return nil, nil
	}

	if ev.Error || ev.Hangup {
		return nil, status.New(status.Internal, "tunnel fd reported error or hangup")
	}

	if !ev.Readable {
		return nil, status.New(status.Internal, "unexpected tunnel event")
	}

	fd = t.currentFD()
	if fd == closedFD {
		return nil, status.New(status.Internal, "read on closed tunnel")
	}

	bufPtr := tunnelBufferPool.Get().(*[]byte)
	buf := *bufPtr
	n, err := rawRead(fd, buf)
	if err != nil {
		tunnelBufferPool.Put(bufPtr)
		return nil, status.Wrap(status.Aborted, err, "reading from tunnel fd")
	}
	if n <= 0 {
		tunnelBufferPool.Put(bufPtr)
		return nil, status.New(status.Aborted, "tunnel read returned no data")
	}

	p := &packet.Packet{
		Payload:  buf[:n],
		Length:   n,
		Protocol: packet.DetectProtocol(buf[:n]),
		Release: func() {
			tunnelBufferPool.Put(bufPtr)
		},
	}
	return []*packet.Packet{p}, nil
}

// WritePackets writes each packet to the tunnel fd in order. A partial
// write is treated as fatal; EINTR is retried transparently.
func (t *Tunnel) WritePackets(packets []*packet.Packet) error {
	fd := t.currentFD()
	if fd == closedFD {
		return status.New(status.Internal, "write to closed tunnel")
	}
	for _, p := range packets {
		if err := writeAll(fd, p.Payload[:p.Length]); err != nil {
			return status.Wrap(status.Internal, err, "writing to tunnel fd")
		}
	}
	return nil
}

// Close atomically invalidates the fd slot and wakes any pending read.
// Calling Close twice is a no-op the second time.
func (t *Tunnel) Close() error {
	return t.close()
}

func rawRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
