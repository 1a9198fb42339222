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
	stderrors "errors"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
	"github.com/ppnclient/datapath/pkg/config"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/packet"
	"github.com/ppnclient/datapath/pkg/status"
	"github.com/ppnclient/datapath/pkg/waiter"
)

// NetworkSocket is a scoped wrapper around a UDP fd obtained from the
// platform's protected-socket allocator. It is exclusively owned by the
// datapath/forwarder that created it and is destroyed on Stop or
// SwitchNetwork; unlike Tunnel, it is never shared.
type NetworkSocket struct {
	*base

	connected atomic.Bool
}

// NewNetworkSocket takes ownership of fd, an already-created UDP
// socket. Connect must be called before WritePackets will succeed.
// backend selects the EventWaiter implementation, normally taken from
// config.Config.EventWaiterBackend.
func NewNetworkSocket(fd int, backend config.Backend, logger logging.Logger) (*NetworkSocket, error) {
	b, err := newBase(fd, backend, logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &NetworkSocket{base: b}, nil
}

// Connect binds the socket to dest, enabling WritePackets (via send)
// and applying the PMTUD socket option so later EMSGSIZE writes carry
// path MTU information the MtuTracker can consume.
func (s *NetworkSocket) Connect(dest packet.Endpoint) error {
	fd := s.currentFD()
	if fd == closedFD {
		return status.New(status.Internal, "connect on closed socket")
	}

	sa, err := sockaddrFromEndpoint(dest)
	if err != nil {
		return status.Wrap(status.InvalidArgument, err, "resolving destination endpoint")
	}

	if err := setPathMTUDiscovery(fd, dest.Protocol); err != nil {
		s.logger.WithFields(logging.Fields{"endpoint": dest.String()}).Warn(
			"failed to enable path MTU discovery: ", err)
	}

	if err := unix.Connect(fd, sa); err != nil {
		return status.Wrap(status.Unavailable, err, "connecting network socket")
	}
	s.connected.Store(true)
	return nil
}

// CancelReadPackets notifies the cancel descriptor so a pending
// ReadPackets call returns promptly with a graceful empty result.
func (s *NetworkSocket) CancelReadPackets() error {
	return s.w.Cancel().Notify()
}

// ReadPackets mirrors Tunnel.ReadPackets, except there is no periodic
// keepalive: a read blocks until data, cancellation, close, or a true
// error, and an externally torn-down fd surfaces as Aborted.
func (s *NetworkSocket) ReadPackets() ([]*packet.Packet, error) {
	fd := s.currentFD()
	if fd == closedFD {
		return nil, status.New(status.Internal, "read on closed socket")
	}

	ev, timedOut, err := s.w.Wait(waiter.WaitForever)
	if err != nil {
		return nil, status.Wrap(status.Internal, err, "socket event wait failed")
	}
	if timedOut {
		// No timeout was requested; treat as a spurious wakeup and let
		// the caller loop back into ReadPackets.
		return nil, nil
	}

	if ev.Fd == s.w.Cancel().FD() {
		s.releaseWaiter()
		return nil, nil
	}

	if ev.Error || ev.Hangup {
		return nil, status.New(status.Aborted, "network socket reported error or hangup")
	}
	if !ev.Readable {
		return nil, status.New(status.Internal, "unexpected socket event")
	}

	fd = s.currentFD()
	if fd == closedFD {
		return nil, status.New(status.Internal, "read on closed socket")
	}

	bufPtr := tunnelBufferPool.Get().(*[]byte)
	buf := *bufPtr
	n, err := rawRead(fd, buf)
	if err != nil {
		tunnelBufferPool.Put(bufPtr)
		if isPermanentNetworkError(err) {
			return nil, status.Wrap(status.PermanentFailure, err, "network permanently unavailable")
		}
		return nil, status.Wrap(status.Aborted, err, "reading from network socket")
	}
	if n <= 0 {
		tunnelBufferPool.Put(bufPtr)
		return nil, status.New(status.Aborted, "network socket read returned no data")
	}

	p := &packet.Packet{
		Payload:  buf[:n],
		Length:   n,
		Protocol: packet.IPUnknown,
		Release: func() {
			tunnelBufferPool.Put(bufPtr)
		},
	}
	return []*packet.Packet{p}, nil
}

// WritePackets sends each packet to the connected destination. Writing
// before Connect returns Internal.
func (s *NetworkSocket) WritePackets(packets []*packet.Packet) error {
	if !s.connected.Load() {
		return status.New(status.Internal, "write before connect")
	}
	fd := s.currentFD()
	if fd == closedFD {
		return status.New(status.Internal, "write to closed socket")
	}
	for _, p := range packets {
		if err := writeAll(fd, p.Payload[:p.Length]); err != nil {
			if stderrors.Is(err, unix.EMSGSIZE) {
				return status.Wrap(status.Aborted, err, "packet exceeds path mtu")
			}
			return status.Wrap(status.Internal, err, "sending to network socket")
		}
	}
	return nil
}

// Close atomically invalidates the fd slot and wakes any pending read.
func (s *NetworkSocket) Close() error {
	return s.close()
}

// DiscoverPathMTU queries the kernel's current path MTU estimate for
// this connected, PMTUD-enabled socket. Callers typically invoke this
// after WritePackets fails with a status wrapping EMSGSIZE, to learn
// the new ceiling and feed it to an mtu.Tracker.
func (s *NetworkSocket) DiscoverPathMTU() (int, error) {
	fd := s.currentFD()
	if fd == closedFD {
		return 0, status.New(status.Internal, "discover path mtu on closed socket")
	}
	mtu, err := discoverPathMTU(fd)
	if err != nil {
		return 0, status.Wrap(status.Internal, err, "discovering path mtu")
	}
	return mtu, nil
}

// isPermanentNetworkError classifies a read failure as one the
// platform would regard as the underlying network having been revoked
// outright (e.g. EPERM on a protected socket whose network id is gone)
// rather than a merely transient condition.
func isPermanentNetworkError(err error) bool {
	return stderrors.Is(err, unix.EPERM) || stderrors.Is(err, unix.ENETUNREACH)
}

func sockaddrFromEndpoint(ep packet.Endpoint) (unix.Sockaddr, error) {
	ip := net.ParseIP(ep.Address)
	if ip == nil {
		addrs, err := net.LookupIP(ep.Address)
		if err != nil || len(addrs) == 0 {
			return nil, errors.TraceNew("cannot resolve endpoint address")
		}
		ip = addrs[0]
	}
	if v4 := ip.To4(); v4 != nil && ep.Protocol != packet.IPv6 {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], v4)
		sa.Port = int(ep.Port)
		return &sa, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, errors.TraceNew("invalid destination address")
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], v6)
	sa.Port = int(ep.Port)
	return &sa, nil
}

// setPathMTUDiscovery enables kernel PMTUD reporting on the socket, the
// way database64128-swgp-go/conn's setPMTUD does for its UDP sockets,
// so a later EMSGSIZE write carries the discovered path MTU that
// mtu.Tracker.UpdateMTU needs.
func setPathMTUDiscovery(fd int, family packet.IPProtocol) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
		return errors.Trace(err)
	}
	if family == packet.IPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// discoverPathMTU reads back the kernel's current notion of path MTU
// for a connected, PMTUD-enabled socket, typically called after a write
// fails with EMSGSIZE.
func discoverPathMTU(fd int) (int, error) {
	mtu, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return mtu, nil
}
