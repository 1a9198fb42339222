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

package forwarder

import (
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/pkg/config"
	"github.com/ppnclient/datapath/pkg/endpoint"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/packet"
	"github.com/ppnclient/datapath/pkg/status"
)

// testSink records every EventSink call made during a test, guarded by
// a mutex since the forwarder's two pumps call it from different
// goroutines.
type testSink struct {
	mu        sync.Mutex
	established int
	failed      []*status.Status
	permanent   []*status.Status
	mtuChanges  []int
}

func (s *testSink) DatapathEstablished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established++
}

func (s *testSink) DatapathFailed(st *status.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, st)
}

func (s *testSink) DatapathPermanentFailure(st *status.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permanent = append(s.permanent, st)
}

func (s *testSink) PathMTUChanged(mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtuChanges = append(s.mtuChanges, mtu)
}

func (s *testSink) establishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

func (s *testSink) failedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func newTestTunnel(t *testing.T) (*endpoint.Tunnel, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socketpair failed: %v", err)
	}
	tun, err := endpoint.NewTunnel(fds[0], config.BackendDefault, logging.Noop())
	if err != nil {
		t.Fatalf("NewTunnel failed: %v", err)
	}
	return tun, fds[1]
}

func newTestSocket(t *testing.T) (*endpoint.NetworkSocket, int, uint16) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socket failed: %v", err)
	}
	sa := &unix.SockaddrInet4{Port: 0}
	copy(sa.Addr[:], net.ParseIP("127.0.0.1").To4())
	if err := unix.Bind(fd, sa); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	peerFD, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socket failed: %v", err)
	}
	if err := unix.Bind(peerFD, sa); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	peerAddr, err := unix.Getsockname(peerFD)
	if err != nil {
		t.Fatalf("Getsockname failed: %v", err)
	}
	peerPort := uint16(peerAddr.(*unix.SockaddrInet4).Port)

	sock, err := endpoint.NewNetworkSocket(fd, config.BackendDefault, logging.Noop())
	if err != nil {
		t.Fatalf("NewNetworkSocket failed: %v", err)
	}
	if err := sock.Connect(packet.Endpoint{Address: "127.0.0.1", Port: peerPort, Protocol: packet.IPv4}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sockAddr, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("Getsockname failed: %v", err)
	}
	if err := unix.Connect(peerFD, sockAddr); err != nil {
		t.Fatalf("peer Connect failed: %v", err)
	}

	return sock, peerFD, peerPort
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// TestForwarderEstablishesAfterBidirectionalTraffic exercises the
// forwarder end to end: a tunnel-side write reaches the network peer,
// a network-side write reaches the tunnel peer, and DatapathEstablished
// fires exactly once, only after both directions have carried traffic.
func TestForwarderEstablishesAfterBidirectionalTraffic(t *testing.T) {
	tun, tunPeerFD := newTestTunnel(t)
	sock, sockPeerFD, _ := newTestSocket(t)
	defer unix.Close(tunPeerFD)
	defer unix.Close(sockPeerFD)

	sink := &testSink{}
	fwd := New(tun, sock, sink, logging.Noop())
	fwd.Start()
	defer fwd.Stop()

	if sink.establishedCount() != 0 {
		t.Fatalf("expected no established notification before any traffic")
	}

	if _, err := unix.Write(tunPeerFD, []byte{0x45, 0x00, 0x00, 0x14}); err != nil {
		t.Fatalf("tunnel peer write failed: %v", err)
	}

	buf := make([]byte, 64)
	n, err := unix.Read(sockPeerFD, buf)
	if err != nil {
		t.Fatalf("socket peer read failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("socket peer received %d bytes, want 4", n)
	}

	// Uplink traffic alone must not establish the datapath.
	if sink.establishedCount() != 0 {
		t.Fatalf("expected no established notification after uplink-only traffic")
	}

	if _, err := unix.Write(sockPeerFD, []byte{0x60, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("socket peer write failed: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return sink.establishedCount() > 0 })
	if sink.establishedCount() != 1 {
		t.Fatalf("establishedCount() = %d, want 1", sink.establishedCount())
	}

	var info DebugInfo
	fwd.GetDebugInfo(&info)
	if info.UplinkPackets != 1 || info.DownlinkPackets != 1 {
		t.Fatalf("unexpected DebugInfo: %+v", info)
	}
}

// TestForwarderStopIsGraceful covers S2 at the forwarder level: Stop
// joins both pumps without either side reporting a fault.
func TestForwarderStopIsGraceful(t *testing.T) {
	tun, tunPeerFD := newTestTunnel(t)
	sock, sockPeerFD, _ := newTestSocket(t)
	defer unix.Close(tunPeerFD)
	defer unix.Close(sockPeerFD)

	sink := &testSink{}
	fwd := New(tun, sock, sink, logging.Noop())
	fwd.Start()
	fwd.Stop()

	if sink.failedCount() != 0 || len(sink.permanent) != 0 {
		t.Fatalf("Stop must not produce a fault notification: failed=%v permanent=%v", sink.failed, sink.permanent)
	}
}

// TestReportFaultIsIdempotentAndClassifiesByCode exercises reportFault
// directly: a second fault after the first must produce no further
// notification (invariant 1, exactly one terminal notification per
// forwarder), and a status.PermanentFailure code must route to
// DatapathPermanentFailure rather than DatapathFailed.
func TestReportFaultIsIdempotentAndClassifiesByCode(t *testing.T) {
	tun, tunPeerFD := newTestTunnel(t)
	sock, sockPeerFD, _ := newTestSocket(t)
	defer tun.Close()
	defer sock.Close()
	defer unix.Close(tunPeerFD)
	defer unix.Close(sockPeerFD)

	sink := &testSink{}
	fwd := New(tun, sock, sink, logging.Noop())

	fwd.reportFault("uplink write", status.New(status.PermanentFailure, "network revoked"))
	fwd.reportFault("downlink read", status.New(status.Aborted, "should be dropped"))

	if got := len(sink.permanent); got != 1 {
		t.Fatalf("permanent failure count = %d, want 1", got)
	}
	if sink.failedCount() != 0 {
		t.Fatalf("expected the second reportFault call to be suppressed once terminal, got %d DatapathFailed calls", sink.failedCount())
	}
}

// TestMaybeEstablishNeverFollowsTerminal covers invariant 2: once a
// fault has been reported, a subsequent maybeEstablish call (as would
// happen if the other pump's final packet arrived just after the fault)
// must not also report DatapathEstablished.
func TestMaybeEstablishNeverFollowsTerminal(t *testing.T) {
	tun, tunPeerFD := newTestTunnel(t)
	sock, sockPeerFD, _ := newTestSocket(t)
	defer tun.Close()
	defer sock.Close()
	defer unix.Close(tunPeerFD)
	defer unix.Close(sockPeerFD)

	sink := &testSink{}
	fwd := New(tun, sock, sink, logging.Noop())

	fwd.reportFault("uplink write", status.New(status.Aborted, "peer reset"))

	fwd.upWriteDone.Store(true)
	fwd.downReadDone.Store(true)
	fwd.maybeEstablish()

	if sink.establishedCount() != 0 {
		t.Fatalf("expected maybeEstablish to be a no-op after a terminal fault, got %d established calls", sink.establishedCount())
	}
}

// TestMaybeEstablishRequiresBothDirections ensures a single direction
// of traffic never establishes the datapath on its own.
func TestMaybeEstablishRequiresBothDirections(t *testing.T) {
	tun, tunPeerFD := newTestTunnel(t)
	sock, sockPeerFD, _ := newTestSocket(t)
	defer tun.Close()
	defer sock.Close()
	defer unix.Close(tunPeerFD)
	defer unix.Close(sockPeerFD)

	sink := &testSink{}
	fwd := New(tun, sock, sink, logging.Noop())

	fwd.upWriteDone.Store(true)
	fwd.maybeEstablish()
	if sink.establishedCount() != 0 {
		t.Fatalf("expected no established notification with only uplink traffic observed")
	}

	fwd.downReadDone.Store(true)
	fwd.maybeEstablish()
	if sink.establishedCount() != 1 {
		t.Fatalf("establishedCount() = %d, want 1 once both directions have traffic", sink.establishedCount())
	}

	// A later, redundant maybeEstablish call must not double-report.
	fwd.maybeEstablish()
	if sink.establishedCount() != 1 {
		t.Fatalf("expected maybeEstablish to report established at most once")
	}
}
