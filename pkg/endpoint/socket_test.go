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

package endpoint

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/pkg/config"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/packet"
	"github.com/ppnclient/datapath/pkg/status"
)

// newLoopbackUDPFD opens and binds an unconnected IPv4 UDP socket on an
// ephemeral loopback port, mirroring what a platform.Binding's
// CreateProtectedNetworkSocket returns.
func newLoopbackUDPFD(t *testing.T) (fd int, port uint16) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socket failed: %v", err)
	}
	sa := &unix.SockaddrInet4{Port: 0}
	copy(sa.Addr[:], net.ParseIP("127.0.0.1").To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		t.Fatalf("Bind failed: %v", err)
	}
	got, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		t.Fatalf("Getsockname failed: %v", err)
	}
	in4, ok := got.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		t.Fatalf("Getsockname returned unexpected type %T", got)
	}
	return fd, uint16(in4.Port)
}

func TestNetworkSocketRoundTrip(t *testing.T) {
	sockFD, sockPort := newLoopbackUDPFD(t)
	peerFD, peerPort := newLoopbackUDPFD(t)
	defer unix.Close(peerFD)

	sock, err := NewNetworkSocket(sockFD, config.BackendDefault, logging.Noop())
	if err != nil {
		t.Fatalf("NewNetworkSocket failed: %v", err)
	}
	defer sock.Close()

	dest := packet.Endpoint{Address: "127.0.0.1", Port: peerPort, Protocol: packet.IPv4}
	if err := sock.Connect(dest); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The peer connects back to sock's address so plain Write/Read
	// works on its raw fd without needing sendto/recvfrom.
	peerDest := &unix.SockaddrInet4{Port: int(sockPort)}
	copy(peerDest.Addr[:], net.ParseIP("127.0.0.1").To4())
	if err := unix.Connect(peerFD, peerDest); err != nil {
		t.Fatalf("peer Connect failed: %v", err)
	}

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	p := &packet.Packet{Payload: payload, Length: len(payload), Protocol: packet.IPv4}
	if err := sock.WritePackets([]*packet.Packet{p}); err != nil {
		t.Fatalf("WritePackets failed: %v", err)
	}

	buf := make([]byte, 64)
	n, err := unix.Read(peerFD, buf)
	if err != nil {
		t.Fatalf("Read on peer failed: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("peer received %d bytes, want %d", n, len(payload))
	}

	if _, err := unix.Write(peerFD, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("peer Write failed: %v", err)
	}
	packets, err := sock.ReadPackets()
	if err != nil {
		t.Fatalf("ReadPackets failed: %v", err)
	}
	if len(packets) != 1 || packets[0].Length != 3 {
		t.Fatalf("unexpected ReadPackets result: %+v", packets)
	}
	packets[0].Release()
}

func TestNetworkSocketWriteBeforeConnectFails(t *testing.T) {
	sockFD, _ := newLoopbackUDPFD(t)
	sock, err := NewNetworkSocket(sockFD, config.BackendDefault, logging.Noop())
	if err != nil {
		t.Fatalf("NewNetworkSocket failed: %v", err)
	}
	defer sock.Close()

	p := &packet.Packet{Payload: []byte{0x01}, Length: 1, Protocol: packet.IPv4}
	err = sock.WritePackets([]*packet.Packet{p})
	if !status.Is(err, status.Internal) {
		t.Fatalf("WritePackets before Connect: got %v, want an Internal status", err)
	}
}

func TestNetworkSocketWriteAfterCloseFails(t *testing.T) {
	sockFD, _ := newLoopbackUDPFD(t)
	peerFD, peerPort := newLoopbackUDPFD(t)
	defer unix.Close(peerFD)

	sock, err := NewNetworkSocket(sockFD, config.BackendDefault, logging.Noop())
	if err != nil {
		t.Fatalf("NewNetworkSocket failed: %v", err)
	}
	dest := packet.Endpoint{Address: "127.0.0.1", Port: peerPort, Protocol: packet.IPv4}
	if err := sock.Connect(dest); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	p := &packet.Packet{Payload: []byte{0x01}, Length: 1, Protocol: packet.IPv4}
	err = sock.WritePackets([]*packet.Packet{p})
	if !status.Is(err, status.Internal) {
		t.Fatalf("WritePackets after Close: got %v, want an Internal status", err)
	}
}

func TestNetworkSocketCloseRacesRead(t *testing.T) {
	sockFD, _ := newLoopbackUDPFD(t)
	peerFD, peerPort := newLoopbackUDPFD(t)
	defer unix.Close(peerFD)

	sock, err := NewNetworkSocket(sockFD, config.BackendDefault, logging.Noop())
	if err != nil {
		t.Fatalf("NewNetworkSocket failed: %v", err)
	}
	dest := packet.Endpoint{Address: "127.0.0.1", Port: peerPort, Protocol: packet.IPv4}
	if err := sock.Connect(dest); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		packets, err := sock.ReadPackets()
		if err != nil {
			t.Errorf("ReadPackets after Close returned an error: %v", err)
			return
		}
		if len(packets) != 0 {
			t.Errorf("expected no packets after Close, got %d", len(packets))
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := sock.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ReadPackets did not return after Close")
	}
}

func TestNetworkSocketDiscoverPathMTUOnClosedSocket(t *testing.T) {
	sockFD, _ := newLoopbackUDPFD(t)
	sock, err := NewNetworkSocket(sockFD, config.BackendDefault, logging.Noop())
	if err != nil {
		t.Fatalf("NewNetworkSocket failed: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := sock.DiscoverPathMTU(); !status.Is(err, status.Internal) {
		t.Fatalf("DiscoverPathMTU on closed socket: got %v, want an Internal status", err)
	}
}
