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

package packet

import "testing"

func TestKeepaliveRoundTrip(t *testing.T) {
	p := NewKeepalive()
	if !p.IsKeepalive() {
		t.Fatalf("expected NewKeepalive to produce a keepalive packet")
	}
	if p.Length != 1 || p.Payload[0] != KeepaliveByte {
		t.Fatalf("unexpected keepalive payload: %v", p.Payload[:p.Length])
	}
	// Release on the static keepalive buffer must be safe to call
	// repeatedly and do nothing observable.
	p.Release()
	p.Release()
}

func TestIsKeepaliveRejectsOrdinaryPackets(t *testing.T) {
	cases := []*Packet{
		{Payload: []byte{KeepaliveByte, 0x00}, Length: 2, Protocol: IPUnknown},
		{Payload: []byte{0x45}, Length: 1, Protocol: IPv4},
		{Payload: []byte{KeepaliveByte}, Length: 1, Protocol: IPv4},
	}
	for i, p := range cases {
		if p.IsKeepalive() {
			t.Errorf("case %d: expected IsKeepalive to be false for %+v", i, p)
		}
	}
}

func TestIPProtocolString(t *testing.T) {
	tests := map[IPProtocol]string{
		IPv4:       "v4",
		IPv6:       "v6",
		IPUnknown:  "unknown",
		IPProtocol(99): "unknown",
	}
	for proto, want := range tests {
		if got := proto.String(); got != want {
			t.Errorf("IPProtocol(%d).String() = %q, want %q", proto, got, want)
		}
	}
}

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want IPProtocol
	}{
		{"ipv4 header", []byte{0x45, 0x00, 0x00, 0x3c}, IPv4},
		{"ipv6 header", []byte{0x60, 0x00, 0x00, 0x00}, IPv6},
		{"keepalive byte", []byte{KeepaliveByte}, IPUnknown},
		{"empty", []byte{}, IPUnknown},
	}
	for _, tc := range tests {
		if got := DetectProtocol(tc.raw); got != tc.want {
			t.Errorf("%s: DetectProtocol(%v) = %v, want %v", tc.name, tc.raw, got, tc.want)
		}
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{Address: "198.51.100.1", Port: 4500, Protocol: IPv4}
	if got, want := e.String(), "198.51.100.1:4500"; got != want {
		t.Errorf("Endpoint.String() = %q, want %q", got, want)
	}
}
