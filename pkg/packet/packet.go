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

// Package packet defines the wire-adjacent types shuttled between the
// tunnel and network socket endpoints: raw IP packets, the keepalive
// sentinel, and the endpoint address type used to describe both tunnel
// peers and network destinations.
package packet

import (
	"fmt"

	"github.com/songgao/water/waterutil"
)

// IPProtocol identifies the address family a Packet or Endpoint belongs
// to. Unknown marks the keepalive sentinel, which carries no real IP
// payload, and any packet whose family was not determined: every packet
// NetworkSocket.ReadPackets returns, and tunnel packets whose version
// nibble is neither 4 nor 6.
type IPProtocol int

const (
	IPUnknown IPProtocol = iota
	IPv4
	IPv6
)

func (p IPProtocol) String() string {
	switch p {
	case IPv4:
		return "v4"
	case IPv6:
		return "v6"
	default:
		return "unknown"
	}
}

// KeepaliveByte is the single wire-format byte emitted uplink when a
// Tunnel read times out at the configured keepalive interval. This is a
// contract with the peer, not an internal token, and must never change.
const KeepaliveByte byte = 0xFF

// Packet is a single IP packet (or the keepalive sentinel) flowing
// through the datapath. Release must be called exactly once, by
// whichever code path finishes consuming Payload, to return the
// underlying buffer to its pool.
type Packet struct {
	Payload  []byte
	Length   int
	Protocol IPProtocol
	Release  func()
}

// IsKeepalive reports whether p is the uplink keepalive sentinel: a
// single 0xFF byte with unknown protocol.
func (p *Packet) IsKeepalive() bool {
	return p.Protocol == IPUnknown && p.Length == 1 && len(p.Payload) >= 1 && p.Payload[0] == KeepaliveByte
}

// NewKeepalive returns a fresh keepalive Packet. The backing array is a
// static 1-byte buffer, so Release is a no-op rather than returning
// anything to a pool.
func NewKeepalive() *Packet {
	return &Packet{
		Payload:  keepaliveBuf[:],
		Length:   1,
		Protocol: IPUnknown,
		Release:  func() {},
	}
}

var keepaliveBuf = [1]byte{KeepaliveByte}

// DetectProtocol inspects the leading bytes of a raw IP packet read off
// a TUN device and reports its address family. waterutil's IsIPv4/IsIPv6
// only look at the top nibble of the first byte (the IP version field),
// and an empty buffer is answered before either is called, so this is
// safe to call on a truncated or malformed buffer; anything that isn't
// recognizably v4 or v6 comes back IPUnknown. Tunnel.ReadPackets only
// records the result on the packet; nothing rejects an IPUnknown packet.
func DetectProtocol(raw []byte) IPProtocol {
	if len(raw) == 0 {
		return IPUnknown
	}
	switch {
	case waterutil.IsIPv4(raw):
		return IPv4
	case waterutil.IsIPv6(raw):
		return IPv6
	default:
		return IPUnknown
	}
}

// Endpoint is an immutable (address, port, protocol) tuple describing
// either a tunnel peer or a UDP destination.
type Endpoint struct {
	Address  string
	Port     uint16
	Protocol IPProtocol
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}
