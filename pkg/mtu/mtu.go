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

// Package mtu tracks path MTU and derives the usable tunnel MTU after
// subtracting the per-address-family IPsec overhead, mirroring
// mtu_tracker.h/cc.
package mtu

import "github.com/ppnclient/datapath/pkg/packet"

// DefaultPathMTU is the initial path MTU assumed before any discovery
// feedback has arrived.
const DefaultPathMTU = 1500

// Overhead, in bytes, added by ESP + UDP + IP encapsulation for each
// address family. IPv6's larger fixed header accounts for the delta
// over IPv4.
const (
	overheadV4 = 73
	overheadV6 = 93
)

// Tracker is pure state: no I/O, no locking of its own. Callers that
// share a Tracker across goroutines must provide their own
// synchronization, the same way the source's MtuTracker assumes
// single-threaded access from the datapath's owning goroutine.
type Tracker struct {
	family    packet.IPProtocol
	overhead  int
	pathMTU   int
	tunnelMTU int
}

// New returns a Tracker seeded with DefaultPathMTU for the given
// address family.
func New(family packet.IPProtocol) *Tracker {
	return NewWithPathMTU(family, DefaultPathMTU)
}

// NewWithPathMTU returns a Tracker seeded with the given initial path
// MTU, for tests and configurations that override the default.
func NewWithPathMTU(family packet.IPProtocol, initialPathMTU int) *Tracker {
	t := &Tracker{family: family, pathMTU: initialPathMTU}
	t.recompute()
	return t
}

// UpdateMTU clamps the tracked path MTU to the minimum of its current
// value and newPathMTU: within a session, path MTU only shrinks, never
// grows, matching §4.D.
func (t *Tracker) UpdateMTU(newPathMTU int) {
	if newPathMTU < t.pathMTU {
		t.pathMTU = newPathMTU
	}
	t.recompute()
}

// UpdateDestIPProtocol changes the address family used to compute
// overhead and recomputes TunnelMTU from the current PathMTU.
func (t *Tracker) UpdateDestIPProtocol(family packet.IPProtocol) {
	t.family = family
	t.recompute()
}

// PathMTU returns the current path MTU.
func (t *Tracker) PathMTU() int {
	return t.pathMTU
}

// TunnelMTU returns PathMTU minus the per-family IPsec overhead, never
// negative.
func (t *Tracker) TunnelMTU() int {
	return t.tunnelMTU
}

func (t *Tracker) recompute() {
	t.overhead = overheadFor(t.family)
	tunnelMTU := t.pathMTU - t.overhead
	if tunnelMTU < 0 {
		tunnelMTU = 0
	}
	t.tunnelMTU = tunnelMTU
}

func overheadFor(family packet.IPProtocol) int {
	if family == packet.IPv6 {
		return overheadV6
	}
	return overheadV4
}
