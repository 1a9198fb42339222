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

// Package datapath implements IpSecDatapath: the top-level coordinator
// that holds the retained tunnel, the current network socket and
// forwarder, and the key material they were built from, and that talks
// to the platform binding and the notification bus on the session
// controller's behalf.
package datapath

import (
	"time"

	"github.com/ppnclient/datapath/pkg/platform"
)

// Variant distinguishes the kind of session parameters a Start or
// SetKeyMaterials call carries. IpSecDatapath only ever accepts
// VariantIPSec; any other variant (reserved for sibling protocols the
// surrounding product may someday support) is rejected with
// status.InvalidArgument, matching the source's "does not carry an
// IPsec variant" check.
type Variant int

const (
	VariantUnspecified Variant = iota
	VariantIPSec
)

// Params bundles session parameters for Start and SetKeyMaterials. Key
// is only meaningful when Variant is VariantIPSec.
type Params struct {
	Variant Variant
	Key     platform.KeyMaterial
}

// EgressResponse is the opaque result of egress negotiation, a concern
// this core does not parse or validate; it is threaded through Start
// only so the session controller has a single call that both supplies
// the negotiated egress and seeds key material.
type EgressResponse struct {
	Raw []byte
}

// State is one of the DatapathState values from the data model: Idle
// before the first Start, KeyedOnly once key material has been stored
// but no forwarder is running, Forwarding while a PacketForwarder is
// active, and Stopped once Stop has been called.
type State int

const (
	StateIdle State = iota
	StateKeyedOnly
	StateForwarding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeyedOnly:
		return "keyed_only"
	case StateForwarding:
		return "forwarding"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DebugInfo is the point-in-time snapshot GetDebugInfo fills, mirroring
// ipsec_datapath.cc's GetDebugInfo plumbing through to the forwarder's
// counters.
type DebugInfo struct {
	State           State
	UplinkPackets   int64
	UplinkBytes     int64
	DownlinkPackets int64
	DownlinkBytes   int64
	Uptime          time.Duration
}
