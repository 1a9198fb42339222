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

// Package platform defines the shapes the datapath core exchanges with
// its host application: the key material a rekey/SwitchNetwork call
// installs, the network metadata the platform reports alongside it,
// and the Binding interface the platform implements to hand the core
// protected sockets and configure the kernel's IPsec transform.
//
// The core never opens a socket itself and never calls setsockopt for
// IPsec SAs directly; both are the platform's job, invoked through
// Binding. This mirrors ipsec_datapath.cc's treatment of the Android
// VpnService/IpSecManager bindings as an opaque collaborator.
package platform

import (
	"context"
	"time"

	"github.com/ppnclient/datapath/pkg/packet"
)

// NetworkType classifies the transport underlying a network change,
// carried for logging and debug info only; it never drives control
// flow in the core.
type NetworkType int

const (
	NetworkUnknown NetworkType = iota
	NetworkWifi
	NetworkCellular
	NetworkEthernet
)

func (n NetworkType) String() string {
	switch n {
	case NetworkWifi:
		return "wifi"
	case NetworkCellular:
		return "cellular"
	case NetworkEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// NetworkInfo is the metadata snapshot the session controller attaches
// to a SwitchNetwork or key-material update. It is optional: a zero
// NetworkInfo with NetworkID 0 means the caller did not supply one.
type NetworkInfo struct {
	NetworkID   uint64
	NetworkType NetworkType
}

// KeyMaterial is everything the core needs to stand up or rotate one
// IPsec session: the negotiated SPIs and keys to hand the platform for
// SA installation, the destination the tunnel traffic is addressed to,
// the fd of an already-protected socket bound to the network the
// session should use, and the keepalive cadence the forwarder should
// apply to the tunnel side.
//
// NetworkFD is set by IpSecDatapath.SwitchNetwork to the fd of the
// socket it obtained from Binding; the core owns and closes that
// socket, the caller must not. A NetworkFD supplied to Start is only
// stored, is replaced by the next SwitchNetwork, and is not closed by
// the core.
type KeyMaterial struct {
	UplinkSPI   uint32
	DownlinkSPI uint32
	UplinkKey   []byte
	DownlinkKey []byte

	Destination packet.Endpoint

	NetworkFD         int
	KeepaliveInterval time.Duration

	// Network is an optional snapshot of the network this key material
	// applies to, for logging and debug info.
	Network NetworkInfo
}

// Binding is the platform-supplied collaborator the core uses for
// everything that requires OS privilege it does not itself hold:
// opening a socket that is both bound to a specific network and
// protected from routing back through the VPN's own TUN device, and
// programming the kernel's IPsec SA/SP database.
//
// The core never opens TUN devices through Binding: the platform hands
// the core a live TUN fd out of band, at construction time, the same
// way ipsec_datapath.cc receives tunnel_fd from its caller rather than
// opening /dev/net/tun itself.
type Binding interface {
	// CreateProtectedNetworkSocket returns an unconnected UDP socket fd
	// bound to the network identified by info and marked so platform
	// routing does not loop it back through the VPN tunnel. dest is
	// advisory, used only to pick the correct address family; the
	// returned fd is not yet connected.
	CreateProtectedNetworkSocket(ctx context.Context, info NetworkInfo, dest packet.Endpoint) (fd int, err error)

	// ConfigureIPSec programs the kernel's IPsec transform (SAs and,
	// where applicable, policy) for the session described by key. Start
	// does not call it; it is called once per SwitchNetwork whose socket
	// was created and connected, and once per SetKeyMaterials, before the
	// core begins forwarding traffic on the new key material.
	ConfigureIPSec(key KeyMaterial) error
}
