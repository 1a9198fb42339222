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

// Package tundevice opens a real TUN device for manual end-to-end
// testing of the datapath (cmd/datapathsim's "-real-tun" mode).
//
// The datapath core itself never calls this package: a production
// caller receives an already-open TUN fd from its platform binding,
// the way ipsec_tunnel.cc receives tunnel_fd from its caller rather
// than opening /dev/net/tun itself. This package exists only so the
// simulator harness can exercise the core against a real kernel
// interface instead of an in-process socketpair, when run with the
// privilege (root or CAP_NET_ADMIN) that requires.
package tundevice

// Open creates (or attaches to, on platforms that support naming) a
// TUN device and returns its fd and interface name. On Linux the
// returned fd has IFF_NO_PI semantics: packets read and written carry
// no leading protocol header. On darwin a utun fd prepends a 4-byte
// address-family header to every packet, which this package does not
// strip (see tundevice_darwin.go).
func Open() (fd int, name string, err error) {
	return open()
}
