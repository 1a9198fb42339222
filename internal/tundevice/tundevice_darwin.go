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

//go:build darwin

package tundevice

import (
	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
)

const utunControlName = "com.apple.net.utun_control"

// Darwin has no /dev/net/tun; a utun device is opened by connecting a
// PF_SYSTEM control socket to the kernel's utun_control and letting it
// assign a unit. Uses x/sys/unix's CtlInfo/IoctlCtlInfo/SockaddrCtl
// helpers rather than hand-rolled ioctl syscalls.
func open() (int, string, error) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return -1, "", errors.Trace(err)
	}

	var ctlInfo unix.CtlInfo
	copy(ctlInfo.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, &ctlInfo); err != nil {
		unix.Close(fd)
		return -1, "", errors.Trace(err)
	}

	sa := &unix.SockaddrCtl{ID: ctlInfo.Id, Unit: 0}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, "", errors.Trace(err)
	}

	const utunOptIfName = 2
	name, err := unix.GetsockoptString(fd, unix.SYSPROTO_CONTROL, utunOptIfName)
	if err != nil {
		unix.Close(fd)
		return -1, "", errors.Trace(err)
	}

	return fd, name, nil
}

// A utun device prepends a 4-byte address-family header to every
// packet, which endpoint.Tunnel does not strip (it assumes the
// IFF_NO_PI framing the source's TUN and this package's Linux sibling
// both use). Real-device mode is a Linux-first convenience for
// cmd/datapathsim; running it against a real utun device would need an
// unwrapping step this package does not provide.
