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

//go:build linux

package tundevice

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
)

// Requires CAP_NET_ADMIN. Follows the same TUNSETIFF ioctl sequence
// the teacher's createTunDevice uses, ported from raw syscall.Syscall
// to golang.org/x/sys/unix, which the rest of this module already
// depends on for the waiter and endpoint packages.
func open() (int, string, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, "", errors.Trace(err)
	}

	const (
		ifNameSize   = 16
		ifReqPadSize = 40 - 18
	)

	var name [ifNameSize]byte
	copy(name[:], "tun%d")

	ifReq := struct {
		name  [ifNameSize]byte
		flags uint16
		pad   [ifReqPadSize]byte
	}{
		name:  name,
		flags: unix.IFF_TUN | unix.IFF_NO_PI,
	}

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&ifReq)))
	if errno != 0 {
		unix.Close(fd)
		return -1, "", errors.Trace(errno)
	}

	deviceName := strings.Trim(string(ifReq.name[:]), "\x00")
	return fd, deviceName, nil
}
