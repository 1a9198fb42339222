//go:build darwin || freebsd || netbsd || openbsd

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

package waiter

import (
	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
)

func newPipeCancelFD() (*CancelFD, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, errors.Trace(err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, errors.Trace(err)
		}
		unix.CloseOnExec(fd)
	}
	return newCancelFD(fds[0], fds[1]), nil
}
