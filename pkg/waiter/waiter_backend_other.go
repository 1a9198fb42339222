//go:build unix && !linux

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
	"github.com/ppnclient/datapath/internal/errors"
	"github.com/ppnclient/datapath/pkg/config"
)

// New returns a Waiter for the requested backend. Only poll(2) is
// available outside Linux; BackendEpoll is rejected rather than
// silently downgraded, since a caller that explicitly asked for epoll
// likely has a reason to care whether it got it.
func New(backend config.Backend) (Waiter, error) {
	if backend == config.BackendEpoll {
		return nil, errors.TraceNew("epoll backend is not available on this platform")
	}
	return newPollWaiter()
}
