//go:build linux

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

import "github.com/ppnclient/datapath/pkg/config"

// New returns a Waiter for the requested backend. BackendDefault and
// BackendEpoll both select epoll, Linux's native readiness mechanism;
// BackendPoll is honored as an explicit downgrade, mainly useful for
// exercising the poll code path on a platform that doesn't otherwise
// take it.
func New(backend config.Backend) (Waiter, error) {
	if backend == config.BackendPoll {
		return newPollWaiter()
	}
	return newEpollWaiter()
}
