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

// Package config loads the datapath's tuning knobs: keepalive defaults
// per address family, the initial path MTU assumption, and which
// EventWaiter backend to request. None of this is the product
// configuration surface the specification excludes; it is the small
// set of numbers a deployment may need to tune without a rebuild.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ppnclient/datapath/internal/errors"
)

// Backend selects the EventWaiter implementation. "epoll" is available
// only on Linux, where it is the default; "poll" is the default on
// darwin/bsd and may also be requested explicitly on Linux. An empty
// value means "let the platform default apply".
type Backend string

const (
	BackendDefault Backend = ""
	BackendEpoll   Backend = "epoll"
	BackendPoll    Backend = "poll"
)

// Config holds the ambient tuning parameters for one datapath instance.
type Config struct {
	IPv4KeepaliveInterval time.Duration `json:"ipv4_keepalive_interval"`
	IPv6KeepaliveInterval time.Duration `json:"ipv6_keepalive_interval"`
	InitialPathMTU        int           `json:"initial_path_mtu"`
	EventWaiterBackend    Backend       `json:"event_waiter_backend"`
}

// Default returns the keepalive defaults from the specification: 20s
// for IPv4, 1h for IPv6, 1500 for the initial path MTU, and no backend
// preference (the platform's default multiplexer is used).
func Default() Config {
	return Config{
		IPv4KeepaliveInterval: 20 * time.Second,
		IPv6KeepaliveInterval: time.Hour,
		InitialPathMTU:        1500,
		EventWaiterBackend:    BackendDefault,
	}
}

// jsonConfig mirrors Config but with durations expressed in
// milliseconds, since encoding/json has no native support for
// time.Duration's string form without a custom (Un)MarshalJSON pair.
type jsonConfig struct {
	IPv4KeepaliveMillis int64   `json:"ipv4_keepalive_millis"`
	IPv6KeepaliveMillis int64   `json:"ipv6_keepalive_millis"`
	InitialPathMTU      int     `json:"initial_path_mtu"`
	EventWaiterBackend  Backend `json:"event_waiter_backend"`
}

// Load reads path as JSON and overlays it on top of Default. Unknown
// fields are rejected, matching the corpus's jsoncfg.Open convention of
// catching typos in hand-edited config files early.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	defer f.Close()

	var jc jsonConfig
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&jc); err != nil {
		return Config{}, errors.Trace(err)
	}

	if jc.IPv4KeepaliveMillis != 0 {
		cfg.IPv4KeepaliveInterval = time.Duration(jc.IPv4KeepaliveMillis) * time.Millisecond
	}
	if jc.IPv6KeepaliveMillis != 0 {
		cfg.IPv6KeepaliveInterval = time.Duration(jc.IPv6KeepaliveMillis) * time.Millisecond
	}
	if jc.InitialPathMTU != 0 {
		cfg.InitialPathMTU = jc.InitialPathMTU
	}
	if jc.EventWaiterBackend != "" {
		cfg.EventWaiterBackend = jc.EventWaiterBackend
	}

	return cfg, nil
}

// KeepaliveIntervalFor returns the configured keepalive interval for
// the given address family, matching §6's per-family defaults.
func (c Config) KeepaliveIntervalFor(isIPv6 bool) time.Duration {
	if isIPv6 {
		return c.IPv6KeepaliveInterval
	}
	return c.IPv4KeepaliveInterval
}
