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

//go:build unix

package datapath

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/internal/errors"
	"github.com/ppnclient/datapath/pkg/config"
	"github.com/ppnclient/datapath/pkg/endpoint"
	"github.com/ppnclient/datapath/pkg/forwarder"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/mtu"
	"github.com/ppnclient/datapath/pkg/packet"
	"github.com/ppnclient/datapath/pkg/platform"
	"github.com/ppnclient/datapath/pkg/status"
)

// IpSecDatapath is the top-level coordinator: it holds the retained
// tunnel, the current network socket and forwarder (if any), and the
// key material they were built from, and mediates every mutation of
// that state through a single mutex. It implements forwarder.EventSink
// so it can intervene between a forwarder's fault and the notification
// reaching the session controller.
type IpSecDatapath struct {
	tunnel  *endpoint.Tunnel
	binding platform.Binding
	cfg     config.Config
	logger  logging.Logger

	busMu sync.Mutex
	bus   *NotificationBus

	mu        sync.Mutex
	state     State
	keySet    bool
	egress    EgressResponse
	key       platform.KeyMaterial
	socket    *endpoint.NetworkSocket
	forwarder *forwarder.Forwarder
	mtu       *mtu.Tracker
}

// New returns an IpSecDatapath over tunnel, a long-lived fd borrowed
// from the platform binding for this datapath instance's entire
// lifetime. binding supplies protected sockets and programs the kernel
// IPsec transform; cfg supplies keepalive and MTU defaults.
func New(tunnel *endpoint.Tunnel, binding platform.Binding, cfg config.Config, logger logging.Logger) *IpSecDatapath {
	return &IpSecDatapath{
		tunnel:  tunnel,
		binding: binding,
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
	}
}

// RegisterNotificationHandler wires handler to this datapath's
// NotificationBus and starts the bus's consumer goroutine. It must be
// called exactly once, before Start; Start asserts this has happened,
// mirroring the source's debug assertion rather than silently dropping
// notifications for an unregistered handler.
func (d *IpSecDatapath) RegisterNotificationHandler(handler NotificationHandler) {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	d.bus = NewNotificationBus(handler, d.logger)
	d.bus.Start()
}

// Close stops the notification bus's consumer goroutine. It must be
// called after Stop, once the caller is certain no further forwarder
// activity can post to the bus.
func (d *IpSecDatapath) Close() {
	d.busMu.Lock()
	bus := d.bus
	d.busMu.Unlock()
	if bus != nil {
		bus.Stop()
	}
}

// Start seeds key material for the first time. egress is the opaque
// result of egress negotiation performed by the session controller;
// this core does not parse or validate it, only retains it; GetDebugInfo
// does not report it. Start does not start a forwarder; that happens on
// the first successful SwitchNetwork.
func (d *IpSecDatapath) Start(egress EgressResponse, params Params) error {
	d.busMu.Lock()
	registered := d.bus != nil
	d.busMu.Unlock()
	if !registered {
		panic("datapath: Start called before RegisterNotificationHandler")
	}

	if params.Variant != VariantIPSec {
		return status.New(status.InvalidArgument, "start requires an IPsec key material variant")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.egress = egress
	d.key = params.Key
	d.keySet = true
	d.mtu = mtu.NewWithPathMTU(params.Key.Destination.Protocol, d.cfg.InitialPathMTU)
	if d.state == StateIdle {
		d.state = StateKeyedOnly
	}
	return nil
}

// SwitchNetwork tears down any existing forwarder and network socket,
// requests a freshly protected socket bound to dest over the network
// described by info, installs the IPsec transform, and starts a new
// PacketForwarder over the retained tunnel. Socket-allocation and
// connect failures are reported as a DatapathFailed notification with
// a nil return (the session controller owns retry policy);
// ConfigureIPSec failures are returned synchronously with no forwarder
// started.
func (d *IpSecDatapath) SwitchNetwork(ctx context.Context, sessionID uint32, dest packet.Endpoint, info *platform.NetworkInfo) error {
	if info == nil {
		return status.New(status.InvalidArgument, "switch network requires network info")
	}
	if dest.Protocol != packet.IPv4 && dest.Protocol != packet.IPv6 {
		return status.New(status.Internal, "unsupported address family for endpoint")
	}

	d.mu.Lock()
	d.teardownLocked()
	if !d.keySet {
		d.mu.Unlock()
		return status.New(status.FailedPrecondition, "switch network called before start")
	}
	key := d.key
	key.UplinkSPI = sessionID
	key.Destination = dest
	key.Network = *info
	key.KeepaliveInterval = d.cfg.KeepaliveIntervalFor(dest.Protocol == packet.IPv6)
	d.mu.Unlock()

	// Platform calls cross into code that may block on real I/O; they
	// run with the datapath mutex released, per the invariant that no
	// public method holds the mutex across anything longer than a
	// syscall round trip.
	fd, err := d.binding.CreateProtectedNetworkSocket(ctx, *info, dest)
	if err != nil {
		d.commitKeyedOnly(key)
		d.postFailed(status.Wrap(status.Unavailable, err, "creating protected network socket"))
		return nil
	}

	sock, err := endpoint.NewNetworkSocket(fd, d.cfg.EventWaiterBackend, d.logger)
	if err != nil {
		unix.Close(fd)
		d.commitKeyedOnly(key)
		d.postFailed(status.Wrap(status.Unavailable, err, "wrapping protected network socket"))
		return nil
	}

	if err := sock.Connect(dest); err != nil {
		sock.Close()
		d.commitKeyedOnly(key)
		d.postFailed(status.Wrap(status.Unavailable, err, "connecting protected network socket"))
		return nil
	}

	key.NetworkFD = fd
	if err := d.binding.ConfigureIPSec(key); err != nil {
		sock.Close()
		d.commitKeyedOnly(key)
		return errors.Trace(err)
	}

	d.tunnel.SetKeepaliveInterval(key.KeepaliveInterval)
	fwd := forwarder.New(d.tunnel, sock, d, d.logger)

	d.mu.Lock()
	d.key = key
	d.socket = sock
	d.forwarder = fwd
	d.state = StateForwarding
	if d.mtu == nil {
		d.mtu = mtu.NewWithPathMTU(dest.Protocol, d.cfg.InitialPathMTU)
	} else {
		d.mtu.UpdateDestIPProtocol(dest.Protocol)
	}
	d.mu.Unlock()

	fwd.Start()
	return nil
}

// SetKeyMaterials replaces the SPIs, keys, and (when the new one is
// positive) the keepalive interval in place and re-programs the kernel
// transform, without touching the
// current socket or forwarder. The destination, network id, and
// network fd carried by the existing key material are preserved, since
// they describe a socket this call does not recreate.
func (d *IpSecDatapath) SetKeyMaterials(params Params) error {
	if params.Variant != VariantIPSec {
		return status.New(status.InvalidArgument, "set key materials requires an IPsec variant")
	}

	d.mu.Lock()
	if !d.keySet {
		d.mu.Unlock()
		return status.New(status.FailedPrecondition, "set key materials called before start")
	}
	next := d.key
	next.UplinkSPI = params.Key.UplinkSPI
	next.DownlinkSPI = params.Key.DownlinkSPI
	next.UplinkKey = params.Key.UplinkKey
	next.DownlinkKey = params.Key.DownlinkKey
	if params.Key.KeepaliveInterval > 0 {
		next.KeepaliveInterval = params.Key.KeepaliveInterval
	}
	d.mu.Unlock()

	if err := d.binding.ConfigureIPSec(next); err != nil {
		return errors.Trace(err)
	}

	d.mu.Lock()
	d.key = next
	d.mu.Unlock()
	d.tunnel.SetKeepaliveInterval(next.KeepaliveInterval)
	return nil
}

// Stop tears down the current forwarder and network socket. It never
// closes the tunnel, which belongs to the platform binding.
func (d *IpSecDatapath) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardownLocked()
	d.state = StateStopped
}

// GetDebugInfo snapshots the current forwarder's counters, if any.
func (d *IpSecDatapath) GetDebugInfo(out *DebugInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out.State = d.state
	if d.forwarder == nil {
		return
	}
	var fd forwarder.DebugInfo
	d.forwarder.GetDebugInfo(&fd)
	out.UplinkPackets = fd.UplinkPackets
	out.UplinkBytes = fd.UplinkBytes
	out.DownlinkPackets = fd.DownlinkPackets
	out.DownlinkBytes = fd.DownlinkBytes
	out.Uptime = fd.Uptime
}

// teardownLocked stops and discards the current forwarder and socket,
// if any. Callers must hold d.mu. Forwarder.Stop blocks until both
// pumps exit, so this must never be called from within a pump
// goroutine of the forwarder it is tearing down — see DatapathFailed
// and DatapathPermanentFailure below.
func (d *IpSecDatapath) teardownLocked() {
	if d.forwarder != nil {
		d.forwarder.Stop()
		d.forwarder = nil
	}
	if d.socket != nil {
		if err := d.socket.Close(); err != nil {
			d.logger.WithFields(logging.Fields{}).Warn("failed to close network socket: ", err)
		}
		d.socket = nil
	}
	if d.state == StateForwarding {
		d.state = StateKeyedOnly
	}
}

func (d *IpSecDatapath) commitKeyedOnly(key platform.KeyMaterial) {
	d.mu.Lock()
	d.key = key
	if d.state != StateStopped {
		d.state = StateKeyedOnly
	}
	d.mu.Unlock()
}

func (d *IpSecDatapath) postFailed(st *status.Status) {
	d.busMu.Lock()
	bus := d.bus
	d.busMu.Unlock()
	bus.PostFailed(st)
}

// DatapathEstablished implements forwarder.EventSink. It is safe to
// call synchronously from within a pump goroutine: posting to the bus
// only enqueues onto a buffered channel drained by its own consumer
// goroutine (blocking only while that queue is full), and never calls
// the handler inline.
func (d *IpSecDatapath) DatapathEstablished() {
	d.busMu.Lock()
	bus := d.bus
	d.busMu.Unlock()
	bus.PostEstablished()
}

// DatapathFailed implements forwarder.EventSink. The teardown it
// triggers joins the forwarder's pump goroutines, so it is dispatched
// onto a fresh goroutine rather than run inline: reportFault calls
// this method from within the very pump goroutine that is about to
// exit, and joining a WaitGroup from inside one of the goroutines it
// is waiting on deadlocks.
func (d *IpSecDatapath) DatapathFailed(st *status.Status) {
	go d.handleTerminal(st, false)
}

// DatapathPermanentFailure implements forwarder.EventSink. See
// DatapathFailed for why this is dispatched asynchronously.
func (d *IpSecDatapath) DatapathPermanentFailure(st *status.Status) {
	go d.handleTerminal(st, true)
}

// PathMTUChanged implements forwarder.EventSink. It is advisory
// feedback, not a fault: the forwarder kept running and simply dropped
// one oversized packet.
func (d *IpSecDatapath) PathMTUChanged(pathMTU int) {
	d.mu.Lock()
	if d.mtu != nil {
		d.mtu.UpdateMTU(pathMTU)
	}
	d.mu.Unlock()
}

func (d *IpSecDatapath) handleTerminal(st *status.Status, permanent bool) {
	d.mu.Lock()
	d.teardownLocked()
	d.mu.Unlock()

	d.busMu.Lock()
	bus := d.bus
	d.busMu.Unlock()

	if permanent {
		bus.PostPermanentFailure(st)
	} else {
		bus.PostFailed(st)
	}
}
