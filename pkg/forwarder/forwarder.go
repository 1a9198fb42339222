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

// Package forwarder implements the two cooperating pump loops that
// shuttle packets between a Tunnel and a NetworkSocket, classify the
// faults either pump observes, and report progress to an EventSink.
package forwarder

import (
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ppnclient/datapath/pkg/endpoint"
	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/packet"
	"github.com/ppnclient/datapath/pkg/status"
)

// EventSink receives forwarder lifecycle notifications. The datapath
// implements this interface and is responsible for forwarding events
// on to the session controller via the notification bus.
type EventSink interface {
	DatapathEstablished()
	DatapathFailed(st *status.Status)
	DatapathPermanentFailure(st *status.Status)

	// PathMTUChanged reports a new path MTU discovered after an uplink
	// write came back too large for the kernel's current PMTUD estimate.
	// The forwarder keeps running; this is advisory, not a fault.
	PathMTUChanged(pathMTU int)
}

// DebugInfo is a point-in-time snapshot of forwarder counters.
type DebugInfo struct {
	UplinkPackets   int64
	UplinkBytes     int64
	DownlinkPackets int64
	DownlinkBytes   int64
	Uptime          time.Duration
}

// Forwarder owns the uplink (tunnel -> socket) and downlink
// (socket -> tunnel) pump goroutines for one tunnel/socket pairing.
// A Forwarder is used exactly once: create it, Start it, Stop it.
type Forwarder struct {
	tunnel *endpoint.Tunnel
	socket *endpoint.NetworkSocket
	sink   EventSink
	logger logging.Logger

	wg      sync.WaitGroup
	stopped atomic.Bool

	mu          sync.Mutex
	established bool
	terminal    bool

	upWriteDone  atomic.Bool
	downReadDone atomic.Bool

	startedAt time.Time

	uplinkPackets   atomic.Int64
	uplinkBytes     atomic.Int64
	downlinkPackets atomic.Int64
	downlinkBytes   atomic.Int64
}

// New returns a Forwarder over the given tunnel and socket. The tunnel
// is a borrow with a lifetime outlasting the Forwarder; the socket is
// exclusively owned by whoever constructs the Forwarder and must be
// closed by that owner after Stop returns.
func New(tunnel *endpoint.Tunnel, socket *endpoint.NetworkSocket, sink EventSink, logger logging.Logger) *Forwarder {
	return &Forwarder{
		tunnel: tunnel,
		socket: socket,
		sink:   sink,
		logger: logger,
	}
}

// Start spawns the uplink and downlink pumps. It returns immediately;
// DatapathEstablished is reported asynchronously once bidirectional
// traffic has been observed.
func (f *Forwarder) Start() {
	f.startedAt = time.Now()
	f.wg.Add(2)
	go f.runUplink()
	go f.runDownlink()
}

// Stop cancels pending reads on both endpoints and joins both pumps.
// It never emits further notifications, even if a pump was mid-fault
// when Stop was called.
func (f *Forwarder) Stop() {
	f.stopped.Store(true)
	if err := f.tunnel.CancelReadPackets(); err != nil {
		f.logger.WithFields(logging.Fields{}).Warn("failed to cancel tunnel read: ", err)
	}
	if err := f.socket.CancelReadPackets(); err != nil {
		f.logger.WithFields(logging.Fields{}).Warn("failed to cancel socket read: ", err)
	}
	f.wg.Wait()
}

// GetDebugInfo fills out with the current counters.
func (f *Forwarder) GetDebugInfo(out *DebugInfo) {
	out.UplinkPackets = f.uplinkPackets.Load()
	out.UplinkBytes = f.uplinkBytes.Load()
	out.DownlinkPackets = f.downlinkPackets.Load()
	out.DownlinkBytes = f.downlinkBytes.Load()
	if !f.startedAt.IsZero() {
		out.Uptime = time.Since(f.startedAt)
	}
}

func (f *Forwarder) runUplink() {
	defer f.wg.Done()
	for {
		packets, err := f.tunnel.ReadPackets()
		if f.handleReadOutcome("uplink", packets, err) {
			return
		}
		for _, p := range packets {
			writeErr := f.socket.WritePackets([]*packet.Packet{p})
			f.uplinkPackets.Add(1)
			f.uplinkBytes.Add(int64(p.Length))
			p.Release()
			if writeErr != nil {
				if stderrors.Is(writeErr, unix.EMSGSIZE) {
					f.handlePathMTUExceeded()
					continue
				}
				f.reportFault("uplink write", writeErr)
				return
			}
			f.upWriteDone.Store(true)
			f.maybeEstablish()
		}
	}
}

func (f *Forwarder) runDownlink() {
	defer f.wg.Done()
	for {
		packets, err := f.socket.ReadPackets()
		if f.handleReadOutcome("downlink", packets, err) {
			return
		}
		for _, p := range packets {
			f.downReadDone.Store(true)
			f.maybeEstablish()
			writeErr := f.tunnel.WritePackets([]*packet.Packet{p})
			f.downlinkPackets.Add(1)
			f.downlinkBytes.Add(int64(p.Length))
			p.Release()
			if writeErr != nil {
				f.reportFault("downlink write", writeErr)
				return
			}
		}
	}
}

// handleReadOutcome interprets the result of a pump's ReadPackets call.
// It returns true if the pump loop should exit.
func (f *Forwarder) handleReadOutcome(direction string, packets []*packet.Packet, err error) bool {
	if err == nil && len(packets) == 0 {
		// Graceful close: either Close() or CancelReadPackets() was
		// called. No notification; this may simply be Stop().
		f.logger.WithFields(logging.Fields{"direction": direction}).Info("pump closed gracefully")
		return true
	}
	if err != nil {
		f.reportFault(direction+" read", err)
		return true
	}
	return false
}

func (f *Forwarder) reportFault(context string, err error) {
	if f.stopped.Load() {
		// Stop() already cancelled both pumps; any fault surfacing now
		// is a side effect of that cancellation, not a new condition.
		return
	}

	code := status.CodeOf(err)
	st, ok := err.(*status.Status)
	if !ok {
		st = status.Wrap(code, err, context)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal {
		return
	}
	f.terminal = true

	f.logger.WithFields(logging.Fields{"context": context, "code": code.String()}).Warn(
		"packet forwarder fault: ", err)

	// The sink call is made while still holding mu so that, relative to
	// maybeEstablish, the two notifications are posted to the
	// NotificationBus in the same order their state transitions were
	// decided, never out of order (invariant: Established never
	// follows a terminal notification for the same forwarder).
	if code == status.PermanentFailure {
		f.sink.DatapathPermanentFailure(st)
	} else {
		f.sink.DatapathFailed(st)
	}
}

// handlePathMTUExceeded responds to an uplink write that failed with
// EMSGSIZE: it is not a pump fault, just feedback that the previously
// assumed path MTU no longer holds. The oversized packet is dropped
// (the tunnel already released its buffer) and the newly discovered
// MTU is reported upward so the datapath's mtu.Tracker can shrink
// TunnelMTU for subsequent reads.
func (f *Forwarder) handlePathMTUExceeded() {
	newMTU, err := f.socket.DiscoverPathMTU()
	if err != nil {
		f.logger.WithFields(logging.Fields{}).Warn("failed to discover path mtu after EMSGSIZE: ", err)
		return
	}
	f.sink.PathMTUChanged(newMTU)
}

func (f *Forwarder) maybeEstablish() {
	if !f.upWriteDone.Load() || !f.downReadDone.Load() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.established || f.terminal {
		return
	}
	f.established = true
	f.sink.DatapathEstablished()
}
