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

package datapath

import (
	"sync"

	"github.com/ppnclient/datapath/pkg/logging"
	"github.com/ppnclient/datapath/pkg/status"
)

// NotificationHandler is the session controller's callback interface.
// The datapath never invokes these methods synchronously from within a
// public API call; every notification crosses through a NotificationBus
// first, so the controller always observes them from its own serial
// executor, never reentrantly.
type NotificationHandler interface {
	DatapathEstablished()
	DatapathFailed(st *status.Status)
	DatapathPermanentFailure(st *status.Status)

	// DoRekey is reserved for a future session-timer integration; the
	// datapath described here never calls it.
	DoRekey()
}

// NotificationBus is a single-consumer FIFO queue: every event the
// datapath produces is enqueued here and replayed to the handler, in
// order, from one dedicated goroutine. This is the Go analogue of the
// source's looper-thread notification posting, and the reason the
// handler never has to guard against reentrant calls back into the
// datapath from within one of its own callbacks.
type NotificationBus struct {
	handler NotificationHandler
	logger  logging.Logger

	queue chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewNotificationBus returns a bus that will deliver events to handler.
// Start must be called before any Post method, and Stop after the
// datapath that owns this bus is done posting to it.
func NewNotificationBus(handler NotificationHandler, logger logging.Logger) *NotificationBus {
	return &NotificationBus{
		handler: handler,
		logger:  logger,
		queue:   make(chan func(), 32),
		done:    make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (b *NotificationBus) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop drains no further work, closes the done channel, and waits for
// the consumer goroutine to exit. Posting after Stop is a programmer
// error and never panics, since a racing late post from a just-stopped
// forwarder is expected during shutdown; such a post is never
// delivered: it either lands in the queue nobody drains any more or,
// when the select picks the closed done channel, is dropped with a
// warning.
func (b *NotificationBus) Stop() {
	close(b.done)
	b.wg.Wait()
}

func (b *NotificationBus) run() {
	defer b.wg.Done()
	for {
		select {
		case fn := <-b.queue:
			fn()
		case <-b.done:
			return
		}
	}
}

func (b *NotificationBus) post(fn func()) {
	select {
	case b.queue <- fn:
	case <-b.done:
		b.logger.WithFields(logging.Fields{}).Warn("dropped notification posted after bus stop")
	}
}

// PostEstablished enqueues a DatapathEstablished callback.
func (b *NotificationBus) PostEstablished() {
	b.post(b.handler.DatapathEstablished)
}

// PostFailed enqueues a DatapathFailed callback.
func (b *NotificationBus) PostFailed(st *status.Status) {
	b.post(func() { b.handler.DatapathFailed(st) })
}

// PostPermanentFailure enqueues a DatapathPermanentFailure callback.
func (b *NotificationBus) PostPermanentFailure(st *status.Status) {
	b.post(func() { b.handler.DatapathPermanentFailure(st) })
}

// PostRekey enqueues a DoRekey callback. Unused by IpSecDatapath today;
// kept so the bus's surface matches NotificationHandler completely.
func (b *NotificationBus) PostRekey() {
	b.post(b.handler.DoRekey)
}
