// Intel 82540EP/EM Gigabit Ethernet driver
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package netdev binds an e1000 controller to a host networking stack,
// providing the interface lifecycle, deferred receive processing and traffic
// accounting that the embedding kernel expects from a network driver.
//
// The host supplies its stack attachment through the Link interface and its
// deferral primitive through the Scheduler interface, keeping the driver
// core testable against pure in-memory fakes.
package netdev

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/f-secure-foundry/tamago-e1000/e1000"
)

// minFrameLen is the minimum Ethernet frame size, short transmit frames are
// padded up to it.
const minFrameLen = 60

// ethHeaderLen is the Ethernet II header size.
const ethHeaderLen = 14

// ErrBusy is returned by Transmit when the controller ring is full, the
// transmit queue is stopped until slots free up.
var ErrBusy = errors.New("transmit queue busy")

// Interface states
const (
	Uninitialized = iota
	Running
	Paused
)

// Link is the host network stack attachment point.
type Link interface {
	// Deliver hands a received Ethernet frame to the host stack, the
	// frame buffer is owned by the callee.
	Deliver(frame []byte)

	// CarrierOn and CarrierOff report link state transitions.
	CarrierOn()
	CarrierOff()

	// StartQueue and StopQueue control the host transmit queue.
	StartQueue()
	StopQueue()
}

// Scheduler defers receive processing out of interrupt context, Schedule
// requests a later Poll invocation from the host.
type Scheduler interface {
	Schedule()
}

// Stats holds interface traffic counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

// Interface binds an e1000 controller instance to a host network stack.
type Interface struct {
	sync.Mutex

	// counters follow the 8 byte mutex to keep them 64-bit aligned
	stats Stats

	// NIC is the driven controller.
	NIC *e1000.E1000
	// Link is the host network stack attachment.
	Link Link
	// Scheduler defers receive processing out of interrupt context.
	Scheduler Scheduler

	state int

	queueStopped bool
}

// Open initializes the controller on first use and starts the interface:
// the transmit queue is started, interrupts are enabled, a link status
// change interrupt is raised to kick the link watchdog and the carrier is
// reported up.
func (iface *Interface) Open() (err error) {
	iface.Lock()
	defer iface.Unlock()

	if iface.NIC == nil || iface.Link == nil || iface.Scheduler == nil {
		return errors.New("invalid interface instance")
	}

	if iface.state == Running {
		return
	}

	if iface.state == Uninitialized {
		if err = iface.NIC.Init(); err != nil {
			return
		}
	}

	iface.Link.StartQueue()
	iface.queueStopped = false

	iface.NIC.EnableIRQ()
	iface.NIC.CauseLSC()

	iface.Link.CarrierOn()
	iface.state = Running

	return
}

// Stop pauses the interface: the carrier is reported down, interrupts are
// masked and the transmit queue is stopped. The interface can be resumed
// with Open().
func (iface *Interface) Stop() {
	iface.Lock()
	defer iface.Unlock()

	if iface.state != Running {
		return
	}

	iface.Link.CarrierOff()
	iface.NIC.DisableIRQ()
	iface.Link.StopQueue()

	iface.state = Paused
}

// Close tears the interface down, releasing the controller DMA memory. The
// interface cannot be used afterwards.
func (iface *Interface) Close() (err error) {
	iface.Stop()

	iface.Lock()
	defer iface.Unlock()

	iface.state = Uninitialized

	return iface.NIC.Close()
}

// Transmit pads the argument frame to the Ethernet minimum size and queues
// it for transmission. ErrBusy is returned when no transmit slot is
// available, in which case the transmit queue is stopped until Poll()
// observes free slots.
func (iface *Interface) Transmit(frame []byte) (err error) {
	iface.Lock()
	defer iface.Unlock()

	if iface.state != Running {
		return errors.New("interface not running")
	}

	if len(frame) < minFrameLen {
		padded := make([]byte, minFrameLen)
		copy(padded, frame)
		frame = padded
	}

	n, err := iface.NIC.Transmit(frame)

	switch {
	case errors.Is(err, e1000.ErrTxFull):
		iface.Link.StopQueue()
		iface.queueStopped = true
		return ErrBusy
	case err != nil && !errors.Is(err, e1000.ErrTxTruncated):
		return
	}

	atomic.AddUint64(&iface.stats.TxPackets, 1)
	atomic.AddUint64(&iface.stats.TxBytes, uint64(n))

	return nil
}

// IRQ services a hard interrupt, returning whether the controller raised
// it. Receive processing is deferred to Poll() through the scheduler, link
// state transitions are propagated to the host immediately.
func (iface *Interface) IRQ() bool {
	icr := iface.NIC.Intr()

	if icr&e1000.IMS_ENABLE_MASK == 0 {
		return false
	}

	if icr&e1000.IMS_LSC != 0 {
		if iface.NIC.LinkUp() {
			iface.Link.CarrierOn()
		} else {
			iface.Link.CarrierOff()
		}
	}

	if icr&e1000.IMS_RXT0 != 0 {
		iface.Scheduler.Schedule()
	}

	return true
}

// Poll drains the receive ring, delivering pending frames to the host stack
// in arrival order, and returns the amount of work done. A single drain is
// bounded by the ring size; a budget smaller than the pending backlog only
// affects the returned count, as frames copied out of the ring are always
// delivered. Nothing is drained unless the interface is running.
//
// Poll also restarts the transmit queue when a previously full ring has
// free slots again.
func (iface *Interface) Poll(budget int) (work int) {
	iface.Lock()
	running := iface.state == Running
	iface.Unlock()

	if !running {
		return
	}

	pkts, err := iface.NIC.Recv()

	if err != nil {
		print("e1000: ", err.Error(), "\n")
	}

	for _, pkt := range pkts {
		iface.Link.Deliver(pkt)

		atomic.AddUint64(&iface.stats.RxPackets, 1)
		atomic.AddUint64(&iface.stats.RxBytes, uint64(len(pkt)))

		if work < budget || budget <= 0 {
			work++
		}
	}

	iface.Lock()

	if iface.queueStopped && iface.NIC.TxAvailable() {
		iface.queueStopped = false
		iface.Link.StartQueue()
	}

	iface.Unlock()

	return
}

// ReadStats returns a snapshot of the interface traffic counters.
func (iface *Interface) ReadStats() Stats {
	return Stats{
		RxPackets: atomic.LoadUint64(&iface.stats.RxPackets),
		RxBytes:   atomic.LoadUint64(&iface.stats.RxBytes),
		TxPackets: atomic.LoadUint64(&iface.stats.TxPackets),
		TxBytes:   atomic.LoadUint64(&iface.stats.TxBytes),
	}
}
