// Intel 82540EP/EM Gigabit Ethernet driver
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package netdev

import (
	"encoding/binary"
	"errors"
	"net"
	"runtime"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// StackLink attaches an Interface to a gVisor tcpip stack through a channel
// endpoint, received frames are injected inbound with their EtherType and
// outbound packets are serialized to Ethernet frames towards the gateway
// address.
//
// Applications are meant to create the channel endpoint, attach it to a
// tcpip stack NIC and spawn Start() in a dedicated goroutine.
type StackLink struct {
	// Device MAC address, used as the source of outbound frames.
	Device net.HardwareAddr
	// Gateway MAC address, outbound frames are addressed to it.
	Gateway net.HardwareAddr
	// Endpoint is the gVisor channel endpoint.
	Endpoint *channel.Endpoint

	stopped uint32
}

// Deliver injects a received Ethernet frame in the tcpip stack, the network
// protocol is taken from the frame EtherType.
func (l *StackLink) Deliver(frame []byte) {
	if len(frame) < ethHeaderLen {
		return
	}

	hdr := buffer.NewViewFromBytes(frame[0:ethHeaderLen])
	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
	payload := buffer.NewViewFromBytes(frame[ethHeaderLen:])

	pkt := &stack.PacketBuffer{
		LinkHeader: hdr,
		Data:       payload.ToVectorisedView(),
	}

	l.Endpoint.InjectInbound(proto, pkt)
}

// CarrierOn implements the Link interface, the channel endpoint needs no
// carrier handling.
func (l *StackLink) CarrierOn() {}

// CarrierOff implements the Link interface, the channel endpoint needs no
// carrier handling.
func (l *StackLink) CarrierOff() {}

// StartQueue resumes outbound packet processing.
func (l *StackLink) StartQueue() {
	atomic.StoreUint32(&l.stopped, 0)
}

// StopQueue pauses outbound packet processing.
func (l *StackLink) StopQueue() {
	atomic.StoreUint32(&l.stopped, 1)
}

// Start feeds outbound packets from the stack endpoint to the argument
// interface, it should never return and is meant to be started in its own
// goroutine after Open().
func (l *StackLink) Start(iface *Interface) error {
	if len(l.Device) != 6 || len(l.Gateway) != 6 {
		return errors.New("invalid MAC address")
	}

	if l.Endpoint == nil {
		return errors.New("missing link endpoint")
	}

	for {
		runtime.Gosched()

		if atomic.LoadUint32(&l.stopped) != 0 {
			continue
		}

		info, valid := l.Endpoint.Read()

		if !valid {
			continue
		}

		frame := l.frame(info)

		for iface.Transmit(frame) == ErrBusy {
			runtime.Gosched()
		}
	}
}

func (l *StackLink) frame(info channel.PacketInfo) (frame []byte) {
	proto := make([]byte, 2)
	binary.BigEndian.PutUint16(proto, uint16(info.Proto))

	// Ethernet frame header
	frame = append(frame, l.Gateway...)
	frame = append(frame, l.Device...)
	frame = append(frame, proto...)
	// packet header
	frame = append(frame, info.Pkt.Header.View()...)
	// payload
	frame = append(frame, info.Pkt.Data.ToView()...)

	return
}
