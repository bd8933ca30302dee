// Intel 82540EP/EM Gigabit Ethernet driver
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package e1000

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/f-secure-foundry/tamago-e1000/internal/reg"
)

const (
	// MBufSize is the fixed size of each descriptor packet buffer.
	MBufSize = 2048

	// legacy descriptor size (3.2.3 and 3.3.3, 317453006EN.PDF)
	descLen = 16

	// common legacy descriptor layout
	descAddr   = 0  // buffer bus address, 64 bits
	descLength = 8  // length, 16 bits
	descStatus = 12 // status, 8 bits

	// transmit descriptor layout
	descCSO = 10 // checksum offset, 8 bits
	descCmd = 11 // command, 8 bits
	descCSS = 13 // checksum start, 8 bits

	// receive descriptor layout
	descCsum   = 10 // packet checksum, 16 bits
	descErrors = 13 // errors, 8 bits

	// receive buffer header region scrubbed before slot reuse
	rxScrubLen = 64

	// multicast table array entries
	mtaEntries = 128

	// receive address valid
	rahAV = 1 << 31
)

// descriptorRing represents a transmit or receive descriptor ring, along
// with its packet buffer pool. Descriptors live directly in DMA coherent
// memory, a parallel software array holds each slot's buffer for copy in and
// out; buffers are bound to their slot once and reused in place.
type descriptorRing struct {
	size int

	// descriptor array DMA buffer
	desc  []byte
	addr  uint
	vaddr uint
	pages int

	// packet buffer pool
	bufs      [][]byte
	bufsAddr  uint
	bufsVaddr uint
	bufsPages int
}

func newDescriptorRing(k Kernel, n int, tx bool) (ring *descriptorRing, err error) {
	ring = &descriptorRing{
		size: n,
	}

	pageSize := k.PageSize()

	ring.pages = (n*descLen + pageSize - 1) / pageSize
	ring.vaddr, ring.addr, err = k.AllocCoherent(ring.pages)

	if err != nil {
		return nil, fmt.Errorf("could not allocate descriptor ring, %v", err)
	}

	ring.desc = mem(ring.vaddr, n*descLen)

	ring.bufsPages = (n*MBufSize + pageSize - 1) / pageSize
	ring.bufsVaddr, ring.bufsAddr, err = k.AllocCoherent(ring.bufsPages)

	if err != nil {
		k.FreeCoherent(ring.vaddr, ring.pages)
		return nil, fmt.Errorf("could not allocate packet buffers, %v", err)
	}

	pool := mem(ring.bufsVaddr, n*MBufSize)
	ring.bufs = make([][]byte, n)

	for i := 0; i < n; i++ {
		off := i * MBufSize

		ring.bufs[i] = pool[off : off+MBufSize]
		ring.setBufAddr(i, uint64(ring.bufsAddr)+uint64(off))

		if tx {
			// an empty transmit ring has every slot reported as done
			ring.setStatus(i, TXD_STAT_DD)
		}
	}

	return
}

// free releases the ring DMA memory, packet buffers first as descriptors
// reference them.
func (ring *descriptorRing) free(k Kernel) (err error) {
	if err = k.FreeCoherent(ring.bufsVaddr, ring.bufsPages); err != nil {
		return
	}

	return k.FreeCoherent(ring.vaddr, ring.pages)
}

func (ring *descriptorRing) slot(i int) []byte {
	return ring.desc[i*descLen : (i+1)*descLen]
}

func (ring *descriptorRing) bufAddr(i int) uint64 {
	return binary.LittleEndian.Uint64(ring.slot(i)[descAddr:])
}

func (ring *descriptorRing) setBufAddr(i int, addr uint64) {
	binary.LittleEndian.PutUint64(ring.slot(i)[descAddr:], addr)
}

func (ring *descriptorRing) length(i int) int {
	return int(binary.LittleEndian.Uint16(ring.slot(i)[descLength:]))
}

func (ring *descriptorRing) setLength(i int, n int) {
	binary.LittleEndian.PutUint16(ring.slot(i)[descLength:], uint16(n))
}

func (ring *descriptorRing) status(i int) uint8 {
	return ring.slot(i)[descStatus]
}

func (ring *descriptorRing) setStatus(i int, s uint8) {
	ring.slot(i)[descStatus] = s
}

func (ring *descriptorRing) setCmd(i int, cmd uint8) {
	ring.slot(i)[descCmd] = cmd
}

// mem returns a byte slice over previously allocated coherent memory.
func mem(addr uint, size int) []byte {
	var ptr unsafe.Pointer

	ptr = unsafe.Add(ptr, addr)

	return unsafe.Slice((*byte)(ptr), size)
}

// Transmit enqueues a single Ethernet frame for transmission, returning the
// number of bytes accepted. The frame check sequence is inserted by the
// controller and must not be included.
//
// ErrTxFull is returned, leaving the ring untouched, when the tail slot is
// still owned by the controller; frames larger than MBufSize are clamped
// with an ErrTxTruncated advisory.
func (hw *E1000) Transmit(buf []byte) (n int, err error) {
	hw.Lock()
	defer hw.Unlock()

	if hw.tx == nil {
		return 0, ErrNotReady
	}

	t := int(reg.Read(hw.tdt)) % hw.tx.size

	if hw.tx.status(t)&TXD_STAT_DD == 0 {
		return 0, ErrTxFull
	}

	n = len(buf)

	if n > MBufSize {
		n = MBufSize
		err = ErrTxTruncated
	}

	copy(hw.tx.bufs[t], buf[0:n])

	hw.tx.setLength(t, n)
	hw.tx.setStatus(t, 0)
	hw.tx.setCmd(t, TXD_CMD_RS|TXD_CMD_EOP|TXD_CMD_IFCS)

	reg.Write(hw.tdt, uint32((t+1)%hw.tx.size))

	hw.flush()
	reg.FenceW()

	return
}

// TxAvailable returns whether the next transmit slot is free for software
// use.
func (hw *E1000) TxAvailable() bool {
	hw.Lock()
	defer hw.Unlock()

	if hw.tx == nil {
		return false
	}

	t := int(reg.Read(hw.tdt)) % hw.tx.size

	return hw.tx.status(t)&TXD_STAT_DD != 0
}

// Recv returns all frames pending in the receive ring, in arrival order,
// each as an independently owned buffer. The ring slots are handed back to
// the controller as they are consumed.
func (hw *E1000) Recv() (pkts [][]byte, err error) {
	hw.Lock()
	defer hw.Unlock()

	if hw.rx == nil {
		return nil, ErrNotReady
	}

	// the tail is kept one behind the next slot the controller writes
	r := (int(reg.Read(hw.rdt)) + 1) % hw.rx.size

	if hw.rx.bufAddr(r) == 0 {
		return nil, ErrInvalidDescriptor
	}

	for hw.rx.status(r)&RXD_STAT_DD != 0 {
		n := hw.rx.length(r)

		if n > MBufSize {
			n = MBufSize
		}

		pkt := make([]byte, n)
		copy(pkt, hw.rx.bufs[r])
		pkts = append(pkts, pkt)

		reg.Fence()

		// scrub the header region to prevent stale headers from
		// leaking in the slot's next frame
		scrub := rxScrubLen

		if n < scrub {
			scrub = n
		}

		buf := hw.rx.bufs[r]

		for i := 0; i < scrub; i++ {
			buf[i] = 0
		}

		hw.rx.setStatus(r, 0)
		reg.Write(hw.rdt, uint32(r))

		hw.flush()
		reg.FenceW()

		r = (r + 1) % hw.rx.size
	}

	return
}
