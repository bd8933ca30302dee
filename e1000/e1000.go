// Intel 82540EP/EM Gigabit Ethernet driver
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package e1000 implements a driver for the Intel 82540EP/EM family of
// Gigabit Ethernet controllers, and its close 82574L and I219 relatives,
// adopting the following reference specifications:
//   - PCI/PCI-X Family of Gigabit Ethernet Controllers Software Developer's
//     Manual - 317453006EN - Revision 4.0
//
// The driver only requires a memory mapped register window and coherent DMA
// memory, provided through the Kernel interface, making it suitable for bare
// metal as well as hosted kernel integration.
package e1000

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"github.com/f-secure-foundry/tamago-e1000/internal/reg"
)

const (
	defaultRingSize = 256
	defaultPHYAddr  = 1
)

var (
	// ErrTxFull is returned when the transmit tail slot is still owned by
	// the controller.
	ErrTxFull = errors.New("transmit ring full")

	// ErrTxTruncated reports, advisorily, that a transmitted frame
	// exceeded the slot buffer size and was clamped to it.
	ErrTxTruncated = errors.New("frame truncated to buffer size")

	// ErrInvalidDescriptor is returned when a receive descriptor carries a
	// zero buffer address.
	ErrInvalidDescriptor = errors.New("invalid receive descriptor")

	// ErrPHYTimeout is returned when the MDI interface ready bit is never
	// asserted.
	ErrPHYTimeout = errors.New("MDI interface timeout")

	// ErrRingMisaligned is returned when the descriptor ring byte size is
	// not a multiple of 128.
	ErrRingMisaligned = errors.New("descriptor ring size misaligned")

	// ErrNotReady is returned when operating on an uninitialized
	// controller instance.
	ErrNotReady = errors.New("controller not initialized")
)

// Kernel represents the host kernel services required for driver operation.
type Kernel interface {
	// PageSize returns the coherent allocation granularity.
	PageSize() int

	// AllocCoherent returns a page aligned memory buffer of the requested
	// amount of pages, suitable for DMA, with both its CPU virtual
	// address and its device visible bus address. The buffer must be zero
	// filled.
	AllocCoherent(pages int) (vaddr uint, paddr uint, err error)

	// FreeCoherent releases a buffer previously obtained through
	// AllocCoherent, the caller guarantees that no device access to it
	// remains outstanding.
	FreeCoherent(vaddr uint, pages int) error
}

// E1000 represents an Ethernet controller instance.
type E1000 struct {
	sync.Mutex

	// Base is the address of the memory mapped register window (BAR0).
	Base uint
	// Kernel provides coherent DMA memory to the driver.
	Kernel Kernel
	// MAC address (a random locally administered one is generated when
	// not set)
	MAC net.HardwareAddr
	// Descriptor ring size
	RingSize int
	// PHY management interface address
	PHYAddr uint32

	// control registers
	ctrl    uint
	status  uint
	ctrlExt uint
	mdic    uint
	icr     uint
	itr     uint
	ics     uint
	ims     uint
	imc     uint
	rctl    uint
	rdbal   uint
	rdbah   uint
	rdlen   uint
	rdh     uint
	rdt     uint
	rdtr    uint
	radv    uint
	rfctl   uint
	tctl    uint
	tipg    uint
	tdbal   uint
	tdbah   uint
	tdlen   uint
	tdh     uint
	tdt     uint
	tidv    uint
	tadv    uint
	txdctl  uint
	txdctl1 uint
	mta     uint
	ral0    uint
	rah0    uint

	// receive data buffers
	rx *descriptorRing
	// transmit data buffers
	tx *descriptorRing
}

// Init initializes and enables the Ethernet controller, allocating its
// descriptor rings and programming the MAC for interrupt driven operation
// with the receiver timer and link status change causes unmasked.
func (hw *E1000) Init() (err error) {
	hw.Lock()
	defer hw.Unlock()

	if hw.Base == 0 || hw.Kernel == nil {
		return errors.New("invalid E1000 instance")
	}

	if hw.MAC == nil {
		hw.MAC = make([]byte, 6)
		rand.Read(hw.MAC)
		// flag address as unicast and locally administered
		hw.MAC[0] &= 0xfe
		hw.MAC[0] |= 0x02
	} else if len(hw.MAC) != 6 {
		return errors.New("invalid hardware address")
	}

	if hw.RingSize == 0 {
		hw.RingSize = defaultRingSize
	}

	if (hw.RingSize*descLen)%128 != 0 {
		return ErrRingMisaligned
	}

	if hw.PHYAddr == 0 {
		hw.PHYAddr = defaultPHYAddr
	}

	hw.ctrl = hw.Base + CTRL
	hw.status = hw.Base + STATUS
	hw.ctrlExt = hw.Base + CTRL_EXT
	hw.mdic = hw.Base + MDIC
	hw.icr = hw.Base + ICR
	hw.itr = hw.Base + ITR
	hw.ics = hw.Base + ICS
	hw.ims = hw.Base + IMS
	hw.imc = hw.Base + IMC
	hw.rctl = hw.Base + RCTL
	hw.rdbal = hw.Base + RDBAL
	hw.rdbah = hw.Base + RDBAH
	hw.rdlen = hw.Base + RDLEN
	hw.rdh = hw.Base + RDH
	hw.rdt = hw.Base + RDT
	hw.rdtr = hw.Base + RDTR
	hw.radv = hw.Base + RADV
	hw.rfctl = hw.Base + RFCTL
	hw.tctl = hw.Base + TCTL
	hw.tipg = hw.Base + TIPG
	hw.tdbal = hw.Base + TDBAL
	hw.tdbah = hw.Base + TDBAH
	hw.tdlen = hw.Base + TDLEN
	hw.tdh = hw.Base + TDH
	hw.tdt = hw.Base + TDT
	hw.tidv = hw.Base + TIDV
	hw.tadv = hw.Base + TADV
	hw.txdctl = hw.Base + TXDCTL
	hw.txdctl1 = hw.Base + TXDCTL1
	hw.mta = hw.Base + MTA
	hw.ral0 = hw.Base + RAL0
	hw.rah0 = hw.Base + RAH0

	if hw.tx, err = newDescriptorRing(hw.Kernel, hw.RingSize, true); err != nil {
		return
	}

	if hw.rx, err = newDescriptorRing(hw.Kernel, hw.RingSize, false); err != nil {
		hw.tx.free(hw.Kernel)
		hw.tx = nil
		return
	}

	return hw.setup()
}

func (hw *E1000) setup() (err error) {
	// mask interrupts across device reset
	reg.Write(hw.ims, 0)
	reg.Or(hw.ctrl, CTRL_RST)
	reg.Write(hw.ims, 0)

	// reset PHY, enable auto-speed detection, set link up
	reg.Or(hw.ctrl, CTRL_PHY_RST)
	reg.Or(hw.ctrl, CTRL_ASDE)
	reg.Or(hw.ctrl, CTRL_SLU)

	reg.FenceW()

	// 14.5 Transmit Initialization, 317453006EN.PDF

	// enable transmitter, pad short packets, retransmit on late
	// collision, collision threshold 0x0f, collision distance 0x3f
	reg.Write(hw.tctl, TCTL_EN|TCTL_PSP|TCTL_RTLC|
		0x0f<<TCTL_CT_SHIFT|0x3f<<TCTL_COLD_SHIFT)
	reg.Write(hw.tipg, 10|8<<10|6<<20)

	reg.Write(hw.tdbal, uint32(hw.tx.addr))
	reg.Write(hw.tdbah, uint32(uint64(hw.tx.addr)>>32))
	reg.Write(hw.tdlen, uint32(hw.tx.size*descLen))
	reg.Write(hw.tdt, 0)
	reg.Write(hw.tdh, 0)

	// descriptor granularity, writeback threshold of one descriptor
	reg.Write(hw.txdctl, 1<<TXDCTL_GRAN_SHIFT|1<<TXDCTL_WTHRESH_SHIFT)
	reg.Write(hw.txdctl1, 1<<TXDCTL_GRAN_SHIFT|1<<TXDCTL_WTHRESH_SHIFT)

	// 14.4 Receive Initialization, 317453006EN.PDF

	// enable receiver, accept broadcast, 2048 byte buffers, strip
	// Ethernet CRC, legacy descriptor format
	reg.Write(hw.rctl, (RCTL_EN|RCTL_BAM|RCTL_SZ_2048|RCTL_SECRC)&^RCTL_DTYP_MASK)
	// disable extended descriptors on e1000e variants
	reg.Write(hw.rfctl, 0)

	reg.Write(hw.rdbal, uint32(hw.rx.addr))
	reg.Write(hw.rdbah, uint32(uint64(hw.rx.addr)>>32))
	reg.Write(hw.rdlen, uint32(hw.rx.size*descLen))
	reg.Write(hw.rdh, 0)
	reg.Write(hw.rdt, uint32(hw.rx.size-1))

	// unicast receive address filter
	hw.setMAC(hw.MAC)

	// clear multicast table
	for i := uint(0); i < mtaEntries; i++ {
		reg.Write(hw.mta+i*4, 0)
	}

	// interrupt on every packet, no throttling
	reg.Write(hw.tidv, 0)
	reg.Write(hw.tadv, 0)
	reg.Write(hw.rdtr, 0)
	reg.Write(hw.radv, 0)
	reg.Write(hw.itr, 0)

	// unmask receiver timer and link status change interrupts
	reg.Write(hw.ims, IMS_ENABLE_MASK)

	// clear pending interrupts
	hw.ack()

	// disable PCI-X relaxed ordering
	reg.Or(hw.ctrlExt, CTRL_EXT_RO_DIS)

	if err = hw.forceSpeed100(); err != nil {
		return
	}

	if err = hw.powerUpPHY(); err != nil {
		return
	}

	hw.flush()

	return
}

// SetMAC programs the controller unicast receive address filter, it allows
// address changes after initialization.
func (hw *E1000) SetMAC(mac net.HardwareAddr) {
	hw.Lock()
	defer hw.Unlock()

	hw.setMAC(mac)
}

func (hw *E1000) setMAC(mac net.HardwareAddr) {
	hw.MAC = mac

	lower := binary.LittleEndian.Uint32(hw.MAC[0:4])
	upper := uint32(binary.LittleEndian.Uint16(hw.MAC[4:6]))

	reg.Write(hw.ral0, lower)
	reg.Write(hw.rah0, upper|rahAV)
}

// EnableIRQ unmasks the receiver timer and link status change interrupt
// causes.
func (hw *E1000) EnableIRQ() {
	hw.Lock()
	defer hw.Unlock()

	reg.Write(hw.ims, IMS_ENABLE_MASK)
	hw.flush()
}

// DisableIRQ masks all interrupt causes.
func (hw *E1000) DisableIRQ() {
	hw.Lock()
	defer hw.Unlock()

	reg.Write(hw.imc, 0xffffffff)
	hw.flush()
}

// CauseLSC raises a link status change interrupt, used at interface bring up
// to kick the link watchdog.
func (hw *E1000) CauseLSC() {
	hw.Lock()
	defer hw.Unlock()

	reg.Write(hw.ics, IMS_LSC)
}

// Intr returns the pending interrupt causes, clearing them in the process.
// Receive processing is expected to take place outside interrupt context,
// driven by the returned causes.
func (hw *E1000) Intr() uint32 {
	hw.Lock()
	defer hw.Unlock()

	return hw.ack()
}

func (hw *E1000) ack() uint32 {
	// reading ICR acknowledges and clears the asserted causes
	icr := reg.Read(hw.icr)

	if icr != 0 {
		// minimal emulated cause windows latch until written
		reg.Write(hw.icr, 0)
	}

	return icr
}

// LinkUp returns whether the network link is established.
func (hw *E1000) LinkUp() bool {
	return reg.IsSet(hw.status, STATUS_LU)
}

// Close quiesces the controller and releases its DMA allocations, in reverse
// order of their creation. The instance cannot be used afterwards.
func (hw *E1000) Close() (err error) {
	hw.Lock()
	defer hw.Unlock()

	if hw.rx == nil || hw.tx == nil {
		return ErrNotReady
	}

	reg.Write(hw.imc, 0xffffffff)

	// disable receiver and transmitter
	reg.Write(hw.rctl, 0)
	reg.Write(hw.tctl, 0)

	hw.flush()
	reg.Fence()

	if err = hw.rx.free(hw.Kernel); err != nil {
		return
	}
	hw.rx = nil

	if err = hw.tx.free(hw.Kernel); err != nil {
		return
	}
	hw.tx = nil

	return
}

// flush forces any posted register write to complete at the device through a
// device status read.
func (hw *E1000) flush() {
	reg.Read(hw.status)
}
