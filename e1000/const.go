// Intel 82540EP/EM Gigabit Ethernet driver
// https://github.com/f-secure-foundry/tamago-e1000
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package e1000

// Registers, as byte offsets within the memory mapped BAR0 window.
const (
	// Table 13-2, Ethernet Controller Register Summary, 317453006EN.PDF

	CTRL     = 0x00000 // Device Control
	STATUS   = 0x00008 // Device Status
	CTRL_EXT = 0x00018 // Extended Device Control
	MDIC     = 0x00020 // MDI Control

	ICR = 0x000c0 // Interrupt Cause Read
	ITR = 0x000c4 // Interrupt Throttling
	ICS = 0x000c8 // Interrupt Cause Set
	IMS = 0x000d0 // Interrupt Mask Set/Read
	IMC = 0x000d8 // Interrupt Mask Clear

	RCTL  = 0x00100 // Receive Control
	RDBAL = 0x02800 // Receive Descriptor Base Low
	RDBAH = 0x02804 // Receive Descriptor Base High
	RDLEN = 0x02808 // Receive Descriptor Length
	RDH   = 0x02810 // Receive Descriptor Head
	RDT   = 0x02818 // Receive Descriptor Tail
	RDTR  = 0x02820 // Receive Delay Timer
	RADV  = 0x0282c // Receive Interrupt Absolute Delay Timer
	RFCTL = 0x05008 // Receive Filter Control (e1000e)

	TCTL    = 0x00400 // Transmit Control
	TIPG    = 0x00410 // Transmit Inter Packet Gap
	TDBAL   = 0x03800 // Transmit Descriptor Base Low
	TDBAH   = 0x03804 // Transmit Descriptor Base High
	TDLEN   = 0x03808 // Transmit Descriptor Length
	TDH     = 0x03810 // Transmit Descriptor Head
	TDT     = 0x03818 // Transmit Descriptor Tail
	TIDV    = 0x03820 // Transmit Interrupt Delay Value
	TXDCTL  = 0x03828 // Transmit Descriptor Control
	TADV    = 0x0382c // Transmit Interrupt Absolute Delay Timer
	TXDCTL1 = 0x03928 // Transmit Descriptor Control queue 1

	MTA  = 0x05200 // Multicast Table Array
	RAL0 = 0x05400 // Receive Address Low
	RAH0 = 0x05404 // Receive Address High
)

// Device Control
const (
	CTRL_ASDE    = 1 << 5  // Auto-Speed Detection Enable
	CTRL_SLU     = 1 << 6  // Set Link Up
	CTRL_FRCSPD  = 1 << 11 // Force Speed
	CTRL_FRCDPLX = 1 << 12 // Force Duplex
	CTRL_RST     = 1 << 26 // Device Reset
	CTRL_PHY_RST = 1 << 31 // PHY Reset
)

// Device Status
const (
	STATUS_FD = 0 // Full Duplex
	STATUS_LU = 1 // Link Up
)

// Extended Device Control
const (
	CTRL_EXT_RO_DIS = 1 << 17 // Relaxed Ordering Disable
)

// Transmit Control
const (
	TCTL_EN         = 1 << 1  // Transmit Enable
	TCTL_PSP        = 1 << 3  // Pad Short Packets
	TCTL_CT_SHIFT   = 4       // Collision Threshold
	TCTL_COLD_SHIFT = 12      // Collision Distance
	TCTL_RTLC       = 1 << 24 // Re-transmit on Late Collision
)

// Transmit Descriptor Control
const (
	TXDCTL_WTHRESH_SHIFT = 16 // Writeback Threshold
	TXDCTL_GRAN_SHIFT    = 24 // Granularity
)

// Receive Control
const (
	RCTL_EN        = 1 << 1       // Receive Enable
	RCTL_SBP       = 1 << 2       // Store Bad Packets
	RCTL_UPE       = 1 << 3       // Unicast Promiscuous
	RCTL_MPE       = 1 << 4       // Multicast Promiscuous
	RCTL_DTYP_MASK = 0b11 << 10   // Descriptor Type
	RCTL_BAM       = 1 << 15      // Broadcast Accept
	RCTL_SZ_2048   = 0b00 << 16   // 2048 byte receive buffers
	RCTL_SECRC     = 1 << 26      // Strip Ethernet CRC
)

// Interrupt causes
const (
	IMS_TXDW   = 1 << 0 // Transmit Descriptor Written Back
	IMS_TXQE   = 1 << 1 // Transmit Queue Empty
	IMS_LSC    = 1 << 2 // Link Status Change
	IMS_RXSEQ  = 1 << 3 // Receive Sequence Error
	IMS_RXDMT0 = 1 << 4 // Receive Descriptor Minimum Threshold
	IMS_RXT0   = 1 << 7 // Receiver Timer Interrupt

	// causes unmasked during normal operation
	IMS_ENABLE_MASK = IMS_RXT0 | IMS_LSC
)

// MDI Control
const (
	MDIC_DATA  = 0  // Data
	MDIC_REG   = 16 // PHY Register Address
	MDIC_PHY   = 21 // PHY Address
	MDIC_OP    = 26 // Opcode
	MDIC_READY = 28 // Ready
	MDIC_ERROR = 30 // Error

	MDIC_OP_WRITE = 0b01
	MDIC_OP_READ  = 0b10
)

// PHY management registers (IEEE 802.3-2008 Clause 22)
const (
	MII_BMCR = 0 // Basic Mode Control

	BMCR_SPEED1000  = 1 << 6  // Speed Select MSB
	BMCR_POWER_DOWN = 1 << 11 // Power Down
	BMCR_SPEED100   = 1 << 13 // Speed Select LSB
)

// Transmit descriptor command (Table 3-10, 317453006EN.PDF)
const (
	TXD_CMD_EOP  = 0x01 // End Of Packet
	TXD_CMD_IFCS = 0x02 // Insert FCS
	TXD_CMD_RS   = 0x08 // Report Status
)

// Transmit descriptor status (Table 3-12, 317453006EN.PDF)
const (
	TXD_STAT_DD = 0x01 // Descriptor Done
)

// Receive descriptor status (Table 3-2, 317453006EN.PDF)
const (
	RXD_STAT_DD  = 0x01 // Descriptor Done
	RXD_STAT_EOP = 0x02 // End Of Packet
)

// Supported PCI identifiers
const (
	VendorIntel   = 0x8086
	Device82540EM = 0x100e
	Device82574L  = 0x10d3
	DeviceI219    = 0x15fc
)
