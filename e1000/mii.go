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
	"time"

	"github.com/f-secure-foundry/tamago-e1000/bits"
	"github.com/f-secure-foundry/tamago-e1000/internal/reg"
)

// phyTimeout is the limit for a single MDI transaction to complete.
const phyTimeout = 100 * time.Millisecond

func mdic(op uint32, pa uint32, ra uint32, data uint16) (frame uint32) {
	bits.SetN(&frame, MDIC_OP, 0b11, op)
	bits.SetN(&frame, MDIC_PHY, 0x1f, pa)
	bits.SetN(&frame, MDIC_REG, 0x1f, ra)
	bits.SetN(&frame, MDIC_DATA, 0xffff, uint32(data))

	return
}

// readPHY reads a PHY management register through the MDI control interface,
// the operation is retried once before giving up.
func (hw *E1000) readPHY(ra uint32) (data uint16, err error) {
	for i := 0; i < 2; i++ {
		reg.Write(hw.mdic, mdic(MDIC_OP_READ, hw.PHYAddr, ra, 0))

		if reg.WaitFor(phyTimeout, hw.mdic, MDIC_READY, 1, 1) {
			return uint16(reg.Read(hw.mdic)), nil
		}
	}

	return 0, ErrPHYTimeout
}

// writePHY writes a PHY management register through the MDI control
// interface, the operation is retried once before giving up.
func (hw *E1000) writePHY(ra uint32, data uint16) (err error) {
	for i := 0; i < 2; i++ {
		reg.Write(hw.mdic, mdic(MDIC_OP_WRITE, hw.PHYAddr, ra, data))

		if reg.WaitFor(phyTimeout, hw.mdic, MDIC_READY, 1, 1) {
			return nil
		}
	}

	return ErrPHYTimeout
}

// ReadPHYRegister reads a standard management register of the Ethernet PHY
// (IEEE 802.3-2008 Clause 22).
func (hw *E1000) ReadPHYRegister(ra uint32) (data uint16, err error) {
	hw.Lock()
	defer hw.Unlock()

	return hw.readPHY(ra)
}

// WritePHYRegister writes a standard management register of the Ethernet PHY
// (IEEE 802.3-2008 Clause 22).
func (hw *E1000) WritePHYRegister(ra uint32, data uint16) (err error) {
	hw.Lock()
	defer hw.Unlock()

	return hw.writePHY(ra, data)
}

func (hw *E1000) powerUpPHY() (err error) {
	mii, err := hw.readPHY(MII_BMCR)

	if err != nil {
		return
	}

	mii &^= BMCR_POWER_DOWN

	return hw.writePHY(MII_BMCR, mii)
}

func (hw *E1000) forceSpeed100() (err error) {
	mii, err := hw.readPHY(MII_BMCR)

	if err != nil {
		return
	}

	mii = (mii &^ BMCR_SPEED1000) | BMCR_SPEED100

	return hw.writePHY(MII_BMCR, mii)
}

func (hw *E1000) forceSpeed1000() (err error) {
	mii, err := hw.readPHY(MII_BMCR)

	if err != nil {
		return
	}

	mii = (mii &^ BMCR_SPEED100) | BMCR_SPEED1000

	return hw.writePHY(MII_BMCR, mii)
}

// PowerUpPHY clears the PHY power down state.
func (hw *E1000) PowerUpPHY() (err error) {
	hw.Lock()
	defer hw.Unlock()

	return hw.powerUpPHY()
}

// ForceSpeed100 forces 100 Mb/s PHY operation.
func (hw *E1000) ForceSpeed100() (err error) {
	hw.Lock()
	defer hw.Unlock()

	return hw.forceSpeed100()
}

// ForceSpeed1000 forces 1000 Mb/s PHY operation.
func (hw *E1000) ForceSpeed1000() (err error) {
	hw.Lock()
	defer hw.Unlock()

	return hw.forceSpeed1000()
}
