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
	"net"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/f-secure-foundry/tamago-e1000/dma"
	"github.com/f-secure-foundry/tamago-e1000/internal/reg"
)

const testRingSize = 16

var testMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x6c, 0xf8, 0x88}

// mockController emulates the controller side of the driver contract: the
// MMIO window is a 128 KiB memory buffer and descriptor rings are reached
// through a host visible DMA region. PHY management transactions are
// serviced by a dedicated goroutine.
type mockController struct {
	mmio   []byte
	mem    []byte
	region *dma.Region

	mu  sync.Mutex
	phy map[uint32]uint16

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func newMockController() *mockController {
	m := &mockController{
		mmio: make([]byte, 0x20000),
		mem:  make([]byte, 8<<20),
		phy:  make(map[uint32]uint16),
		done: make(chan struct{}),
	}

	m.region = dma.NewRegion(uint(uintptr(unsafe.Pointer(&m.mem[0]))), uint(len(m.mem)))

	m.wg.Add(1)
	go m.mdio()

	return m
}

func (m *mockController) base() uint {
	return uint(uintptr(unsafe.Pointer(&m.mmio[0])))
}

func (m *mockController) readReg(off uint) uint32 {
	return reg.Read(m.base() + off)
}

func (m *mockController) writeReg(off uint, val uint32) {
	reg.Write(m.base()+off, val)
}

func (m *mockController) phyReg(ra uint32) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.phy[ra]
}

// mdio services MDI transactions raised through the MDIC register.
func (m *mockController) mdio() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		default:
		}

		frame := m.readReg(MDIC)

		if frame != 0 && frame&(1<<MDIC_READY) == 0 {
			op := (frame >> MDIC_OP) & 0b11
			ra := (frame >> MDIC_REG) & 0x1f

			m.mu.Lock()

			switch op {
			case MDIC_OP_READ:
				frame = (frame &^ 0xffff) | uint32(m.phy[ra])
			case MDIC_OP_WRITE:
				m.phy[ra] = uint16(frame)
			}

			m.mu.Unlock()

			m.writeReg(MDIC, frame|1<<MDIC_READY)
		}

		runtime.Gosched()
	}
}

func (m *mockController) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func testController(t *testing.T) (*mockController, *E1000) {
	t.Helper()

	m := newMockController()
	t.Cleanup(m.stop)

	hw := &E1000{
		Base:     m.base(),
		Kernel:   m.region,
		MAC:      testMAC,
		RingSize: testRingSize,
	}

	if err := hw.Init(); err != nil {
		t.Fatal(err)
	}

	return m, hw
}

func TestInit(t *testing.T) {
	m, hw := testController(t)

	if tdh := m.readReg(TDH); tdh != 0 {
		t.Errorf("TDH after init, got %d", tdh)
	}

	if tdt := m.readReg(TDT); tdt != 0 {
		t.Errorf("TDT after init, got %d", tdt)
	}

	if rdh := m.readReg(RDH); rdh != 0 {
		t.Errorf("RDH after init, got %d", rdh)
	}

	if rdt := m.readReg(RDT); rdt != testRingSize-1 {
		t.Errorf("RDT after init, got %d, expected %d", rdt, testRingSize-1)
	}

	if tdbal := m.readReg(TDBAL); tdbal != uint32(hw.tx.addr) {
		t.Errorf("TDBAL %#x does not match ring bus address %#x", tdbal, hw.tx.addr)
	}

	if rdbal := m.readReg(RDBAL); rdbal != uint32(hw.rx.addr) {
		t.Errorf("RDBAL %#x does not match ring bus address %#x", rdbal, hw.rx.addr)
	}

	if tdlen := m.readReg(TDLEN); tdlen != testRingSize*descLen {
		t.Errorf("TDLEN %d, expected %d", tdlen, testRingSize*descLen)
	}

	if rdlen := m.readReg(RDLEN); rdlen != testRingSize*descLen {
		t.Errorf("RDLEN %d, expected %d", rdlen, testRingSize*descLen)
	}

	for i := 0; i < testRingSize; i++ {
		if hw.tx.status(i)&TXD_STAT_DD == 0 {
			t.Errorf("transmit slot %d not marked done", i)
		}

		if hw.rx.bufAddr(i) == 0 {
			t.Errorf("receive slot %d has no buffer bound", i)
		}

		if hw.rx.status(i) != 0 {
			t.Errorf("receive slot %d has non-zero status", i)
		}
	}

	rctl := m.readReg(RCTL)

	if rctl&(RCTL_EN|RCTL_BAM|RCTL_SECRC) != RCTL_EN|RCTL_BAM|RCTL_SECRC {
		t.Errorf("unexpected RCTL %#x", rctl)
	}

	if rctl&RCTL_DTYP_MASK != 0 {
		t.Errorf("RCTL not set for legacy descriptors, %#x", rctl)
	}

	if ims := m.readReg(IMS); ims != IMS_ENABLE_MASK {
		t.Errorf("IMS after init %#x, expected %#x", ims, IMS_ENABLE_MASK)
	}

	bmcr := m.phyReg(MII_BMCR)

	if bmcr&BMCR_SPEED100 == 0 {
		t.Errorf("PHY not forced to 100 Mb/s, BMCR %#x", bmcr)
	}

	if bmcr&BMCR_POWER_DOWN != 0 {
		t.Errorf("PHY not powered up, BMCR %#x", bmcr)
	}
}

func TestInitRingMisaligned(t *testing.T) {
	m := newMockController()
	defer m.stop()

	hw := &E1000{
		Base:     m.base(),
		Kernel:   m.region,
		MAC:      testMAC,
		RingSize: 10,
	}

	if err := hw.Init(); err != ErrRingMisaligned {
		t.Errorf("expected ErrRingMisaligned, got %v", err)
	}
}

func TestIRQMask(t *testing.T) {
	m, hw := testController(t)

	hw.DisableIRQ()

	if imc := m.readReg(IMC); imc != 0xffffffff {
		t.Errorf("IMC after DisableIRQ %#x", imc)
	}

	// masking must be idempotent
	hw.DisableIRQ()

	if imc := m.readReg(IMC); imc != 0xffffffff {
		t.Errorf("IMC after second DisableIRQ %#x", imc)
	}

	hw.EnableIRQ()

	if ims := m.readReg(IMS); ims != IMS_ENABLE_MASK {
		t.Errorf("IMS after EnableIRQ %#x, expected %#x", ims, IMS_ENABLE_MASK)
	}
}

func TestIntr(t *testing.T) {
	m, hw := testController(t)

	m.writeReg(ICR, IMS_RXT0)

	if icr := hw.Intr(); icr != IMS_RXT0 {
		t.Errorf("Intr returned %#x, expected %#x", icr, uint32(IMS_RXT0))
	}

	if icr := m.readReg(ICR); icr != 0 {
		t.Errorf("pending causes not cleared, ICR %#x", icr)
	}

	if icr := hw.Intr(); icr != 0 {
		t.Errorf("Intr on idle controller returned %#x", icr)
	}
}

func TestCauseLSC(t *testing.T) {
	m, hw := testController(t)

	hw.CauseLSC()

	if ics := m.readReg(ICS); ics != IMS_LSC {
		t.Errorf("ICS after CauseLSC %#x", ics)
	}
}

func TestSetMAC(t *testing.T) {
	m, hw := testController(t)

	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	hw.SetMAC(mac)

	if ral := m.readReg(RAL0); ral != 0x33221100 {
		t.Errorf("RAL0 %#x", ral)
	}

	if rah := m.readReg(RAH0); rah != 0x5544|rahAV {
		t.Errorf("RAH0 %#x", rah)
	}
}

func TestClose(t *testing.T) {
	_, hw := testController(t)

	if err := hw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := hw.Close(); err != ErrNotReady {
		t.Errorf("expected ErrNotReady on closed instance, got %v", err)
	}

	if _, err := hw.Transmit([]byte{0x00}); err != ErrNotReady {
		t.Errorf("expected ErrNotReady on closed instance, got %v", err)
	}

	if _, err := hw.Recv(); err != ErrNotReady {
		t.Errorf("expected ErrNotReady on closed instance, got %v", err)
	}
}
