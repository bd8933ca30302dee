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
	"bytes"
	"encoding/binary"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/f-secure-foundry/tamago-e1000/dma"
	"github.com/f-secure-foundry/tamago-e1000/e1000"
	"github.com/f-secure-foundry/tamago-e1000/internal/reg"
)

const (
	testRingSize = 16
	descLen      = 16
)

var testMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x6c, 0xf8, 0x88}

type fakeLink struct {
	mu sync.Mutex

	frames  [][]byte
	carrier bool
	queue   bool
}

func (l *fakeLink) Deliver(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.frames = append(l.frames, frame)
}

func (l *fakeLink) CarrierOn()  { l.mu.Lock(); l.carrier = true; l.mu.Unlock() }
func (l *fakeLink) CarrierOff() { l.mu.Lock(); l.carrier = false; l.mu.Unlock() }
func (l *fakeLink) StartQueue() { l.mu.Lock(); l.queue = true; l.mu.Unlock() }
func (l *fakeLink) StopQueue()  { l.mu.Lock(); l.queue = false; l.mu.Unlock() }

func (l *fakeLink) state() (carrier bool, queue bool, frames [][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.carrier, l.queue, l.frames
}

type fakeScheduler struct {
	n uint32
}

func (s *fakeScheduler) Schedule() {
	atomic.AddUint32(&s.n, 1)
}

func (s *fakeScheduler) scheduled() uint32 {
	return atomic.LoadUint32(&s.n)
}

// mockNIC emulates the controller visible state: a memory backed MMIO window
// and a host visible DMA region, with PHY management transactions serviced
// by a dedicated goroutine. Descriptor rings are reached through the base
// address registers programmed by the driver.
type mockNIC struct {
	mmio   []byte
	mem    []byte
	region *dma.Region

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func newMockNIC() *mockNIC {
	m := &mockNIC{
		mmio: make([]byte, 0x20000),
		mem:  make([]byte, 8<<20),
		done: make(chan struct{}),
	}

	m.region = dma.NewRegion(uint(uintptr(unsafe.Pointer(&m.mem[0]))), uint(len(m.mem)))

	m.wg.Add(1)
	go m.mdio()

	return m
}

func (m *mockNIC) base() uint {
	return uint(uintptr(unsafe.Pointer(&m.mmio[0])))
}

func (m *mockNIC) readReg(off uint) uint32 {
	return reg.Read(m.base() + off)
}

func (m *mockNIC) writeReg(off uint, val uint32) {
	reg.Write(m.base()+off, val)
}

func (m *mockNIC) mdio() {
	defer m.wg.Done()

	phy := make(map[uint32]uint16)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		frame := m.readReg(e1000.MDIC)

		if frame != 0 && frame&(1<<e1000.MDIC_READY) == 0 {
			op := (frame >> e1000.MDIC_OP) & 0b11
			ra := (frame >> e1000.MDIC_REG) & 0x1f

			switch op {
			case e1000.MDIC_OP_READ:
				frame = (frame &^ 0xffff) | uint32(phy[ra])
			case e1000.MDIC_OP_WRITE:
				phy[ra] = uint16(frame)
			}

			m.writeReg(e1000.MDIC, frame|1<<e1000.MDIC_READY)
		}

		runtime.Gosched()
	}
}

func (m *mockNIC) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func (m *mockNIC) slice(addr uint, size int) []byte {
	var ptr unsafe.Pointer

	ptr = unsafe.Add(ptr, addr)

	return unsafe.Slice((*byte)(ptr), size)
}

func (m *mockNIC) rxDesc(slot int) []byte {
	base := uint(m.readReg(e1000.RDBAL)) | uint(m.readReg(e1000.RDBAH))<<32
	return m.slice(base+uint(slot*descLen), descLen)
}

func (m *mockNIC) txDesc(slot int) []byte {
	base := uint(m.readReg(e1000.TDBAL)) | uint(m.readReg(e1000.TDBAH))<<32
	return m.slice(base+uint(slot*descLen), descLen)
}

// inject places a frame in a receive ring slot, marking it done.
func (m *mockNIC) inject(slot int, frame []byte) {
	d := m.rxDesc(slot)

	addr := binary.LittleEndian.Uint64(d[0:8])
	copy(m.slice(uint(addr), len(frame)), frame)

	binary.LittleEndian.PutUint16(d[8:10], uint16(len(frame)))
	d[12] = e1000.RXD_STAT_DD | e1000.RXD_STAT_EOP
}

func testInterface(t *testing.T) (*mockNIC, *fakeLink, *fakeScheduler, *Interface) {
	t.Helper()

	m := newMockNIC()
	t.Cleanup(m.stop)

	link := &fakeLink{}
	sched := &fakeScheduler{}

	iface := &Interface{
		NIC: &e1000.E1000{
			Base:     m.base(),
			Kernel:   m.region,
			MAC:      testMAC,
			RingSize: testRingSize,
		},
		Link:      link,
		Scheduler: sched,
	}

	if err := iface.Open(); err != nil {
		t.Fatal(err)
	}

	return m, link, sched, iface
}

func TestOpenStop(t *testing.T) {
	m, link, _, iface := testInterface(t)

	carrier, queue, _ := link.state()

	if !carrier {
		t.Errorf("carrier not reported up after open")
	}

	if !queue {
		t.Errorf("transmit queue not started after open")
	}

	if ims := m.readReg(e1000.IMS); ims != e1000.IMS_ENABLE_MASK {
		t.Errorf("IMS after open %#x", ims)
	}

	if ics := m.readReg(e1000.ICS); ics != e1000.IMS_LSC {
		t.Errorf("link watchdog not kicked, ICS %#x", ics)
	}

	iface.Stop()

	carrier, queue, _ = link.state()

	if carrier {
		t.Errorf("carrier not reported down after stop")
	}

	if queue {
		t.Errorf("transmit queue not stopped after stop")
	}

	if imc := m.readReg(e1000.IMC); imc != 0xffffffff {
		t.Errorf("interrupts not masked after stop, IMC %#x", imc)
	}

	if err := iface.Transmit([]byte{0x00}); err == nil {
		t.Errorf("transmit accepted on a stopped interface")
	}
}

func TestIRQ(t *testing.T) {
	m, link, sched, iface := testInterface(t)

	if iface.IRQ() {
		t.Errorf("idle interrupt reported as handled")
	}

	m.writeReg(e1000.ICR, e1000.IMS_RXT0)

	if !iface.IRQ() {
		t.Errorf("receive interrupt not handled")
	}

	if n := sched.scheduled(); n != 1 {
		t.Errorf("scheduled %d times, expected 1", n)
	}

	if icr := m.readReg(e1000.ICR); icr != 0 {
		t.Errorf("causes not cleared, ICR %#x", icr)
	}

	// link status change with link down
	m.writeReg(e1000.ICR, e1000.IMS_LSC)

	if !iface.IRQ() {
		t.Errorf("link status interrupt not handled")
	}

	if carrier, _, _ := link.state(); carrier {
		t.Errorf("carrier not reported down on link loss")
	}

	// link status change with link up
	m.writeReg(e1000.STATUS, 1<<e1000.STATUS_LU)
	m.writeReg(e1000.ICR, e1000.IMS_LSC)

	if !iface.IRQ() {
		t.Errorf("link status interrupt not handled")
	}

	if carrier, _, _ := link.state(); !carrier {
		t.Errorf("carrier not reported up on link recovery")
	}

	if n := sched.scheduled(); n != 1 {
		t.Errorf("link status change triggered receive processing")
	}
}

func TestPoll(t *testing.T) {
	m, link, _, iface := testInterface(t)

	first := bytes.Repeat([]byte{0x11}, 64)
	second := bytes.Repeat([]byte{0x22}, 128)

	m.inject(0, first)
	m.inject(1, second)

	if work := iface.Poll(64); work != 2 {
		t.Fatalf("poll reported %d, expected 2", work)
	}

	_, _, frames := link.state()

	if len(frames) != 2 {
		t.Fatalf("delivered %d frames, expected 2", len(frames))
	}

	if !bytes.Equal(frames[0], first) || !bytes.Equal(frames[1], second) {
		t.Errorf("delivered frames do not match")
	}

	stats := iface.ReadStats()

	if stats.RxPackets != 2 || stats.RxBytes != 64+128 {
		t.Errorf("unexpected receive counters %+v", stats)
	}

	if work := iface.Poll(64); work != 0 {
		t.Errorf("idle poll reported %d", work)
	}
}

func TestTransmitPadding(t *testing.T) {
	m, _, _, iface := testInterface(t)

	frame := []byte{0x01, 0x02, 0x03, 0x04}

	if err := iface.Transmit(frame); err != nil {
		t.Fatal(err)
	}

	d := m.txDesc(0)

	if n := binary.LittleEndian.Uint16(d[8:10]); n != 60 {
		t.Errorf("descriptor length %d, expected the Ethernet minimum", n)
	}

	stats := iface.ReadStats()

	if stats.TxPackets != 1 || stats.TxBytes != 60 {
		t.Errorf("unexpected transmit counters %+v", stats)
	}
}

func TestTransmitBusy(t *testing.T) {
	m, link, _, iface := testInterface(t)

	// take controller ownership of every slot
	for i := 0; i < testRingSize; i++ {
		m.txDesc(i)[12] = 0
	}

	if err := iface.Transmit([]byte{0x00}); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	if _, queue, _ := link.state(); queue {
		t.Errorf("transmit queue not stopped on a full ring")
	}

	// controller catches up
	for i := 0; i < testRingSize; i++ {
		m.txDesc(i)[12] = e1000.TXD_STAT_DD
	}

	iface.Poll(64)

	if _, queue, _ := link.state(); !queue {
		t.Errorf("transmit queue not restarted once slots freed up")
	}

	if err := iface.Transmit([]byte{0x00}); err != nil {
		t.Errorf("transmit failed after ring recovery, %v", err)
	}
}
