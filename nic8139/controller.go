package nic8139

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ctos-project/netcore/internal/mmio"
	"github.com/ctos-project/netcore/klog"
	"github.com/ctos-project/netcore/metrics"
	"github.com/ctos-project/netcore/netcoreerr"
	"github.com/ctos-project/netcore/netmsg"
	"go.uber.org/zap"
)

const (
	numTxSlots    = 4
	txBufSize     = 2048 // "2 KiB send buffer", §4.1
	minFrameBytes = 60   // zero-padded below this, CRC appended by hardware

	// ringPad is the 16 pad bytes spec.md §3 adds to the 8 KiB RX ring.
	ringPad = 16

	resetPollInterval = 5 * time.Microsecond
	resetTimeout      = 100 * time.Millisecond
)

// Stats mirrors the counters a real MAC tracks, exposed for diagnostics
// alongside the metrics.NICCollector counters.
type Stats struct {
	RxGood    uint64
	RxBad     uint64
	RxDropped uint64 // allocation failure during drain
	TxQueued  uint64
	TxSent    uint64
	TxDropped uint64
	Spurious  uint64
}

// Controller drives one RTL8139-class Ethernet controller: an 8KiB+16
// byte ring RX buffer and a four-slot TX descriptor window, exactly as
// specified in spec.md §3-4.1.
type Controller struct {
	regs *mmio.Bank

	ringSize int
	rxBuf    []byte
	rxRead   int
	rxWrite  int

	rxMu sync.Mutex
	txMu sync.Mutex

	txQueued uint64
	txSent   uint64
	txBufs   [numTxSlots][]byte

	mac net.HardwareAddr
	mtu int

	// RxHandler receives each good frame drained from the ring,
	// payload only (CRC already stripped per spec step 3: "length-4").
	// Set before Init, mirroring the teacher ENET.RxHandler field.
	RxHandler func(frame []byte)

	// DeliverFrame is how a transmitted frame actually leaves the
	// controller (the simulated "wire"): set by whatever is standing
	// in for the physical link (a test loopback, a peer Controller).
	DeliverFrame func(frame []byte) error

	// OnTxReady is called whenever TX reclaim frees at least one
	// descriptor, so the interface layer's work queue can retry
	// entries that previously got ErrTryAgain (spec.md §4.2 TX path).
	OnTxReady func()

	enabled bool
	stats   Stats
	log     *zap.Logger
	metrics *metrics.NICCollector
}

// New constructs a disabled controller with the given MAC, MTU and ring
// size in bytes (8192 when ringSize <= 0); the RX buffer holds ringPad
// extra bytes beyond the ring size.
func New(mac net.HardwareAddr, mtu, ringSize int, name string) *Controller {
	if ringSize <= 0 {
		ringSize = 8192
	}

	c := &Controller{
		regs:     mmio.NewBank(),
		ringSize: ringSize,
		rxBuf:    make([]byte, ringSize+ringPad),
		mac:      mac,
		mtu:      mtu,
		log:      klog.Named("nic8139").With(zap.String("name", name)),
		metrics:  metrics.NewNICCollector(name),
	}

	for i := range c.txBufs {
		c.txBufs[i] = make([]byte, txBufSize)
	}

	return c
}

// MAC returns the controller's hardware address.
func (c *Controller) MAC() net.HardwareAddr { return c.mac }

// MTU returns the link MTU.
func (c *Controller) MTU() int { return c.mtu }

// SetRxHandler installs the upstream frame consumer, satisfying
// iface.Driver.
func (c *Controller) SetRxHandler(h func(frame []byte)) { c.RxHandler = h }

// SetOnTxReady installs the TX-capacity-available notifier, satisfying
// iface.Driver.
func (c *Controller) SetOnTxReady(h func()) { c.OnTxReady = h }

// SetDeliverFrame installs the simulated wire the controller transmits
// onto (a loopback peer, a test harness).
func (c *Controller) SetDeliverFrame(h func(frame []byte) error) { c.DeliverFrame = h }

// Stats returns a snapshot of the driver counters.
func (c *Controller) Stats() Stats {
	c.rxMu.Lock()
	c.txMu.Lock()
	defer c.txMu.Unlock()
	defer c.rxMu.Unlock()
	return c.stats
}

// Init performs the bring-up sequence of spec.md §4.1: soft reset,
// program the RX ring start, enable RX/TX, program TCR/RCR, unmask
// interrupts. PCI/IRQ/BAR0 plumbing is the out-of-scope collaborator;
// this starts from "driver owns a register bank and a ring buffer".
func (c *Controller) Init() error {
	for i, b := range c.mac {
		c.regs.Write(regIDR0+uint32(i), uint32(b))
	}

	c.regs.Set(regCR, crRST)

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	if !c.regs.Wait(ctx, regCR, crRST, 1, 0, resetPollInterval) {
		c.log.Error("soft reset did not complete")
		return fmt.Errorf("nic8139: reset timeout: %w", netcoreerr.ErrIO)
	}

	// Program RX ring start; the address is symbolic here since the
	// backing store is a Go slice, not a physical region.
	c.regs.Write(regRBSTART, 1)

	c.regs.Set(regCR, crRE)
	c.regs.Set(regCR, crTE)

	if !c.regs.Wait(ctx, regCR, crRE, 1, 1, resetPollInterval) ||
		!c.regs.Wait(ctx, regCR, crTE, 1, 1, resetPollInterval) {
		c.log.Error("RX/TX enable did not report ready")
		return fmt.Errorf("nic8139: enable timeout: %w", netcoreerr.ErrIO)
	}

	// Normal interframe gap, 2 KiB DMA burst.
	c.regs.SetN(regTCR, tcrIFG, 0b11, 0b11)
	c.regs.SetN(regTCR, 8, 0b111, 0b111) // MXDMA, bits 8-10: 0b111 = 2048-byte burst

	// Accept broadcast and unicast-matching frames, no wrap, unlimited
	// DMA burst.
	c.regs.Set(regRCR, rcrAPM)
	c.regs.Set(regRCR, rcrAB)
	c.regs.Set(regRCR, rcrWRAP)
	c.regs.SetN(regRCR, rcrMXDMA, 0b111, 0b111)

	// Unmask all interrupts.
	c.regs.Write(regIMR, 0xffff)

	c.regs.Set(regCR, crBUFE)

	c.enabled = true
	c.log.Info("controller ready", zap.String("mac", c.mac.String()), zap.Int("ring_size", c.ringSize))

	return nil
}

// Transmit sends msg as a single Ethernet frame: it prepends the
// Ethernet header, checks the 2KiB send buffer bound, zero-pads below
// 60 bytes, and programs the next TX descriptor. When the TX window is
// full Transmit returns ErrTryAgain and leaves msg untouched, still owned
// by the caller, which retries it later (the interface layer's work
// queue does). On every other path msg is released by Transmit, because
// either the frame has been handed to the simulated card's private
// buffer or it could never be (spec.md §4.1: "the message buffer is then
// destroyed because the card will DMA from the driver's private buffer").
func (c *Controller) Transmit(msg *netmsg.Msg) error {
	c.txMu.Lock()

	if c.txQueued-c.txSent >= numTxSlots {
		c.txMu.Unlock()
		c.metrics.TxTryAgain.Inc()
		return netcoreerr.ErrTryAgain
	}

	defer msg.Release()

	if off, err := msg.Prepend(14); err == nil {
		hdr := msg.Data()[:14]
		copy(hdr[0:6], msg.EthDst[:])
		copy(hdr[6:12], c.mac)
		hdr[12] = byte(msg.EtherType >> 8)
		hdr[13] = byte(msg.EtherType)
		_ = msg.SetEthHdr(off)
	} else {
		c.txMu.Unlock()
		return fmt.Errorf("nic8139: %w: no room for ethernet header", netcoreerr.ErrInvariant)
	}

	payload := msg.Data()

	if len(payload) > txBufSize {
		c.txMu.Unlock()
		c.stats.TxDropped++
		c.metrics.TxDropped.Inc()
		return fmt.Errorf("nic8139: frame of %d bytes exceeds send buffer: %w", len(payload), netcoreerr.ErrIO)
	}

	slot := int(c.txQueued % numTxSlots)
	buf := c.txBufs[slot]

	for i := range buf {
		buf[i] = 0
	}

	size := copy(buf, payload)
	if size < minFrameBytes {
		size = minFrameBytes
	}

	c.regs.Write(tsadRegs[slot], uint32(slot+1))
	c.regs.SetN(tsdRegs[slot], 0, 0x1fff, uint32(size))
	c.regs.Set(tsdRegs[slot], tsdOwnBit)

	c.txQueued++
	c.stats.TxQueued++
	c.metrics.TxQueued.Inc()

	c.txMu.Unlock()

	frame := append([]byte(nil), buf[:size]...)

	if c.DeliverFrame != nil {
		if err := c.DeliverFrame(frame); err != nil {
			c.markTxComplete(slot, tsdTABTBit)
			return nil
		}
	}

	c.markTxComplete(slot, tsdTOKBit)
	return nil
}

func (c *Controller) markTxComplete(slot int, completionBit int) {
	c.txMu.Lock()
	c.regs.Clear(tsdRegs[slot], tsdOwnBit)
	c.regs.Set(tsdRegs[slot], completionBit)
	c.regs.Set(regISR, isrTOK)
	c.txMu.Unlock()
}

// HandleInterrupt is the controller's ISR: it clears the observed status
// bits up front (accepting possible double-handling of a new event that
// arrives mid-processing, a documented design assumption per §9 Open
// Questions) and then drains RX and/or reclaims TX.
func (c *Controller) HandleInterrupt() {
	isr := c.regs.Read(regISR)
	c.regs.Write(regISR, 0)

	rxBits := uint32(1<<isrROK | 1<<isrRXOVW)
	txBits := uint32(1<<isrTOK | 1<<isrTER)

	switch {
	case isr&rxBits != 0:
		c.drainRx()
		if isr&txBits != 0 {
			c.reclaimTx()
		}
	case isr&txBits != 0:
		c.reclaimTx()
	default:
		c.stats.Spurious++
		c.log.Debug("spurious interrupt")
	}
}
