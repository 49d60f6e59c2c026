package nic8139

import (
	"github.com/ctos-project/netcore/netmsg"
)

// crcTrailerBytes is the length of the trailing CRC that hardware
// appends on TX and strips on RX (spec.md §6: "no trailing CRC visible
// to software... appended by hardware on TX, stripped on RX after
// length"). The ring entry's length field still counts those bytes, per
// spec.md §3.
const crcTrailerBytes = 4

// rxHeaderBytes is the 2-byte status word + 2-byte length preceding
// every ring entry.
const rxHeaderBytes = 4

func align4(n int) int {
	return (n + 3) &^ 3
}

func (c *Controller) ringByte(pos int) byte {
	return c.rxBuf[pos%c.ringSize]
}

func (c *Controller) ringReadAt(pos, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = c.ringByte(pos + i)
	}
	return out
}

func (c *Controller) ringWriteAt(pos int, data []byte) {
	for i, b := range data {
		c.rxBuf[(pos+i)%c.ringSize] = b
	}
}

// rxWrite is the simulated hardware's write cursor: where the next
// incoming frame will be appended. It is distinct from rxRead, which is
// the software-owned drain cursor; the gap between them is the pending,
// undrained portion of the ring.
//
// Guarded by rxMu: on real silicon the NIC writes independently of the
// software lock, but since this is a simulated wire (InjectFrame stands
// in for the DMA engine) serializing it behind the same lock is simplest
// and does not change the observable drain behavior under test.
func (c *Controller) updateBufferEmptyFlag() {
	if c.rxRead == c.rxWrite {
		c.regs.Set(regCR, crBUFE)
	} else {
		c.regs.Clear(regCR, crBUFE)
	}
}

func (c *Controller) bufferEmpty() bool {
	return c.regs.Get(regCR, crBUFE, 1) == 1
}

// InjectFrame simulates the controller's DMA engine appending an
// incoming Ethernet frame (without CRC) to the RX ring and raising
// RX-OK, exactly as real hardware would before interrupting the host.
// good=false simulates a frame arriving with a bad CRC/frame-check.
func (c *Controller) InjectFrame(frame []byte, good bool) {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	length := len(frame) + crcTrailerBytes

	status := uint16(0)
	if good {
		status |= 1 << isrROK // bit 0, the good-packet flag
	}

	header := []byte{byte(status), byte(status >> 8), byte(length), byte(length >> 8)}

	c.ringWriteAt(c.rxWrite, header)
	c.ringWriteAt(c.rxWrite+rxHeaderBytes, frame)
	// trailing CRC bytes are not meaningfully simulated; their content
	// never reaches RxHandler.

	c.rxWrite += rxHeaderBytes + length
	c.regs.Set(regISR, isrROK)
	c.updateBufferEmptyFlag()
}

// drainRx implements spec.md §4.1's RX-interrupt steps 1-7, repeating
// until the buffer-empty flag is observed.
func (c *Controller) drainRx() {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	for !c.bufferEmpty() {
		header := c.ringReadAt(c.rxRead, rxHeaderBytes)
		status := uint16(header[0]) | uint16(header[1])<<8
		length := int(uint16(header[2]) | uint16(header[3])<<8)

		good := status&(1<<isrROK) != 0
		advance := func() {
			c.rxRead = align4(c.rxRead + rxHeaderBytes + length)
			c.regs.Write(regCAPR, uint32((c.rxRead-16+c.ringSize)%c.ringSize))
			c.updateBufferEmptyFlag()
		}

		if !good {
			c.stats.RxBad++
			c.metrics.RxBad.Inc()
			advance()
			continue
		}

		payloadLen := length - crcTrailerBytes
		if payloadLen < 0 {
			// Invariant violation: a well-formed ring entry never
			// reports a length shorter than the CRC trailer.
			c.stats.RxBad++
			advance()
			continue
		}

		msg := netmsg.New(14, payloadLen)
		if msg == nil {
			c.stats.RxDropped++
			c.metrics.RxDropped.Inc()
			advance()
			continue
		}

		copy(msg.Data(), c.ringReadAt(c.rxRead+rxHeaderBytes, payloadLen))

		c.stats.RxGood++
		c.metrics.RxGood.Inc()
		advance()

		if c.RxHandler != nil {
			c.RxHandler(msg.Data())
		}
	}
}

// reclaimTx implements the transmit-interrupt half of §4.1: advance
// tx_sent past every descriptor the simulated DMA has completed, and
// notify the interface layer if that freed capacity.
func (c *Controller) reclaimTx() {
	c.txMu.Lock()

	reclaimed := false

	for c.txSent < c.txQueued {
		slot := int(c.txSent % numTxSlots)
		tsd := c.regs.Read(tsdRegs[slot])

		done := tsd&(1<<tsdTOKBit) != 0 || tsd&(1<<tsdTUNBit) != 0 || tsd&(1<<tsdTABTBit) != 0
		if !done {
			break
		}

		c.txSent++
		c.stats.TxSent++
		c.metrics.TxSent.Inc()
		reclaimed = true
	}

	c.txMu.Unlock()

	if reclaimed && c.OnTxReady != nil {
		c.OnTxReady()
	}
}
