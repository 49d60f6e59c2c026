// Package nic8139 drives an RTL8139-class Ethernet controller: a ring
// RX buffer and four TX descriptor slots, programmed over the register
// shapes of §4.1. It is the C1 component of the networking core.
package nic8139

// Register offsets (RTL8139 programming reference). Kept as a flat const
// block the same way the teacher's soc/nxp/enet package lists its MAC
// registers.
const (
	regIDR0 = 0x00 // MAC address, 6 bytes from here

	regTSD0 = 0x10 // transmit status, descriptor 0
	regTSD1 = 0x14
	regTSD2 = 0x18
	regTSD3 = 0x1c

	regTSAD0 = 0x20 // transmit start address, descriptor 0
	regTSAD1 = 0x24
	regTSAD2 = 0x28
	regTSAD3 = 0x2c

	regRBSTART = 0x30 // RX ring start address

	regCR = 0x37 // command register
	crBUFE = 0   // RX buffer empty
	crTE   = 2   // transmit enable
	crRE   = 3   // receive enable
	crRST  = 4   // reset

	regCAPR = 0x38 // current address of packet read (ack pointer)

	regIMR = 0x3c // interrupt mask register
	regISR = 0x3e // interrupt status register

	isrROK   = 0 // receive OK
	isrRER   = 1 // receive error
	isrTOK   = 2 // transmit OK
	isrTER   = 3 // transmit error
	isrRXOVW = 4 // receive buffer overflow

	regTCR = 0x40 // transmit configuration register
	tcrIFG = 24   // interframe gap bits

	regRCR   = 0x44 // receive configuration register
	rcrAAP   = 0    // accept all packets
	rcrAPM   = 1    // accept physical match packets
	rcrAM    = 2    // accept multicast
	rcrAB    = 3    // accept broadcast
	rcrWRAP  = 7    // no-wrap mode
	rcrMXDMA = 8    // max DMA burst size, 3 bits
)

// TX descriptor status bit positions. OWN (bit 13) is set by software
// when a descriptor is handed to the card and cleared by the card once
// the size field has been written and transmission has started
// (spec.md §4.1: "writing size to the slot status register clears the
// OWN bit"). TOK/TUN/TABT are the completion bits the TX interrupt
// handler reclaims descriptors on.
const (
	tsdOwnBit  = 13 // OWN
	tsdTOKBit  = 15 // transmit OK
	tsdTUNBit  = 14 // transmit FIFO underrun
	tsdTABTBit = 30 // transmit aborted
)

var tsadRegs = [4]uint32{regTSAD0, regTSAD1, regTSAD2, regTSAD3}
var tsdRegs = [4]uint32{regTSD0, regTSD1, regTSD2, regTSD3}
