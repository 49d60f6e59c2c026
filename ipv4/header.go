package ipv4

import (
	"fmt"

	"github.com/ctos-project/netcore/netcoreerr"
	"github.com/ctos-project/netcore/netmsg"
)

// HeaderBytes is the fixed, option-free IPv4 header size (spec.md §6).
const HeaderBytes = 20

const (
	flagDF = 1 << 14
	flagMF = 1 << 13

	// MaxFragmentSize bounds a single reassembled datagram (spec.md §3:
	// "IP_FRAGMENT_MAX_SIZE").
	MaxFragmentSize = 65535 - HeaderBytes
)

// Protocol numbers this core dispatches on (spec.md §4.3.1).
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// header is the decoded form of a 20-byte IPv4 header.
type header struct {
	versionIHL  byte
	tos         byte
	totalLength uint16
	id          uint16
	flagsOffset uint16
	ttl         byte
	proto       byte
	checksum    uint16
	src         uint32
	dst         uint32
}

func (h header) moreFragments() bool   { return h.flagsOffset&flagMF != 0 }
func (h header) df() bool              { return h.flagsOffset&flagDF != 0 }
func (h header) fragmentOffset() int   { return int(h.flagsOffset&0x1fff) * 8 }

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderBytes {
		return header{}, fmt.Errorf("ipv4: header short: %w", netcoreerr.ErrInvalidArgument)
	}

	h := header{
		versionIHL:  b[0],
		tos:         b[1],
		totalLength: be16(b[2:4]),
		id:          be16(b[4:6]),
		flagsOffset: be16(b[6:8]),
		ttl:         b[8],
		proto:       b[9],
		checksum:    be16(b[10:12]),
		src:         be32(b[12:16]),
		dst:         be32(b[16:20]),
	}

	return h, nil
}

func (h header) encode(b []byte) {
	b[0] = h.versionIHL
	b[1] = h.tos
	putBE16(b[2:4], h.totalLength)
	putBE16(b[4:6], h.id)
	putBE16(b[6:8], h.flagsOffset)
	b[8] = h.ttl
	b[9] = h.proto
	putBE16(b[10:12], 0)
	putBE32(b[12:16], h.src)
	putBE32(b[16:20], h.dst)
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// headerChecksum computes the spec's one's-complement sum of the 10
// header words with the checksum field treated as zero (spec.md §4.3.4,
// §6, Testable Property 5).
func headerChecksum(b []byte) uint16 {
	tmp := make([]byte, HeaderBytes)
	copy(tmp, b[:HeaderBytes])
	tmp[10], tmp[11] = 0, 0
	return netmsg.Checksum(tmp, 0)
}

// validateChecksum reports whether the full 20-byte header (checksum
// field included) sums to zero, the wire-verification form of Testable
// Property 5.
func validateChecksum(b []byte) bool {
	return netmsg.Checksum(b[:HeaderBytes], 0) == 0
}
