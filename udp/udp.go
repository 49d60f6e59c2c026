// Package udp implements the connectionless transport (C4): a UCB
// table with reference counting, wildcard-tolerant demultiplex, the
// pseudo-header checksum, and bind/connect/send/receive, per spec.md
// §4.4.
package udp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ctos-project/netcore/iface"
	"github.com/ctos-project/netcore/ipv4"
	"github.com/ctos-project/netcore/klog"
	"github.com/ctos-project/netcore/metrics"
	"github.com/ctos-project/netcore/netcoreerr"
	"github.com/ctos-project/netcore/netmsg"
	"go.uber.org/zap"
)

// HeaderBytes is the fixed UDP header size (spec.md §6).
const HeaderBytes = 8

// MaxPayloadBytes is 65515-8, the largest UDP payload the reassembly
// table can ever deliver whole (spec.md §4.4).
const MaxPayloadBytes = ipv4.MaxFragmentSize - HeaderBytes

// datagram is one whole, already-demultiplexed UDP datagram queued for a
// receiver.
type datagram struct {
	srcAddr uint32
	srcPort uint16
	payload []byte
}

// UCB is a UDP control block: bound/connected addressing, an RX queue of
// whole datagrams bounded by bufCap bytes, and its own refcount
// (spec.md §3, §9).
type UCB struct {
	mu sync.Mutex

	bound     bool
	connected bool

	localAddr, foreignAddr uint32
	localPort, foreignPort uint16

	bufCap  int
	pending int
	queue   []datagram

	refcount int32
}

// NewUCB returns an unbound control block with one implicit reference.
func NewUCB(bufCap int) *UCB {
	return &UCB{bufCap: bufCap, refcount: 1}
}

// Clone increments the reference count (Testable Property 8).
func (u *UCB) Clone() *UCB {
	atomic.AddInt32(&u.refcount, 1)
	return u
}

// Release decrements the reference count, returning the value after
// decrement; the caller frees the UCB itself when this reaches zero.
func (u *UCB) Release() int32 {
	return atomic.AddInt32(&u.refcount, -1)
}

func (u *UCB) snapshot() (localAddr, foreignAddr uint32, localPort, foreignPort uint16, bound, connected bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.localAddr, u.foreignAddr, u.localPort, u.foreignPort, u.bound, u.connected
}

// matchScore implements spec.md §4.4's matching procedure: one point per
// dimension for an exact match, zero for a wildcard on either side, and
// disqualification (-1) for a non-wildcard mismatch.
func matchScore(candidate, query addr4) int {
	score := 0

	for _, dim := range [][2]uint32{
		{uint32(candidate.ip), uint32(query.ip)},
		{uint32(candidate.port), uint32(query.port)},
	} {
		c, q := dim[0], dim[1]
		switch {
		case c == 0 || q == 0:
			// wildcard, contributes 0
		case c == q:
			score++
		default:
			return -1
		}
	}

	return score
}

type addr4 struct {
	ip   uint32
	port uint16
}

// Table is the process-wide UCB list of spec.md §4.4, lock-ordered below
// the raw-socket list per §5.
type Table struct {
	mu      sync.Mutex
	entries []*UCB
	log     *zap.Logger
}

// NewTable returns an empty UCB table.
func NewTable() *Table {
	return &Table{log: klog.Named("udp")}
}

// Add registers u in the table.
func (t *Table) Add(u *UCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(u)
}

// addLocked is Add's body; the caller must already hold t.mu.
func (t *Table) addLocked(u *UCB) {
	t.entries = append(t.entries, u)
	metrics.UCBCount(len(t.entries))
}

// Remove deletes u from the table.
func (t *Table) Remove(u *UCB) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e == u {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}

	metrics.UCBCount(len(t.entries))
}

// bestMatch finds the highest-scoring entry for the query 4-tuple,
// cloning it under the list lock (Testable Property 7).
func (t *Table) bestMatch(localIP uint32, localPort uint16, foreignIP uint32, foreignPort uint16) *UCB {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		best      *UCB
		bestScore = -1
	)

	for _, u := range t.entries {
		lAddr, fAddr, lPort, fPort, bound, _ := u.snapshot()
		if !bound {
			continue
		}

		local := matchScore(addr4{lAddr, lPort}, addr4{localIP, localPort})
		if local < 0 {
			continue
		}

		foreign := matchScore(addr4{fAddr, fPort}, addr4{foreignIP, foreignPort})
		if foreign < 0 {
			continue
		}

		score := local + foreign
		if score > bestScore {
			best = u
			bestScore = score
		}
	}

	if best == nil {
		return nil
	}

	return best.Clone()
}

// localConflict reports whether any other bound UCB already claims
// (addr, port) with its foreign side wildcarded, the bind-conflict check
// of spec.md §4.4.
func (t *Table) localConflict(exclude *UCB, addr uint32, port uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localConflictLocked(exclude, addr, port)
}

// localConflictLocked is localConflict's body; the caller must already
// hold t.mu. Bind relies on this to check-and-insert under one
// acquisition of t.mu, closing the race a separately-locked check would
// leave between two concurrent binds of the same (address, port).
func (t *Table) localConflictLocked(exclude *UCB, addr uint32, port uint16) bool {
	for _, u := range t.entries {
		if u == exclude {
			continue
		}

		lAddr, _, lPort, _, bound, _ := u.snapshot()
		if !bound {
			continue
		}

		if matchScore(addr4{lAddr, lPort}, addr4{addr, port}) >= 0 {
			return true
		}
	}

	return false
}

// nextEphemeralPort scans [base, 65535] for a port not bound by any UCB.
func (t *Table) nextEphemeralPort(base int) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextEphemeralPortLocked(base)
}

// nextEphemeralPortLocked is nextEphemeralPort's body; the caller must
// already hold t.mu.
func (t *Table) nextEphemeralPortLocked(base int) (uint16, error) {
	used := make(map[uint16]bool, len(t.entries))
	for _, u := range t.entries {
		_, _, lPort, _, bound, _ := u.snapshot()
		if bound {
			used[lPort] = true
		}
	}

	for p := base; p <= 65535; p++ {
		if !used[uint16(p)] {
			return uint16(p), nil
		}
	}

	return 0, fmt.Errorf("udp: no free ephemeral port: %w", netcoreerr.ErrAddressInUse)
}

// Stack ties a UCB table to the IPv4 engine and routing table, offering
// bind/connect/send/recvfrom.
type Stack struct {
	Table         *Table
	Engine        *ipv4.Engine
	Routes        *ipv4.RouteTable
	EphemeralBase int
	RecvBufferCap int
}

// New returns a Stack sharing engine/routes with the rest of the core.
func New(engine *ipv4.Engine, routes *ipv4.RouteTable, ephemeralBase, recvBufferCap int) *Stack {
	return &Stack{
		Table:         NewTable(),
		Engine:        engine,
		Routes:        routes,
		EphemeralBase: ephemeralBase,
		RecvBufferCap: recvBufferCap,
	}
}

// Bind validates and binds u to addr:port (spec.md §4.4). addrLen must
// be 16 (sockaddr_in). A non-wildcard addr must resolve to a route (the
// MTU-probe reachability check spec.md §4.4 requires of Bind) before the
// conflict check and table insertion are attempted.
func (s *Stack) Bind(u *UCB, addr uint32, port uint16, addrLen int) error {
	if addrLen != 16 {
		return fmt.Errorf("udp: bad address length %d: %w", addrLen, netcoreerr.ErrInvalidArgument)
	}

	if addr != 0 {
		if _, _, ok := s.Routes.Lookup(0, addr); !ok {
			return fmt.Errorf("udp: bind address %#x unreachable: %w", addr, netcoreerr.ErrUnreachable)
		}
	}

	s.Table.mu.Lock()
	defer s.Table.mu.Unlock()

	u.mu.Lock()
	if u.bound {
		u.mu.Unlock()
		return fmt.Errorf("udp: already bound: %w", netcoreerr.ErrInvalidArgument)
	}
	u.mu.Unlock()

	if port == 0 {
		p, err := s.Table.nextEphemeralPortLocked(s.EphemeralBase)
		if err != nil {
			return err
		}
		port = p
	} else if s.Table.localConflictLocked(u, addr, port) {
		return fmt.Errorf("udp: %d already bound: %w", port, netcoreerr.ErrAddressInUse)
	}

	u.mu.Lock()
	u.localAddr = addr
	u.localPort = port
	u.bound = true
	u.mu.Unlock()

	s.Table.addLocked(u)

	return nil
}

// Connect sets u's foreign address, picking a source address/port first
// if u is not yet bound (spec.md §4.4).
func (s *Stack) Connect(u *UCB, addr uint32, port uint16) error {
	u.mu.Lock()
	bound := u.bound
	u.mu.Unlock()

	if !bound {
		route, _, ok := s.Routes.Lookup(0, addr)
		if !ok {
			return netcoreerr.ErrUnreachable
		}

		if err := s.Bind(u, route.Nic.Address, 0, 16); err != nil {
			return err
		}
	}

	u.mu.Lock()
	u.foreignAddr = addr
	u.foreignPort = port
	u.connected = true
	u.mu.Unlock()

	return nil
}

// Send builds and transmits a UDP datagram from u, which must be non-nil.
// An unbound u is first bound to its route's interface address and an
// ephemeral port. An addr of zero means "use the connected foreign
// address and port"; only addr is checked for zero.
func (s *Stack) Send(u *UCB, addr uint32, port uint16, payload []byte) error {
	u.mu.Lock()
	bound, connected := u.bound, u.connected
	foreignAddr, foreignPort := u.foreignAddr, u.foreignPort
	localAddr, localPort := u.localAddr, u.localPort
	u.mu.Unlock()

	if addr == 0 {
		if !connected {
			return netcoreerr.ErrNotConnected
		}
		addr, port = foreignAddr, foreignPort
	} else if connected {
		return netcoreerr.ErrAlreadyConnected
	}

	if len(payload) > MaxPayloadBytes {
		return netcoreerr.ErrMessageTooBig
	}

	if !bound {
		route, _, ok := s.Routes.Lookup(0, addr)
		if !ok {
			return netcoreerr.ErrUnreachable
		}
		if err := s.Bind(u, route.Nic.Address, 0, 16); err != nil {
			return err
		}
		u.mu.Lock()
		localAddr, localPort = u.localAddr, u.localPort
		u.mu.Unlock()
	}

	udpLen := HeaderBytes + len(payload)

	msg := netmsg.New(34+HeaderBytes, len(payload))
	copy(msg.Data(), payload)

	off, err := msg.Prepend(HeaderBytes)
	if err != nil {
		msg.Release()
		return netcoreerr.ErrInvariant
	}

	hdr := msg.Data()[off : off+HeaderBytes]
	putBE16(hdr[0:2], localPort)
	putBE16(hdr[2:4], port)
	putBE16(hdr[4:6], uint16(udpLen))
	putBE16(hdr[6:8], 0)

	sum := pseudoHeaderChecksum(localAddr, addr, uint16(udpLen), msg.Data()[off:])
	if sum == 0 {
		sum = 0xffff
	}
	putBE16(hdr[6:8], sum)

	_ = msg.SetUDPHdr(off)

	return s.Engine.Transmit(msg, ipv4.ProtoUDP, false, localAddr, addr)
}

// Deliver implements spec.md §4.4's RX demultiplex: msg is the fully
// reassembled IP payload with UDPHdr already set at its base.
func (s *Stack) Deliver(nic *iface.Interface, msg *netmsg.Msg) {
	defer msg.Release()

	b := msg.Data()
	if len(b) < HeaderBytes {
		return
	}

	srcPort := be16(b[0:2])
	dstPort := be16(b[2:4])
	udpLen := be16(b[4:6])
	checksum := be16(b[6:8])

	if int(udpLen) != len(b) {
		return
	}

	if checksum != 0 {
		if pseudoHeaderChecksum(uint32(msg.IPSrc), uint32(msg.IPDest), udpLen, b) != 0 {
			return
		}
	}

	u := s.Table.bestMatch(uint32(msg.IPDest), dstPort, uint32(msg.IPSrc), srcPort)
	if u == nil {
		metrics.UDPDropped()
		return
	}
	defer u.Release()

	u.mu.Lock()
	if u.pending+len(b)-HeaderBytes > s.RecvBufferCap {
		u.mu.Unlock()
		metrics.UDPDropped()
		return
	}

	u.queue = append(u.queue, datagram{srcAddr: uint32(msg.IPSrc), srcPort: srcPort, payload: append([]byte(nil), b[HeaderBytes:]...)})
	u.pending += len(b) - HeaderBytes
	u.mu.Unlock()

	metrics.UDPDelivered()
}

// RecvFrom pops the oldest queued datagram, truncating to len(buf), and
// reports the sender's address and port.
func (u *UCB) RecvFrom(buf []byte) (n int, srcAddr uint32, srcPort uint16, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.queue) == 0 {
		return 0, 0, 0, netcoreerr.ErrTryAgain
	}

	dg := u.queue[0]
	u.queue = u.queue[1:]
	u.pending -= len(dg.payload)

	n = copy(buf, dg.payload)

	return n, dg.srcAddr, dg.srcPort, nil
}

func be16(b []byte) uint16       { return uint16(b[0])<<8 | uint16(b[1]) }
func putBE16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// pseudoHeaderChecksum computes the internet checksum over the 12-byte
// pseudo-header {src, dst, zero, 17, udp_length} concatenated with the
// UDP datagram, per spec.md §6.
func pseudoHeaderChecksum(src, dst uint32, udpLen uint16, datagram []byte) uint16 {
	pseudo := make([]byte, 12)
	putBE32(pseudo[0:4], src)
	putBE32(pseudo[4:8], dst)
	pseudo[8] = 0
	pseudo[9] = ipv4.ProtoUDP
	putBE16(pseudo[10:12], udpLen)

	sum := netmsg.Checksum(pseudo, 0)
	return netmsg.Checksum(datagram, uint32(^sum)&0xffff)
}
