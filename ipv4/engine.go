// Package ipv4 implements the IPv4 engine (C3): input validation,
// RFC 815 reassembly, longest-prefix-match routing, fragmented
// transmit, and raw-socket fan-out, per spec.md §4.3.
package ipv4

import (
	"net"
	"sync"
	"time"

	"github.com/ctos-project/netcore/iface"
	"github.com/ctos-project/netcore/klog"
	"github.com/ctos-project/netcore/netcoreerr"
	"github.com/ctos-project/netcore/netmsg"
	"github.com/ctos-project/netcore/workqueue"
	"go.uber.org/zap"
)

// Resolver is the ARP collaborator contract the TX work handler needs
// (spec.md §4.3.5): arp.Cache satisfies it.
type Resolver interface {
	Resolve(ip uint32) (mac net.HardwareAddr, ok bool, timedOut bool)
}

// Engine wires the routing table, reassembler, raw-socket table and ARP
// resolver into the input/output pipeline of spec.md §4.3.
type Engine struct {
	Routes     *RouteTable
	Reassembly *Reassembler
	RawSockets *RawSocketTable
	Resolver   Resolver
	IfaceLayer *iface.Layer

	// UDPHandler, ICMPHandler and TCPHandler receive the fully
	// reassembled transport payload, dispatched by ip_proto. TCP is an
	// out-of-scope collaborator (spec.md §1) so TCPHandler is typically
	// nil, which simply drops.
	UDPHandler  func(nic *iface.Interface, msg *netmsg.Msg)
	ICMPHandler func(nic *iface.Interface, msg *netmsg.Msg)
	TCPHandler  func(nic *iface.Interface, msg *netmsg.Msg)

	txQueue *workqueue.Queue

	idMu sync.Mutex
	id   uint16

	log *zap.Logger
}

// New constructs an engine and starts its IP_TX work queue.
func New(routes *RouteTable, reassembly *Reassembler, raw *RawSocketTable, resolver Resolver, ifaceLayer *iface.Layer, retryDelay time.Duration) *Engine {
	e := &Engine{
		Routes:     routes,
		Reassembly: reassembly,
		RawSockets: raw,
		Resolver:   resolver,
		IfaceLayer: ifaceLayer,
		txQueue:    workqueue.New("ip_tx", retryDelay),
		log:        klog.Named("ipv4"),
	}

	return e
}

// nextID returns the monotonic IP identification counter, wrapping to 1
// instead of 0 (spec.md §4.3.4).
func (e *Engine) nextID() uint16 {
	e.idMu.Lock()
	defer e.idMu.Unlock()

	e.id++
	if e.id == 0 {
		e.id = 1
	}
	return e.id
}

// Input implements spec.md §4.3.1. msg carries a whole Ethernet frame
// with EthHdr already set by the interface layer; Input consumes msg
// entirely (it is always released by the time Input returns).
func (e *Engine) Input(nic *iface.Interface, msg *netmsg.Msg) {
	defer msg.Release()

	raw := msg.Data()
	if len(raw) < 14+HeaderBytes {
		return
	}

	ipBytes := raw[14:]

	h, err := parseHeader(ipBytes)
	if err != nil {
		return
	}

	if h.versionIHL>>4 != 4 || h.versionIHL&0x0f != 5 {
		return
	}
	if !nic.Assigned || h.dst != nic.Address {
		return
	}
	if h.ttl == 0 {
		return
	}
	if !validateChecksum(ipBytes) {
		return
	}

	_ = msg.SetIPHdr(14)
	msg.IPSrc = netmsg.N32(h.src)
	msg.IPDest = netmsg.N32(h.dst)
	msg.IPProto = h.proto
	msg.IPDF = h.df()

	ipLength := int(h.totalLength) - HeaderBytes
	if ipLength < 0 || 14+HeaderBytes+ipLength > len(raw) {
		return
	}
	msg.IPLength = ipLength

	payload := ipBytes[HeaderBytes : HeaderBytes+ipLength]

	fragFirst := h.fragmentOffset()
	fragLast := fragFirst + ipLength - 1

	var assembled []byte

	if !h.moreFragments() && fragFirst == 0 {
		assembled = append([]byte(nil), payload...)
	} else {
		key := datagramKey{src: h.src, dst: h.dst, id: h.id, proto: h.proto}

		out, complete, insErr := e.Reassembly.Insert(key, fragFirst, fragLast, h.moreFragments(), payload)
		if insErr != nil {
			e.log.Error("reassembly insert failed", zap.Error(insErr))
			return
		}
		if !complete {
			return
		}
		assembled = out
	}

	e.RawSockets.FanOut(RawDatagram{Src: h.src, Dst: h.dst, Proto: h.proto, Payload: reconstructPacket(h, assembled)})

	out := netmsg.FromBytes(assembled)
	out.NIC = nic
	out.IPSrc = netmsg.N32(h.src)
	out.IPDest = netmsg.N32(h.dst)
	out.IPProto = h.proto
	out.IPLength = len(assembled)

	switch h.proto {
	case ProtoICMP:
		_ = out.SetICMPHdr(out.Base())
		if e.ICMPHandler != nil {
			e.ICMPHandler(nic, out)
			return
		}
	case ProtoTCP:
		_ = out.SetTCPHdr(out.Base())
		if e.TCPHandler != nil {
			e.TCPHandler(nic, out)
			return
		}
	case ProtoUDP:
		_ = out.SetUDPHdr(out.Base())
		if e.UDPHandler != nil {
			e.UDPHandler(nic, out)
			return
		}
	}

	out.Release()
}

// reconstructPacket rebuilds a whole IP packet (header plus the complete
// reassembled payload) for raw-socket consumers, per spec.md §4.3.2:
// reassembly completion produces "a new network message... with a
// freshly computed IP header... and the complete reassembled payload",
// which feeds raw-socket fan-out the same reconstructed packet the
// transport demultiplex receives the payload half of. The flags/offset
// field is zero since the datagram carries no fragmentation of its own
// once reassembled.
func reconstructPacket(orig header, payload []byte) []byte {
	out := make([]byte, HeaderBytes+len(payload))

	hdr := header{
		versionIHL:  0x45,
		tos:         orig.tos,
		totalLength: uint16(HeaderBytes + len(payload)),
		id:          orig.id,
		flagsOffset: 0,
		ttl:         orig.ttl,
		proto:       orig.proto,
		src:         orig.src,
		dst:         orig.dst,
	}
	hdr.encode(out[:HeaderBytes])
	putBE16(out[10:12], headerChecksum(out[:HeaderBytes]))

	copy(out[HeaderBytes:], payload)

	return out
}

// Transmit implements spec.md §4.3.4-4.3.5: route, bound-check against
// the MTU, build one header per emitted fragment, and enqueue each
// fragment on the IP_TX work queue for ARP resolution. msg holds the
// transport payload only (e.g. a UDP datagram); it is always consumed.
func (e *Engine) Transmit(msg *netmsg.Msg, proto uint8, df bool, src, dst uint32) error {
	defer msg.Release()

	route, nextHop, ok := e.Routes.Lookup(src, dst)
	if !ok {
		return netcoreerr.ErrUnreachable
	}

	nic := route.Nic
	mtu := nic.Driver.MTU()

	total := msg.Len()
	if total+HeaderBytes > mtu && df {
		return netcoreerr.ErrMessageTooBig
	}

	actualSrc := src
	if actualSrc == 0 {
		actualSrc = nic.Address
	}

	id := e.nextID()
	full := msg.Data()
	fragMax := mtu - HeaderBytes

	for offset := 0; offset < total || (offset == 0 && total == 0); {
		remaining := total - offset

		fragLen := remaining
		mf := false

		if remaining > fragMax {
			fragLen = (fragMax / 8) * 8
			mf = true
		}

		frag := netmsg.New(34, fragLen)
		copy(frag.Data(), full[offset:offset+fragLen])

		hdrOff, perr := frag.Prepend(HeaderBytes)
		if perr != nil {
			frag.Release()
			return netcoreerr.ErrInvariant
		}

		flagsOffset := uint16(offset / 8)
		if mf {
			flagsOffset |= flagMF
		} else if df {
			flagsOffset |= flagDF
		}

		hdr := header{
			versionIHL:  0x45,
			totalLength: uint16(HeaderBytes + fragLen),
			id:          id,
			flagsOffset: flagsOffset,
			ttl:         64,
			proto:       proto,
			src:         actualSrc,
			dst:         dst,
		}

		hdrBytes := frag.Data()[hdrOff : hdrOff+HeaderBytes]
		hdr.encode(hdrBytes)
		putBE16(hdrBytes[10:12], headerChecksum(hdrBytes))

		_ = frag.SetIPHdr(hdrOff)
		frag.IPSrc = netmsg.N32(actualSrc)
		frag.IPDest = netmsg.N32(nextHop) // overwritten for ARP lookup, §4.3.4 step 4
		frag.IPProto = proto
		frag.IPDF = df
		frag.IPLength = fragLen
		frag.NIC = nic

		e.txQueue.Schedule(e.txHandler, frag, time.Time{})

		offset += fragLen
		if !mf {
			break
		}
	}

	return nil
}

// txHandler is the work-queue handler of spec.md §4.3.5: resolve the
// Ethernet destination via ARP, requeueing on a miss and dropping
// silently on ARP timeout.
func (e *Engine) txHandler(arg interface{}, _ bool) workqueue.Result {
	frag := arg.(*netmsg.Msg)
	nic := frag.NIC.(*iface.Interface)

	mac, ok, timedOut := e.Resolver.Resolve(uint32(frag.IPDest))
	if !ok {
		if timedOut {
			frag.Release()
			return workqueue.Done
		}
		return workqueue.Again
	}

	copy(frag.EthDst[:], mac)
	frag.EtherType = netmsg.N16(iface.EtherTypeIPv4)

	e.IfaceLayer.Transmit(nic, frag)

	return workqueue.Done
}
