// Package integration builds whole cores for the end-to-end seed
// scenarios of spec.md §8: two or more simulated NICs joined by direct
// delivery callbacks (nic8139.Controller.DeliverFrame/InjectFrame),
// standing in for a physical Ethernet segment, each driving a complete
// interface layer, IPv4 engine and UDP stack. Tests construct a fresh
// Host per scenario, matching Design Notes §9's requirement that "tests
// must be able to construct a fresh core without touching a real
// driver."
package integration

import (
	"net"
	"time"

	"github.com/ctos-project/netcore/arp"
	"github.com/ctos-project/netcore/iface"
	"github.com/ctos-project/netcore/ipv4"
	"github.com/ctos-project/netcore/nic8139"
	"github.com/ctos-project/netcore/udp"
)

// Host is one simulated machine: a single eth0, its interface layer, its
// IPv4 engine with routing/reassembly/raw sockets, and a UDP stack.
type Host struct {
	NIC    *nic8139.Controller
	Iface  *iface.Layer
	Routes *ipv4.RouteTable
	Engine *ipv4.Engine
	ARP    *arp.Cache
	UDP    *udp.Stack
}

// HostConfig carries the link MTU, UDP receive-buffer cap, ephemeral port
// base and timing knobs a Host is built with. NewHost always builds an
// 8192-byte RX ring and does not apply RawSocketBufCap; raw sockets take
// their cap from NewRawSocket.
type HostConfig struct {
	MTU               int
	RawSocketBufCap   int
	UDPRecvBufCap     int
	EphemeralPortBase int
	ARPTimeout        time.Duration
	WorkRetryDelay    time.Duration
}

// DefaultHostConfig mirrors config.Default() for integration tests.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		MTU:               1500,
		RawSocketBufCap:   16 * 64 * 1024,
		UDPRecvBufCap:     64 * 1024,
		EphemeralPortBase: 49152,
		ARPTimeout:        3 * time.Second,
		WorkRetryDelay:    time.Millisecond,
	}
}

// NewHost builds one fresh, fully wired core around a single simulated
// NIC named mac.
func NewHost(mac net.HardwareAddr, cfg HostConfig) *Host {
	nic := nic8139.New(mac, cfg.MTU, 8192, mac.String())
	_ = nic.Init()

	ifaceLayer := iface.New(cfg.WorkRetryDelay)
	routes := ipv4.NewRouteTable()
	ifaceLayer.Router = routes

	reassembly := ipv4.NewReassembler()
	raw := ipv4.NewRawSocketTable()
	resolver := arp.New(cfg.ARPTimeout)

	engine := ipv4.New(routes, reassembly, raw, resolver, ifaceLayer, cfg.WorkRetryDelay)
	ifaceLayer.IPv4Handler = engine.Input

	udpStack := udp.New(engine, routes, cfg.EphemeralPortBase, cfg.UDPRecvBufCap)
	engine.UDPHandler = udpStack.Deliver

	if _, err := ifaceLayer.Register("eth", nic); err != nil {
		panic(err)
	}

	return &Host{NIC: nic, Iface: ifaceLayer, Routes: routes, Engine: engine, ARP: resolver, UDP: udpStack}
}

// Interface returns the host's single registered interface.
func (h *Host) Interface() *iface.Interface {
	ifc, _ := h.Iface.Get("eth0")
	return ifc
}

// Assign sets the interface address and installs the resulting direct
// route (spec.md §4.2).
func (h *Host) Assign(addr uint32) error {
	return h.Iface.SetAddress(h.Interface(), addr)
}

// Link joins two hosts' NICs directly, each delivering frames to the
// other's simulated ring and learning the peer's MAC in its ARP cache
// (standing in for the ARP wire protocol this core consumes only as a
// primitive, spec.md §1).
func Link(a, b *Host, aIP, bIP uint32) {
	a.NIC.SetDeliverFrame(func(frame []byte) error {
		b.NIC.InjectFrame(frame, true)
		b.NIC.HandleInterrupt()
		return nil
	})
	b.NIC.SetDeliverFrame(func(frame []byte) error {
		a.NIC.InjectFrame(frame, true)
		a.NIC.HandleInterrupt()
		return nil
	})

	a.ARP.Learn(bIP, b.NIC.MAC())
	b.ARP.Learn(aIP, a.NIC.MAC())
}
