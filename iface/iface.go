// Package iface implements the interface layer (C2): the single point
// of contact between NIC drivers and the higher protocol layers. It
// owns the registered-NIC table, assigns software names, multiplexes
// inbound frames by ethertype, and queues outbound frames on a work
// queue that arbitrates the driver's TX descriptor window.
package iface

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ctos-project/netcore/klog"
	"github.com/ctos-project/netcore/netcoreerr"
	"github.com/ctos-project/netcore/netmsg"
	"github.com/ctos-project/netcore/workqueue"
	"go.uber.org/zap"
)

const maxPerPrefix = 16

// EtherTypeARP and EtherTypeIPv4 are the dispatch keys of spec.md §4.2.
const (
	EtherTypeARP  = 0x0806
	EtherTypeIPv4 = 0x0800
)

// Driver is what the interface layer needs from a NIC driver: enough to
// transmit, to receive its name-worthy identity, and to be wired for
// upstream delivery and TX-capacity notification. nic8139.Controller
// satisfies this.
type Driver interface {
	MAC() net.HardwareAddr
	MTU() int
	Transmit(msg *netmsg.Msg) error
	SetRxHandler(func(frame []byte))
	SetOnTxReady(func())
}

// Router is the subset of the IPv4 routing table the interface layer
// needs for address assignment (spec.md §4.2: "purge every routing entry
// pointing to this NIC" and "install a direct-route entry"). Defined
// here, on iface's own terms, so iface never imports ipv4; ipv4.RouteTable
// satisfies it structurally.
type Router interface {
	PurgeNIC(nic *Interface)
	AddRoute(dst, mask, gw uint32, nic *Interface, flags int) error
}

// RouteFlagUp and RouteFlagGW mirror spec.md §3's routing-entry flags,
// re-declared here to keep iface free of an ipv4 import.
const (
	RouteFlagUp = 1 << 0
	RouteFlagGW = 1 << 1
)

// Interface is the software identity of a registered NIC: its name,
// driver, and assigned IPv4 address/netmask.
type Interface struct {
	Name   string
	Driver Driver

	// Address reconfiguration is deliberately unlocked (spec.md §4.2
	// non-goal: "no locking for interface reconfiguration;
	// reconfiguration breaks existing connections and is rare").
	Address  uint32
	Netmask  uint32
	Assigned bool
}

// Layer is the registry of every NIC in the system.
type Layer struct {
	mu     sync.RWMutex
	byName map[string]*Interface
	used   map[string][maxPerPrefix]bool

	tx *workqueue.Queue

	Router Router

	// ARPHandler and IPv4Handler receive inbound frames dispatched by
	// ethertype; injected by whoever wires the protocol layers in, so
	// iface never imports arp or ipv4.
	ARPHandler  func(nic *Interface, msg *netmsg.Msg)
	IPv4Handler func(nic *Interface, msg *netmsg.Msg)

	log *zap.Logger
}

// New returns an empty interface layer with its own NET_IF work queue.
func New(retryDelay time.Duration) *Layer {
	return &Layer{
		byName: make(map[string]*Interface),
		used:   make(map[string]([maxPerPrefix]bool)),
		tx:     workqueue.New("net_if", retryDelay),
		log:    klog.Named("iface"),
	}
}

// Register assigns the next free numeric suffix within the hardware-type
// prefix and adds drv to the registry (spec.md §4.2).
func (l *Layer) Register(prefix string, drv Driver) (*Interface, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slots := l.used[prefix]

	digit := -1
	for i := 0; i < maxPerPrefix; i++ {
		if !slots[i] {
			digit = i
			break
		}
	}

	if digit == -1 {
		return nil, fmt.Errorf("iface: %d interfaces already registered for prefix %q: %w", maxPerPrefix, prefix, netcoreerr.ErrNoResources)
	}

	slots[digit] = true
	l.used[prefix] = slots

	ifc := &Interface{Name: fmt.Sprintf("%s%d", prefix, digit), Driver: drv}
	l.byName[ifc.Name] = ifc

	drv.SetRxHandler(func(frame []byte) { l.receive(ifc, frame) })
	drv.SetOnTxReady(func() { l.tx.Trigger() })

	l.log.Info("registered interface", zap.String("name", ifc.Name))

	return ifc, nil
}

// Get returns a registered interface by name.
func (l *Layer) Get(name string) (*Interface, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ifc, ok := l.byName[name]
	return ifc, ok
}

// List returns every registered interface.
func (l *Layer) List() []*Interface {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Interface, 0, len(l.byName))
	for _, ifc := range l.byName {
		out = append(out, ifc)
	}
	return out
}

// receive implements the RX path of spec.md §4.2: set the Ethernet
// header offset, read the ethertype, dispatch to ARP or IPv4; any other
// ethertype destroys the message.
func (l *Layer) receive(ifc *Interface, frame []byte) {
	msg := netmsg.FromBytes(frame)

	if len(frame) < 14 {
		msg.Release()
		return
	}

	_ = msg.SetEthHdr(0)
	copy(msg.EthDst[:], frame[0:6])
	copy(msg.EthSrc[:], frame[6:12])
	msg.EtherType = netmsg.N16(uint16(frame[12])<<8 | uint16(frame[13]))
	msg.NIC = ifc

	switch uint16(msg.EtherType) {
	case EtherTypeARP:
		if l.ARPHandler != nil {
			l.ARPHandler(ifc, msg)
			return
		}
	case EtherTypeIPv4:
		if l.IPv4Handler != nil {
			l.IPv4Handler(ifc, msg)
			return
		}
	}

	msg.Release()
}

// Transmit enqueues msg for delivery out ifc. The actual send happens on
// the NET_IF work queue so a full TX window backs off without blocking
// the caller (spec.md §4.2 TX path).
func (l *Layer) Transmit(ifc *Interface, msg *netmsg.Msg) {
	l.tx.Schedule(func(arg interface{}, _ bool) workqueue.Result {
		m := arg.(*netmsg.Msg)

		if err := ifc.Driver.Transmit(m); err != nil {
			if isTryAgain(err) {
				return workqueue.Again
			}

			l.log.Warn("tx failed, dropping", zap.String("nic", ifc.Name), zap.Error(err))
		}

		return workqueue.Done
	}, msg, time.Time{})
}

func isTryAgain(err error) bool {
	return err == netcoreerr.ErrTryAgain
}

// classfulNetmask derives the default netmask from the first octet of
// addr, per spec.md §4.2 ("derive a classful default netmask (class
// A/B/C) from the first octet").
func classfulNetmask(addr uint32) (uint32, error) {
	first := byte(addr >> 24)

	switch {
	case first < 128:
		return 0xff000000, nil // class A
	case first < 192:
		return 0xffff0000, nil // class B
	case first < 224:
		return 0xffffff00, nil // class C
	default:
		return 0, fmt.Errorf("iface: address class has no default netmask: %w", netcoreerr.ErrInvalidArgument)
	}
}

// SetAddress assigns addr to ifc: it derives the classful netmask,
// purges every routing entry pointing at ifc, stores the new
// address/netmask, and installs a direct route (spec.md §4.2).
func (l *Layer) SetAddress(ifc *Interface, addr uint32) error {
	mask, err := classfulNetmask(addr)
	if err != nil {
		return err
	}

	if l.Router != nil {
		l.Router.PurgeNIC(ifc)
	}

	ifc.Address = addr
	ifc.Netmask = mask
	ifc.Assigned = true

	if l.Router != nil {
		dst := addr & mask
		if err := l.Router.AddRoute(dst, mask, 0, ifc, RouteFlagUp); err != nil {
			return err
		}
	}

	l.log.Info("address assigned", zap.String("nic", ifc.Name))

	return nil
}

// SetNetmask stores mask on ifc. The stored address, the Assigned flag
// and the routing table are left unchanged; no route is purged or
// re-installed for the new mask.
func (l *Layer) SetNetmask(ifc *Interface, mask uint32) error {
	ifc.Netmask = mask
	return nil
}

// ClearAddress removes ifc's address assignment and purges its routes.
func (l *Layer) ClearAddress(ifc *Interface) {
	if l.Router != nil {
		l.Router.PurgeNIC(ifc)
	}

	ifc.Address = 0
	ifc.Netmask = 0
	ifc.Assigned = false
}
