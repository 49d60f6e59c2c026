// Package control implements the control-plane operations spec.md §6
// offers to a collaborator CLI: route add/remove/list, and interface
// address/netmask get/set/list.
package control

import (
	"fmt"
	"net"

	"github.com/ctos-project/netcore/iface"
	"github.com/ctos-project/netcore/ipv4"
)

// API wraps the interface layer and routing table with the operations a
// CLI or management socket needs.
type API struct {
	Iface  *iface.Layer
	Routes *ipv4.RouteTable
}

// New returns an API bound to the given interface layer and routing
// table.
func New(ifaceLayer *iface.Layer, routes *ipv4.RouteTable) *API {
	return &API{Iface: ifaceLayer, Routes: routes}
}

// RouteView is a printable routing-table row.
type RouteView struct {
	Dest, Gateway, Mask net.IP
	NIC                 string
	Flags               string
}

func ipString(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// AddRoute installs a route, per spec.md §6.
func (a *API) AddRoute(dst, mask, gw net.IP, nicName string, flags int) error {
	ifc, ok := a.Iface.Get(nicName)
	if !ok {
		return fmt.Errorf("control: unknown interface %q", nicName)
	}

	return a.Routes.AddRoute(ipToUint32(dst), ipToUint32(mask), ipToUint32(gw), ifc, flags)
}

// RemoveRoute deletes an exact-match route.
func (a *API) RemoveRoute(dst, mask, gw net.IP, nicName string) error {
	ifc, ok := a.Iface.Get(nicName)
	if !ok {
		return fmt.Errorf("control: unknown interface %q", nicName)
	}

	return a.Routes.RemoveRoute(ipToUint32(dst), ipToUint32(mask), ipToUint32(gw), ifc)
}

// ListRoutes returns every installed route.
func (a *API) ListRoutes() []RouteView {
	entries := a.Routes.List()
	out := make([]RouteView, 0, len(entries))

	for _, e := range entries {
		flags := ""
		if e.Flags&iface.RouteFlagUp != 0 {
			flags += "U"
		}
		if e.Flags&iface.RouteFlagGW != 0 {
			flags += "G"
		}

		name := ""
		if e.Nic != nil {
			name = e.Nic.Name
		}

		out = append(out, RouteView{
			Dest:    ipString(e.Dest),
			Mask:    ipString(e.Mask),
			Gateway: ipString(e.Gw),
			NIC:     name,
			Flags:   flags,
		})
	}

	return out
}

// SetAddress assigns addr to the named interface.
func (a *API) SetAddress(nicName string, addr net.IP) error {
	ifc, ok := a.Iface.Get(nicName)
	if !ok {
		return fmt.Errorf("control: unknown interface %q", nicName)
	}

	return a.Iface.SetAddress(ifc, ipToUint32(addr))
}

// GetAddress returns the named interface's assigned address and mask.
func (a *API) GetAddress(nicName string) (addr, mask net.IP, assigned bool, err error) {
	ifc, ok := a.Iface.Get(nicName)
	if !ok {
		return nil, nil, false, fmt.Errorf("control: unknown interface %q", nicName)
	}

	return ipString(ifc.Address), ipString(ifc.Netmask), ifc.Assigned, nil
}

// InterfaceView is a printable interface-listing row.
type InterfaceView struct {
	Name     string
	Address  net.IP
	Netmask  net.IP
	Assigned bool
}

// ListInterfaces returns every registered interface.
func (a *API) ListInterfaces() []InterfaceView {
	ifaces := a.Iface.List()
	out := make([]InterfaceView, 0, len(ifaces))

	for _, ifc := range ifaces {
		out = append(out, InterfaceView{
			Name:     ifc.Name,
			Address:  ipString(ifc.Address),
			Netmask:  ipString(ifc.Netmask),
			Assigned: ifc.Assigned,
		})
	}

	return out
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
