package control

import (
	"net"
	"testing"
	"time"

	"github.com/ctos-project/netcore/iface"
	"github.com/ctos-project/netcore/ipv4"
	"github.com/ctos-project/netcore/netmsg"
)

type fakeDriver struct {
	mac net.HardwareAddr
	mtu int
}

func (f *fakeDriver) MAC() net.HardwareAddr     { return f.mac }
func (f *fakeDriver) MTU() int                  { return f.mtu }
func (f *fakeDriver) SetRxHandler(func([]byte)) {}
func (f *fakeDriver) SetOnTxReady(func())       {}
func (f *fakeDriver) Transmit(*netmsg.Msg) error {
	return nil
}

func newTestAPI(t *testing.T) *API {
	t.Helper()

	ifl := iface.New(time.Millisecond)
	routes := ipv4.NewRouteTable()
	ifl.Router = routes

	drv := &fakeDriver{mac: net.HardwareAddr{2, 0, 0, 0, 0, 1}, mtu: 1500}
	ifc, err := ifl.Register("eth", drv)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ifl.SetAddress(ifc, 0x0a000001); err != nil {
		t.Fatalf("SetAddress: %v", err)
	}

	return New(ifl, routes)
}

func TestSetAddressUnknownInterface(t *testing.T) {
	api := newTestAPI(t)

	if err := api.SetAddress("ppp0", net.IPv4(10, 0, 0, 2)); err == nil {
		t.Fatal("SetAddress on an unregistered interface succeeded, want error")
	}
}

func TestGetAddressReturnsAssigned(t *testing.T) {
	api := newTestAPI(t)

	addr, mask, assigned, err := api.GetAddress("eth0")
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if !assigned {
		t.Fatal("assigned = false, want true after SetAddress during setup")
	}
	if !addr.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Fatalf("addr = %v, want 10.0.0.1", addr)
	}
	if !mask.Equal(net.IPv4(255, 0, 0, 0)) {
		t.Fatalf("mask = %v, want a class A mask", mask)
	}
}

func TestListInterfacesIncludesRegistered(t *testing.T) {
	api := newTestAPI(t)

	views := api.ListInterfaces()
	if len(views) != 1 {
		t.Fatalf("ListInterfaces returned %d entries, want 1", len(views))
	}
	if views[0].Name != "eth0" {
		t.Fatalf("interface name = %q, want %q", views[0].Name, "eth0")
	}
}

func TestAddAndListRoute(t *testing.T) {
	api := newTestAPI(t)

	dst := net.IPv4(192, 168, 1, 0)
	mask := net.IPv4(255, 255, 255, 0)
	gw := net.IPv4(0, 0, 0, 0)

	if err := api.AddRoute(dst, mask, gw, "eth0", int(iface.RouteFlagUp)); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	views := api.ListRoutes()
	found := false
	for _, v := range views {
		if v.Dest.Equal(dst) && v.NIC == "eth0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ListRoutes = %+v, want an entry for %v via eth0", views, dst)
	}
}

func TestAddRouteUnknownInterface(t *testing.T) {
	api := newTestAPI(t)

	dst := net.IPv4(192, 168, 1, 0)
	mask := net.IPv4(255, 255, 255, 0)
	gw := net.IPv4(0, 0, 0, 0)

	if err := api.AddRoute(dst, mask, gw, "ppp0", int(iface.RouteFlagUp)); err == nil {
		t.Fatal("AddRoute against an unregistered interface succeeded, want error")
	}
}

func TestRemoveRoute(t *testing.T) {
	api := newTestAPI(t)

	dst := net.IPv4(192, 168, 1, 0)
	mask := net.IPv4(255, 255, 255, 0)
	gw := net.IPv4(0, 0, 0, 0)

	if err := api.AddRoute(dst, mask, gw, "eth0", int(iface.RouteFlagUp)); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := api.RemoveRoute(dst, mask, gw, "eth0"); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}

	for _, v := range api.ListRoutes() {
		if v.Dest.Equal(dst) && v.NIC == "eth0" {
			t.Fatalf("route to %v still present after RemoveRoute", dst)
		}
	}
}
