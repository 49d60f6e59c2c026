package ipv4

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/ctos-project/netcore/iface"
	"github.com/ctos-project/netcore/netcoreerr"
)

// RouteTableSize is the fixed entry count of spec.md §3.
const RouteTableSize = 256

// RouteEntry is one slot of the routing table. An entry with Nic == nil
// is empty.
type RouteEntry struct {
	Dest, Gw, Mask uint32
	Nic            *iface.Interface
	Flags          int
}

func (e RouteEntry) up() bool { return e.Flags&iface.RouteFlagUp != 0 }

// RouteTable is the fixed 256-entry longest-prefix-match table of
// spec.md §4.3.3. It implements iface.Router.
type RouteTable struct {
	mu      sync.Mutex
	entries [RouteTableSize]RouteEntry
}

// NewRouteTable returns an empty routing table.
func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// AddRoute inserts dst/mask/gw/nic/flags, normalizing dst by masking it
// first (spec.md §4.3.3: "on add, destination is masked by the netmask
// to normalize"). It satisfies iface.Router.
func (t *RouteTable) AddRoute(dst, mask, gw uint32, nic *iface.Interface, flags int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dst &= mask

	for i := range t.entries {
		if t.entries[i].Nic == nil {
			t.entries[i] = RouteEntry{Dest: dst, Mask: mask, Gw: gw, Nic: nic, Flags: flags}
			return nil
		}
	}

	return fmt.Errorf("ipv4: routing table full: %w", netcoreerr.ErrNoResources)
}

// RemoveRoute deletes the entry matching dst/mask/gw/nic exactly.
func (t *RouteTable) RemoveRoute(dst, mask, gw uint32, nic *iface.Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dst &= mask

	for i := range t.entries {
		e := t.entries[i]
		if e.Nic == nic && e.Dest == dst && e.Mask == mask && e.Gw == gw {
			t.entries[i] = RouteEntry{}
			return nil
		}
	}

	return fmt.Errorf("ipv4: no matching route: %w", netcoreerr.ErrInvalidArgument)
}

// PurgeNIC removes every entry pointing at nic, satisfying iface.Router
// ("assign/clear IP on interface implicitly purges all routes
// referencing that NIC", spec.md §6).
func (t *RouteTable) PurgeNIC(nic *iface.Interface) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].Nic == nic {
			t.entries[i] = RouteEntry{}
		}
	}
}

// List returns a snapshot of every non-empty entry, in table order.
func (t *RouteTable) List() []RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RouteEntry, 0, RouteTableSize)
	for _, e := range t.entries {
		if e.Nic != nil {
			out = append(out, e)
		}
	}
	return out
}

// Lookup performs the longest-prefix-match of spec.md §4.3.3: among
// entries whose (Dest & Mask) == (dst & Mask), the one with the most
// one-bits in Mask wins; ties keep the first (table-order) candidate
// found, per Testable Property 3. If src is not ANY, candidates are
// additionally constrained to NICs with that source address assigned.
// The returned next hop is dst for direct routes, the entry's gateway
// otherwise.
func (t *RouteTable) Lookup(src, dst uint32) (RouteEntry, uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		best     RouteEntry
		bestOnes = -1
		found    bool
	)

	for _, e := range t.entries {
		if e.Nic == nil || !e.up() {
			continue
		}

		if e.Dest != dst&e.Mask {
			continue
		}

		if src != 0 && e.Nic.Address != src {
			continue
		}

		ones := bits.OnesCount32(e.Mask)
		if ones > bestOnes {
			best = e
			bestOnes = ones
			found = true
		}
	}

	if !found {
		return RouteEntry{}, 0, false
	}

	nextHop := dst
	if best.Flags&iface.RouteFlagGW != 0 {
		nextHop = best.Gw
	}

	return best, nextHop, true
}
