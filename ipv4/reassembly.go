package ipv4

import (
	"fmt"
	"sync"

	"github.com/ctos-project/netcore/klog"
	"github.com/ctos-project/netcore/metrics"
	"github.com/ctos-project/netcore/netcoreerr"
	"go.uber.org/zap"
)

// ReassemblySlots is the fixed table size of spec.md §3.
const ReassemblySlots = 16

// ReassemblyTimeoutSeconds is the initial per-slot timeout.
const ReassemblyTimeoutSeconds = 15

const noHole = -1

// datagramKey identifies the datagram a fragment belongs to.
type datagramKey struct {
	src, dst uint32
	id       uint16
	proto    uint8
}

// holeEntry is one RFC 815 hole, [first, last] inclusive, linked through
// slice indices rather than literal in-buffer offsets: Go gives us a
// bounds-checked stand-in for the pointer arithmetic the original hole
// list depends on, while keeping the same no-side-allocation property
// (holes live in the slot's own backing slice, never a separate heap
// structure per fragment).
type holeEntry struct {
	first, last int
	prev, next  int
}

type slot struct {
	inUse   bool
	key     datagramKey
	buf     []byte
	holes   []holeEntry
	head    int
	payload int
	timeout int
}

func (s *slot) reset() {
	s.inUse = false
	s.buf = nil
	s.holes = nil
	s.head = noHole
	s.payload = 0
	s.timeout = 0
}

// Reassembler implements spec.md §4.3.2: a fixed 16-slot table keyed by
// (src, dst, id, proto), with the hole list owned entirely by the slot.
type Reassembler struct {
	mu    sync.Mutex
	slots [ReassemblySlots]slot
	log   *zap.Logger
}

// NewReassembler returns an empty reassembly table.
func NewReassembler() *Reassembler {
	return &Reassembler{log: klog.Named("ipv4.reassembly")}
}

func (r *Reassembler) find(key datagramKey) *slot {
	for i := range r.slots {
		if r.slots[i].inUse && r.slots[i].key == key {
			return &r.slots[i]
		}
	}
	return nil
}

func (r *Reassembler) reserve(key datagramKey) (*slot, error) {
	for i := range r.slots {
		if !r.slots[i].inUse {
			s := &r.slots[i]
			s.inUse = true
			s.key = key
			s.buf = make([]byte, MaxFragmentSize)
			s.holes = []holeEntry{{first: 0, last: MaxFragmentSize - 1, prev: noHole, next: noHole}}
			s.head = 0
			s.payload = 0
			s.timeout = ReassemblyTimeoutSeconds
			return s, nil
		}
	}

	return nil, fmt.Errorf("ipv4: reassembly table full: %w", netcoreerr.ErrNoResources)
}

func (s *slot) unlink(idx int) {
	h := s.holes[idx]
	if h.prev == noHole {
		s.head = h.next
	} else {
		s.holes[h.prev].next = h.next
	}
	if h.next != noHole {
		s.holes[h.next].prev = h.prev
	}
}

func (s *slot) insertAtHead(first, last int) {
	idx := len(s.holes)
	s.holes = append(s.holes, holeEntry{first: first, last: last, prev: noHole, next: s.head})
	if s.head != noHole {
		s.holes[s.head].prev = idx
	}
	s.head = idx
}

// Insert applies one fragment, exactly per the RFC 815 algorithm of
// spec.md §4.3.2 steps 1-4. It returns the reassembled payload and true
// once the hole list empties.
func (r *Reassembler) Insert(key datagramKey, fragFirst, fragLast int, moreFragments bool, payload []byte) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.find(key)
	if s == nil {
		var err error
		s, err = r.reserve(key)
		if err != nil {
			return nil, false, err
		}
	}

	var chain []int
	for idx := s.head; idx != noHole; idx = s.holes[idx].next {
		chain = append(chain, idx)
	}

	for _, idx := range chain {
		h := s.holes[idx]

		if fragLast < h.first || fragFirst > h.last {
			continue
		}

		origLast := h.last

		if fragFirst > h.first {
			s.holes[idx].last = fragFirst - 1
		} else {
			s.unlink(idx)
		}

		if fragLast < origLast && moreFragments {
			s.insertAtHead(fragLast+1, origLast)
		}
	}

	if fragLast+1 > s.payload {
		s.payload = fragLast + 1
	}

	copy(s.buf[fragFirst:fragLast+1], payload)

	if s.head != noHole {
		metrics.ReassemblySlotsInUse(r.used())
		return nil, false, nil
	}

	out := append([]byte(nil), s.buf[:s.payload]...)
	s.reset()
	metrics.ReassemblySlotsInUse(r.used())

	return out, true, nil
}

func (r *Reassembler) used() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].inUse {
			n++
		}
	}
	return n
}

// Tick decrements every used slot's timeout by one second, freeing any
// slot that reaches zero without emitting anything (spec.md §4.3.2: "no
// ICMP is emitted").
func (r *Reassembler) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		s := &r.slots[i]
		if !s.inUse {
			continue
		}

		s.timeout--
		if s.timeout <= 0 {
			s.reset()
			metrics.ReassemblyExpired()
			r.log.Debug("reassembly slot expired")
		}
	}

	metrics.ReassemblySlotsInUse(r.used())
}
