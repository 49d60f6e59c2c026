// Package arp implements the minimal ARP collaborator contract the core
// consumes as a primitive (spec.md §1: "ARP... consumed as primitives
// but not specified here beyond their contracts"). It offers exactly the
// surface the IPv4 TX work handler (§4.3.5) needs: Resolve, Learn, and a
// per-entry resolution timeout. No ARP wire frames are parsed or
// generated here; that full protocol stays a collaborator.
package arp

import (
	"net"
	"sync"
	"time"
)

type entry struct {
	mac       net.HardwareAddr
	resolved  bool
	firstSeen time.Time
}

// Cache is a process-wide IPv4-to-Ethernet resolution table.
type Cache struct {
	mu      sync.Mutex
	entries map[uint32]*entry
	timeout time.Duration
}

// New returns an empty cache. timeout bounds how long an unresolved
// entry is retried before Resolve reports a permanent miss.
func New(timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Cache{entries: make(map[uint32]*entry), timeout: timeout}
}

// Learn records a resolved hardware address for ip, as if an ARP reply
// had just arrived.
func (c *Cache) Learn(ip uint32, mac net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[ip] = &entry{mac: append(net.HardwareAddr(nil), mac...), resolved: true}
}

// Resolve looks up ip. ok=true with a MAC means resolved; ok=false with
// timedOut=true means the resolution window for ip has elapsed and the
// caller should drop rather than keep requeueing (spec.md §4.3.5: "on
// ARP timeout the message is dropped silently").
func (c *Cache) Resolve(ip uint32) (mac net.HardwareAddr, ok bool, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[ip]
	if !found {
		e = &entry{firstSeen: time.Now()}
		c.entries[ip] = e
		return nil, false, false
	}

	if e.resolved {
		return e.mac, true, false
	}

	if time.Since(e.firstSeen) > c.timeout {
		return nil, false, true
	}

	return nil, false, false
}

// Forget removes any cached state for ip, used by tests that simulate a
// resolution that never arrives.
func (c *Cache) Forget(ip uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
}
