package integration

import (
	"net"
	"testing"
	"time"

	"github.com/ctos-project/netcore/ipv4"
	"github.com/ctos-project/netcore/netmsg"
	"github.com/ctos-project/netcore/udp"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition was never satisfied")
}

// TestMinimalUDPLoopback is seed scenario S1: bind A to a fixed port,
// send from B bound to an ephemeral port, A's RecvFrom returns the
// payload with the peer's port.
func TestMinimalUDPLoopback(t *testing.T) {
	a := NewHost(net.HardwareAddr{2, 0, 0, 0, 0, 1}, DefaultHostConfig())
	b := NewHost(net.HardwareAddr{2, 0, 0, 0, 0, 2}, DefaultHostConfig())

	const aIP = 0x0a00020f // 10.0.2.15
	const bIP = 0x0a000214 // 10.0.2.20

	if err := a.Assign(aIP); err != nil {
		t.Fatalf("a.Assign: %v", err)
	}
	if err := b.Assign(bIP); err != nil {
		t.Fatalf("b.Assign: %v", err)
	}

	Link(a, b, aIP, bIP)

	ucbA := udp.NewUCB(4096)
	if err := a.UDP.Bind(ucbA, aIP, 7777, 16); err != nil {
		t.Fatalf("Bind A: %v", err)
	}

	ucbB := udp.NewUCB(4096)
	if err := b.UDP.Bind(ucbB, bIP, 0, 16); err != nil {
		t.Fatalf("Bind B: %v", err)
	}

	if err := b.UDP.Send(ucbB, aIP, 7777, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	var n int
	var srcPort uint16

	waitFor(t, func() bool {
		var err error
		n, _, srcPort, err = ucbA.RecvFrom(buf)
		return err == nil
	})

	if string(buf[:n]) != "ping" {
		t.Fatalf("received payload = %q, want %q", buf[:n], "ping")
	}

	cfg := DefaultHostConfig()
	if srcPort < uint16(cfg.EphemeralPortBase) {
		t.Fatalf("peer port = %d, want B's auto-bound ephemeral port (>= %d)", srcPort, cfg.EphemeralPortBase)
	}
}

// TestIPFragmentationAcrossMTU is seed scenario S2: an 1800-byte UDP
// datagram over a 1500-byte MTU link must be fragmented; the test checks
// that the receiving engine reassembles it byte-for-byte. It does not
// inspect the individual fragments on the wire.
func TestIPFragmentationAcrossMTU(t *testing.T) {
	a := NewHost(net.HardwareAddr{2, 0, 0, 0, 0, 3}, DefaultHostConfig())
	b := NewHost(net.HardwareAddr{2, 0, 0, 0, 0, 4}, DefaultHostConfig())

	const aIP = 0x0a000201
	const bIP = 0x0a000202

	if err := a.Assign(aIP); err != nil {
		t.Fatalf("a.Assign: %v", err)
	}
	if err := b.Assign(bIP); err != nil {
		t.Fatalf("b.Assign: %v", err)
	}

	Link(a, b, aIP, bIP)

	ucbB := udp.NewUCB(1 << 20)
	if err := b.UDP.Bind(ucbB, bIP, 9000, 16); err != nil {
		t.Fatalf("Bind B: %v", err)
	}

	payload := make([]byte, 1800-udp.HeaderBytes)
	for i := range payload {
		payload[i] = byte(i)
	}

	ucbA := udp.NewUCB(4096)
	if err := a.UDP.Send(ucbA, bIP, 9000, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 4096)
	var n int

	waitFor(t, func() bool {
		var err error
		n, _, _, err = ucbB.RecvFrom(buf)
		return err == nil
	})

	if n != len(payload) {
		t.Fatalf("reassembled length = %d, want %d", n, len(payload))
	}
	for i := range payload {
		if buf[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, buf[i], payload[i])
		}
	}
}

// TestDFDropOnOversizedSend is seed scenario S3: the same oversized send
// with DF set returns message-too-big and never reaches the wire.
func TestDFDropOnOversizedSend(t *testing.T) {
	a := NewHost(net.HardwareAddr{2, 0, 0, 0, 0, 5}, DefaultHostConfig())

	const aIP = 0x0a000203
	const bIP = 0x0a000204

	if err := a.Assign(aIP); err != nil {
		t.Fatalf("a.Assign: %v", err)
	}

	var onWire int
	a.NIC.SetDeliverFrame(func(frame []byte) error {
		onWire++
		return nil
	})
	a.ARP.Learn(bIP, net.HardwareAddr{2, 0, 0, 0, 0, 6})

	// spec.md §4.4 has UDP always send with DF=0; seed scenario S3
	// exercises DF=1 at the IPv4 transmit path directly.
	payload := make([]byte, 1800-udp.HeaderBytes)
	msg := netmsg.New(34, len(payload))
	copy(msg.Data(), payload)

	err := a.Engine.Transmit(msg, ipv4.ProtoUDP, true, aIP, bIP)
	if err == nil {
		t.Fatal("Transmit of an oversized payload with DF set succeeded, want message-too-big")
	}

	if onWire != 0 {
		t.Fatalf("frames reached the wire = %d, want 0", onWire)
	}
}

// TestRawSocketFanOutByProtocol is seed scenario S6: two raw sockets
// bound to the same address but different protocols each receive only
// the datagrams matching their own protocol.
func TestRawSocketFanOutByProtocol(t *testing.T) {
	a := NewHost(net.HardwareAddr{2, 0, 0, 0, 0, 7}, DefaultHostConfig())
	const aIP = 0x0a000205

	if err := a.Assign(aIP); err != nil {
		t.Fatalf("a.Assign: %v", err)
	}

	icmpSock := ipv4.NewRawSocket(4096)
	icmpSock.LocalAddr = aIP
	icmpSock.Proto = ipv4.ProtoICMP
	if err := a.Engine.RawSockets.Bind(icmpSock); err != nil {
		t.Fatalf("Bind icmp: %v", err)
	}

	udpSock := ipv4.NewRawSocket(4096)
	udpSock.LocalAddr = aIP
	udpSock.Proto = ipv4.ProtoUDP
	if err := a.Engine.RawSockets.Bind(udpSock); err != nil {
		t.Fatalf("Bind udp: %v", err)
	}

	a.Engine.RawSockets.FanOut(ipv4.RawDatagram{Src: 0x0a0000ff, Dst: aIP, Proto: ipv4.ProtoICMP, Payload: []byte("echo-reply")})

	if _, err := icmpSock.Recv(); err != nil {
		t.Fatalf("icmp socket did not receive its matching datagram: %v", err)
	}
	if _, err := udpSock.Recv(); err == nil {
		t.Fatal("udp socket received a datagram addressed to the icmp protocol")
	}
}
