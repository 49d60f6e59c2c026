package ipv4

import "testing"

func TestRawSocketBindAndFanOut(t *testing.T) {
	table := NewRawSocketTable()
	sock := NewRawSocket(1024)
	sock.LocalAddr = 0x0a000001
	sock.Proto = ProtoICMP

	if err := table.Bind(sock); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	table.FanOut(RawDatagram{Src: 0x0a000002, Dst: 0x0a000001, Proto: ProtoICMP, Payload: []byte("ping")})

	dg, err := sock.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(dg.Payload) != "ping" {
		t.Fatalf("Payload = %q, want %q", dg.Payload, "ping")
	}
}

func TestRawSocketFanOutSkipsMismatch(t *testing.T) {
	table := NewRawSocketTable()
	sock := NewRawSocket(1024)
	sock.LocalAddr = 0x0a000001
	sock.Proto = ProtoICMP
	_ = table.Bind(sock)

	table.FanOut(RawDatagram{Src: 0x0a000002, Dst: 0x0a000001, Proto: ProtoTCP, Payload: []byte("x")})

	if _, err := sock.Recv(); err == nil {
		t.Fatal("Recv succeeded for a datagram with a mismatched protocol")
	}
}

func TestRawSocketOverflowDropsSilently(t *testing.T) {
	sock := NewRawSocket(4)

	sock.deliver(RawDatagram{Payload: []byte("abcd")})
	sock.deliver(RawDatagram{Payload: []byte("e")}) // over cap, dropped

	dg, err := sock.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(dg.Payload) != "abcd" {
		t.Fatalf("Payload = %q, want %q", dg.Payload, "abcd")
	}
	if _, err := sock.Recv(); err == nil {
		t.Fatal("a second Recv succeeded, want the overflowing datagram to have been dropped")
	}
}

func TestRawSocketCloneReleaseRefcount(t *testing.T) {
	sock := NewRawSocket(1024)

	clone := sock.Clone()
	if clone != sock {
		t.Fatal("Clone returned a different pointer")
	}

	if n := sock.Release(); n != 1 {
		t.Fatalf("Release after one Clone = %d, want 1", n)
	}
	if n := sock.Release(); n != 0 {
		t.Fatalf("final Release = %d, want 0", n)
	}
}

func TestRawSocketTableFull(t *testing.T) {
	table := NewRawSocketTable()

	for i := 0; i < RawSocketTableSize; i++ {
		if err := table.Bind(NewRawSocket(1024)); err != nil {
			t.Fatalf("Bind #%d: %v", i, err)
		}
	}

	if err := table.Bind(NewRawSocket(1024)); err == nil {
		t.Fatal("Bind into a full table succeeded, want error")
	}
}
