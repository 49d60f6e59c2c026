package mmio

import (
	"context"
	"testing"
	"time"
)

func TestGetSetClear(t *testing.T) {
	b := NewBank()

	b.Set(0x10, 3)
	if got := b.Get(0x10, 3, 1); got != 1 {
		t.Fatalf("Get after Set = %d, want 1", got)
	}

	b.Clear(0x10, 3)
	if got := b.Get(0x10, 3, 1); got != 0 {
		t.Fatalf("Get after Clear = %d, want 0", got)
	}
}

func TestSetNRoundTrip(t *testing.T) {
	b := NewBank()

	b.SetN(0x20, 4, 0xff, 0xab)
	if got := b.Get(0x20, 4, 0xff); got != 0xab {
		t.Fatalf("Get after SetN = %#x, want 0xab", got)
	}
}

func TestSetNDoesNotDisturbOtherBits(t *testing.T) {
	b := NewBank()

	b.Write(0x30, 0xffffffff)
	b.SetN(0x30, 8, 0xff, 0x00)

	if got := b.Read(0x30); got != 0xffff00ff {
		t.Fatalf("Read after SetN clearing a byte field = %#x, want 0xffff00ff", got)
	}
}

func TestWaitReturnsImmediatelyWhenAlreadyMatched(t *testing.T) {
	b := NewBank()
	b.Set(0x40, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !b.Wait(ctx, 0x40, 0, 1, 1, time.Millisecond) {
		t.Fatal("Wait on an already-matched condition returned false")
	}
}

func TestWaitUnblocksOnLateWrite(t *testing.T) {
	b := NewBank()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Set(0x50, 1)
	}()

	if !b.Wait(ctx, 0x50, 1, 1, 1, time.Millisecond) {
		t.Fatal("Wait did not observe the delayed Set before the deadline")
	}
}

func TestWaitReturnsFalseOnContextCancel(t *testing.T) {
	b := NewBank()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	if b.Wait(ctx, 0x60, 0, 1, 1, time.Millisecond) {
		t.Fatal("Wait on a never-satisfied condition returned true")
	}
}
