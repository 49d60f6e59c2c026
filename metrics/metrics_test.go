package metrics

import "testing"

func TestNewNICCollectorDoesNotPanicOnRepeatedConstruction(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("constructing multiple NICCollectors panicked: %v", r)
		}
	}()

	a := NewNICCollector("nic-a")
	b := NewNICCollector("nic-b")

	a.RxGood.Inc()
	b.RxGood.Inc()
}

func TestCountersDoNotPanic(t *testing.T) {
	ReassemblySlotsInUse(3)
	ReassemblyExpired()
	RawSocketFanout()
	RawSocketDropped()
	UCBCount(1)
	UDPDropped()
	UDPDelivered()
	WorkRequeued("q")
	WorkFinalized("q")
}
