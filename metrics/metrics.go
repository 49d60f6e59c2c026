// Package metrics exposes the core's runtime counters and gauges as
// Prometheus collectors under the ctnet_ namespace, served by
// `cmd/ctlnet serve-metrics` through promhttp. Every counter named here
// corresponds to a drop, retry, or occupancy figure spec.md calls out
// explicitly (driver RX/TX counts and drops, reassembly slot usage,
// raw-socket fan-out and drops, UCB counts, UDP drops, work-queue
// requeues).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ctnet"

var registerOnce sync.Once

var (
	nicRx       *prometheus.CounterVec
	nicRxBad    *prometheus.CounterVec
	nicRxDrop   *prometheus.CounterVec
	nicTxQueued *prometheus.CounterVec
	nicTxSent   *prometheus.CounterVec
	nicTxDrop   *prometheus.CounterVec
	nicTxRetry  *prometheus.CounterVec

	reassemblySlotsInUse *prometheus.GaugeVec
	reassemblyExpired    *prometheus.CounterVec

	rawSocketFanout *prometheus.CounterVec
	rawSocketDrop   *prometheus.CounterVec

	ucbCount  *prometheus.GaugeVec
	udpDrop   *prometheus.CounterVec
	udpRxOK   *prometheus.CounterVec

	workRequeued  *prometheus.CounterVec
	workFinalized *prometheus.CounterVec
)

func registerAll() {
	nicRx = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "nic", Name: "rx_good_total", Help: "Good frames drained from the RX ring."}, []string{"nic"})
	nicRxBad = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "nic", Name: "rx_bad_total", Help: "Frames dropped for a clear good-packet flag."}, []string{"nic"})
	nicRxDrop = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "nic", Name: "rx_dropped_total", Help: "Frames dropped on allocation failure during RX drain."}, []string{"nic"})
	nicTxQueued = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "nic", Name: "tx_queued_total", Help: "Frames queued onto a TX descriptor."}, []string{"nic"})
	nicTxSent = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "nic", Name: "tx_sent_total", Help: "TX descriptors reclaimed after completion."}, []string{"nic"})
	nicTxDrop = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "nic", Name: "tx_dropped_total", Help: "Frames rejected for exceeding the send buffer."}, []string{"nic"})
	nicTxRetry = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "nic", Name: "tx_try_again_total", Help: "Transmit attempts that found the TX window full."}, []string{"nic"})

	reassemblySlotsInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "ipv4", Name: "reassembly_slots_in_use", Help: "Reassembly table slots currently holding a datagram."}, nil)
	reassemblyExpired = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "ipv4", Name: "reassembly_expired_total", Help: "Reassembly slots cleared by timeout."}, nil)

	rawSocketFanout = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "ipv4", Name: "raw_socket_fanout_total", Help: "Datagrams delivered to a raw IP socket."}, nil)
	rawSocketDrop = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "ipv4", Name: "raw_socket_dropped_total", Help: "Raw socket deliveries dropped on buffer overflow."}, nil)

	ucbCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "udp", Name: "ucb_count", Help: "UDP control blocks currently registered."}, nil)
	udpDrop = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "udp", Name: "rx_dropped_total", Help: "Inbound datagrams dropped (no match or buffer full)."}, nil)
	udpRxOK = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "udp", Name: "rx_delivered_total", Help: "Inbound datagrams delivered to a UCB."}, nil)

	workRequeued = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "workqueue", Name: "requeued_total", Help: "Work entries requeued by their handler."}, []string{"queue"})
	workFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "workqueue", Name: "finalized_total", Help: "Work entries finalized."}, []string{"queue"})

	prometheus.MustRegister(
		nicRx, nicRxBad, nicRxDrop, nicTxQueued, nicTxSent, nicTxDrop, nicTxRetry,
		reassemblySlotsInUse, reassemblyExpired,
		rawSocketFanout, rawSocketDrop,
		ucbCount, udpDrop, udpRxOK,
		workRequeued, workFinalized,
	)
}

func ensureRegistered() {
	registerOnce.Do(registerAll)
}

// NICCollector bundles the counters for a single NIC instance, pre-bound
// to its name label so call sites just do c.RxGood.Inc().
type NICCollector struct {
	RxGood     prometheus.Counter
	RxBad      prometheus.Counter
	RxDropped  prometheus.Counter
	TxQueued   prometheus.Counter
	TxSent     prometheus.Counter
	TxDropped  prometheus.Counter
	TxTryAgain prometheus.Counter
}

// NewNICCollector returns the per-NIC counter bundle for name.
func NewNICCollector(name string) *NICCollector {
	ensureRegistered()

	return &NICCollector{
		RxGood:     nicRx.WithLabelValues(name),
		RxBad:      nicRxBad.WithLabelValues(name),
		RxDropped:  nicRxDrop.WithLabelValues(name),
		TxQueued:   nicTxQueued.WithLabelValues(name),
		TxSent:     nicTxSent.WithLabelValues(name),
		TxDropped:  nicTxDrop.WithLabelValues(name),
		TxTryAgain: nicTxRetry.WithLabelValues(name),
	}
}

// ReassemblySlotsInUse sets the reassembly occupancy gauge.
func ReassemblySlotsInUse(n int) {
	ensureRegistered()
	reassemblySlotsInUse.WithLabelValues().Set(float64(n))
}

// ReassemblyExpired counts a slot cleared by timeout.
func ReassemblyExpired() {
	ensureRegistered()
	reassemblyExpired.WithLabelValues().Inc()
}

// RawSocketFanout counts one raw-socket delivery.
func RawSocketFanout() {
	ensureRegistered()
	rawSocketFanout.WithLabelValues().Inc()
}

// RawSocketDropped counts one raw-socket delivery dropped on overflow.
func RawSocketDropped() {
	ensureRegistered()
	rawSocketDrop.WithLabelValues().Inc()
}

// UCBCount sets the current UCB count gauge.
func UCBCount(n int) {
	ensureRegistered()
	ucbCount.WithLabelValues().Set(float64(n))
}

// UDPDropped counts one dropped inbound datagram.
func UDPDropped() {
	ensureRegistered()
	udpDrop.WithLabelValues().Inc()
}

// UDPDelivered counts one datagram delivered to a UCB.
func UDPDelivered() {
	ensureRegistered()
	udpRxOK.WithLabelValues().Inc()
}

// WorkRequeued counts one "again" handler result for the named queue.
func WorkRequeued(queue string) {
	ensureRegistered()
	workRequeued.WithLabelValues(queue).Inc()
}

// WorkFinalized counts one finalized entry for the named queue.
func WorkFinalized(queue string) {
	ensureRegistered()
	workFinalized.WithLabelValues(queue).Inc()
}
