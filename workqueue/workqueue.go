// Package workqueue implements the deferred-handler work queue contract
// of spec.md §4.5: schedule(queue_id, handler, arg, timing) submits an
// entry, a worker invokes handler(arg, timeout_flag), "again" requeues
// the entry, zero finalizes it, and trigger(queue_id) wakes a possibly
// idle worker. It is the backpressure mechanism the IPv4 TX path (§4.3.5)
// uses for ARP resolution and the interface layer (§4.2) uses for a full
// TX descriptor window.
package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/ctos-project/netcore/klog"
	"github.com/ctos-project/netcore/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result is a handler's verdict.
type Result int

const (
	// Done finalizes the entry.
	Done Result = iota
	// Again requeues the entry for a later retry.
	Again
)

// Handler is invoked by the worker for each entry. timedOut reports
// whether the entry's optional deadline has elapsed.
type Handler func(arg interface{}, timedOut bool) Result

type entry struct {
	handler  Handler
	arg      interface{}
	deadline time.Time
	seq      uint64
}

// Queue is a single named deferred-work queue with one worker goroutine,
// matching "a dedicated worker context" from spec.md §5.
type Queue struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	pending []entry
	seq     uint64
	wake    chan struct{}

	retryDelay time.Duration
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a worker for a queue named for diagnostics and metrics
// labeling. retryDelay paces how soon an "again" result is retried, so a
// busy ARP-wait loop does not spin the worker goroutine.
func New(name string, retryDelay time.Duration) *Queue {
	if retryDelay <= 0 {
		retryDelay = time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		name:       name,
		log:        klog.Named("workqueue").With(zap.String("queue", name)),
		wake:       make(chan struct{}, 1),
		retryDelay: retryDelay,
		// limiter bounds how often a burst of Trigger() calls (many
		// ARP-miss requeues arriving together) can force an immediate
		// drain, so a hot retry loop degrades to the ticker's cadence
		// instead of spinning the worker goroutine.
		limiter: rate.NewLimiter(rate.Every(retryDelay), 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go q.run()

	return q
}

// Schedule submits an entry. An optional per-entry deadline (zero value
// means none) is surfaced to the handler as timedOut once elapsed.
func (q *Queue) Schedule(handler Handler, arg interface{}, deadline time.Time) {
	q.mu.Lock()
	q.seq++
	q.pending = append(q.pending, entry{handler: handler, arg: arg, deadline: deadline, seq: q.seq})
	q.mu.Unlock()

	q.Trigger()
}

// Trigger wakes a possibly idle worker without busy-waiting.
func (q *Queue) Trigger() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop halts the worker. Pending entries are discarded.
func (q *Queue) Stop() {
	q.cancel()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	ticker := time.NewTicker(q.retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			// A burst of Trigger() calls (e.g. many ARP misses
			// requeuing at once) collapses to the limiter's pace
			// instead of draining once per signal.
			if err := q.limiter.Wait(q.ctx); err != nil {
				return
			}
			q.drain()
		case <-ticker.C:
			q.drain()
		}
	}
}

// drain processes every currently pending entry once, in the order
// scheduled, and puts any that return Again back at the front of the
// pending list, ahead of entries scheduled during the pass, so they are
// retried no sooner than the next wake or tick and keep their order
// (Testable Property 10).
func (q *Queue) drain() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	var again []entry

	for _, e := range batch {
		timedOut := !e.deadline.IsZero() && time.Now().After(e.deadline)

		switch e.handler(e.arg, timedOut) {
		case Again:
			again = append(again, e)
			metrics.WorkRequeued(q.name)
		default:
			metrics.WorkFinalized(q.name)
		}
	}

	if len(again) == 0 {
		return
	}

	q.mu.Lock()
	q.pending = append(again, q.pending...)
	q.mu.Unlock()

	q.Trigger()
}
