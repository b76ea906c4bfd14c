package changelog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liftbridge-io/hydra/internal/hydra/logger"
)

// Dispatcher owns the periodic wake-up and the one invoker goroutine per
// registered Queue that serializes its flushes (spec §4.2: "The dispatcher
// owns a single I/O thread (or a small pool), a periodic wake-up at
// flush_quantum, and one invoker per queue to serialize per-queue work").
type Dispatcher struct {
	quantum time.Duration
	log     logger.Logger

	mu      sync.Mutex
	invokers map[*Queue]*invoker
	closed  bool
}

type invoker struct {
	queue  *Queue
	wake   chan struct{}
	done   chan struct{}
}

// NewDispatcher constructs a Dispatcher waking every queue at least once
// per quantum.
func NewDispatcher(quantum time.Duration, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewLogger(0)
	}
	return &Dispatcher{
		quantum:  quantum,
		log:      log,
		invokers: make(map[*Queue]*invoker),
	}
}

// Register starts an invoker goroutine for q. It is idempotent.
func (d *Dispatcher) Register(q *Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if _, ok := d.invokers[q]; ok {
		return
	}
	inv := &invoker{queue: q, wake: make(chan struct{}, 1), done: make(chan struct{})}
	d.invokers[q] = inv
	go d.run(inv)
}

// Unregister stops q's invoker goroutine. It blocks until the goroutine
// exits.
func (d *Dispatcher) Unregister(q *Queue) {
	d.mu.Lock()
	inv, ok := d.invokers[q]
	if ok {
		delete(d.invokers, q)
	}
	d.mu.Unlock()
	if ok {
		close(inv.wake)
		<-inv.done
	}
}

// Nudge signals q's invoker to re-check flush conditions immediately,
// without waiting for the next quantum tick. It never blocks.
func (d *Dispatcher) Nudge(q *Queue) {
	d.mu.Lock()
	inv, ok := d.invokers[q]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case inv.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(inv *invoker) {
	defer close(inv.done)
	ticker := time.NewTicker(d.quantum)
	defer ticker.Stop()
	for {
		select {
		case _, ok := <-inv.wake:
			if !ok {
				return
			}
			d.maybeFlush(inv.queue)
		case <-ticker.C:
			d.maybeFlush(inv.queue)
		}
	}
}

func (d *Dispatcher) maybeFlush(q *Queue) {
	if !q.ShouldFlush() {
		return
	}
	if err := q.Flush(); err != nil {
		d.log.Errorf("changelog: queue flush failed: %v", err)
	}
}

// FlushAll forces every registered queue to flush and waits for all of
// them to complete (spec §4.2: "flush_all_changelogs awaits every queue's
// next flush").
func (d *Dispatcher) FlushAll(ctx context.Context) error {
	d.mu.Lock()
	queues := make([]*Queue, 0, len(d.invokers))
	for q := range d.invokers {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, q := range queues {
		q := q
		g.Go(func() error {
			return q.Flush()
		})
	}
	return g.Wait()
}

// Close stops every invoker goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	invokers := make([]*invoker, 0, len(d.invokers))
	for _, inv := range d.invokers {
		invokers = append(invokers, inv)
	}
	d.invokers = make(map[*Queue]*invoker)
	d.mu.Unlock()

	for _, inv := range invokers {
		close(inv.wake)
		<-inv.done
	}
}
