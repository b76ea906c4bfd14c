package changelog

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Future is resolved when the flush that owns a particular Append call
// completes, successfully or not. Callers chain commit logic on Wait
// instead of blocking the append itself (spec §4.2: "Append returns a
// future completed when the owning flush succeeds").
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the owning flush completes and returns its error, if
// any.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Done returns a channel closed when the future resolves, for use in
// select statements alongside a context's Done channel.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type queuedRecord struct {
	payload []byte
	future  *Future
}

// QueueOptions configures flush triggering for a Queue.
type QueueOptions struct {
	// DataFlushSize triggers a flush once unflushed bytes reach this
	// many.
	DataFlushSize int64
	// FlushPeriod triggers a flush this often even with few unflushed
	// bytes. Zero means synchronous mode: every Append is immediately
	// eligible for flush.
	FlushPeriod time.Duration
}

// Queue wraps a Segment with an append_queue/flush_queue pair so producers
// can keep appending while a dedicated invoker drains pending records to
// disk (spec §4.2).
type Queue struct {
	mu sync.Mutex

	segment *Segment
	opts    QueueOptions

	appendQueue []queuedRecord
	flushQueue  []queuedRecord

	flushedRecordCount int32
	unflushedBytes     int64
	lastFlush          time.Time
}

// NewQueue constructs a Queue bound to segment, whose current record count
// seeds flushedRecordCount (everything already on disk is, by definition,
// flushed).
func NewQueue(segment *Segment, opts QueueOptions) *Queue {
	return &Queue{
		segment:            segment,
		opts:               opts,
		flushedRecordCount: segment.RecordCount(),
		lastFlush:          time.Now(),
	}
}

// Append enqueues payload for the next flush and returns a Future resolved
// when that flush completes.
func (q *Queue) Append(payload []byte) *Future {
	q.mu.Lock()
	defer q.mu.Unlock()

	fut := newFuture()
	q.appendQueue = append(q.appendQueue, queuedRecord{payload: payload, future: fut})
	q.unflushedBytes += int64(len(payload))
	return fut
}

// ShouldFlush reports whether the queue currently meets one of the flush
// trigger conditions (spec §4.2).
func (q *Queue) ShouldFlush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shouldFlushLocked()
}

func (q *Queue) shouldFlushLocked() bool {
	if len(q.appendQueue) == 0 {
		return false
	}
	if q.opts.FlushPeriod == 0 {
		return true
	}
	if q.opts.DataFlushSize > 0 && q.unflushedBytes >= q.opts.DataFlushSize {
		return true
	}
	if q.lastFlush.IsZero() {
		return true
	}
	return time.Since(q.lastFlush) >= q.opts.FlushPeriod
}

// Flush moves every pending append into the flush queue, writes them to the
// segment, and resolves their futures. It is safe to call even when no
// flush condition is currently met (a forced flush).
func (q *Queue) Flush() error {
	q.mu.Lock()
	if len(q.appendQueue) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.flushQueue = append(q.flushQueue, q.appendQueue...)
	q.appendQueue = nil
	batch := make([]queuedRecord, len(q.flushQueue))
	copy(batch, q.flushQueue)
	firstID := q.flushedRecordCount
	q.mu.Unlock()

	payloads := make([][]byte, len(batch))
	for i, r := range batch {
		payloads[i] = r.payload
	}

	appendErr := q.segment.Append(firstID, payloads)
	var flushErr error
	if appendErr == nil {
		flushErr = q.segment.Flush()
	}
	err := appendErr
	if err == nil {
		err = flushErr
	}

	q.mu.Lock()
	if err == nil {
		q.flushedRecordCount += int32(len(batch))
		q.unflushedBytes = 0
	}
	q.flushQueue = q.flushQueue[len(batch):]
	q.lastFlush = time.Now()
	q.mu.Unlock()

	for _, r := range batch {
		r.future.resolve(err)
	}
	if err != nil {
		return errors.Wrap(err, "queue flush failed")
	}
	return nil
}

// Read serves a read from whichever tier holds the requested record:
// the on-disk segment below flushedRecordCount, or the in-memory
// flush_queue/append_queue at or above it, without touching disk I/O for
// the latter (spec §4.2).
func (q *Queue) Read(firstID int32, maxRecords int, maxBytes int) ([][]byte, error) {
	q.mu.Lock()
	flushed := q.flushedRecordCount
	q.mu.Unlock()

	if firstID < flushed {
		return q.segment.Read(firstID, maxRecords, maxBytes)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out [][]byte
	bytesRead := 0
	id := flushed
	appendFrom := func(list []queuedRecord) {
		for _, r := range list {
			if len(out) >= maxRecords || bytesRead >= maxBytes {
				return
			}
			if id >= firstID {
				out = append(out, r.payload)
				bytesRead += len(r.payload)
			}
			id++
		}
	}
	appendFrom(q.flushQueue)
	appendFrom(q.appendQueue)
	return out, nil
}

// FlushedRecordCount returns the record count confirmed durable on disk.
func (q *Queue) FlushedRecordCount() int32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushedRecordCount
}

// PendingRecordCount returns the number of records enqueued but not yet
// confirmed flushed (flush_queue + append_queue).
func (q *Queue) PendingRecordCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.flushQueue) + len(q.appendQueue)
}

// Segment returns the underlying segment the queue is bound to.
func (q *Queue) Segment() *Segment {
	return q.segment
}
