package changelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts QueueOptions) (*Queue, *Segment) {
	t.Helper()
	seg := newTestSegment(t, SegmentOptions{})
	return NewQueue(seg, opts), seg
}

func TestQueueShouldFlushFalseWhenEmpty(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{FlushPeriod: time.Hour})
	require.False(t, q.ShouldFlush())
}

func TestQueueSyncModeMarksReadyAfterAppend(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{}) // FlushPeriod zero: synchronous
	fut := q.Append([]byte("hello"))
	require.True(t, q.ShouldFlush())
	require.NoError(t, q.Flush())
	require.NoError(t, fut.Wait())
	require.Equal(t, int32(1), q.FlushedRecordCount())
}

func TestQueueAsyncModeWaitsForSizeThreshold(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{FlushPeriod: time.Hour, DataFlushSize: 1 << 20})
	q.Append([]byte("small"))
	require.False(t, q.ShouldFlush())
}

func TestQueueFlushResolvesFutures(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	f1 := q.Append([]byte("a"))
	f2 := q.Append([]byte("b"))
	require.NoError(t, q.Flush())
	require.NoError(t, f1.Wait())
	require.NoError(t, f2.Wait())
}

func TestQueueReadServesFromMemoryBeforeFlush(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{FlushPeriod: time.Hour})
	q.Append([]byte("unflushed-one"))
	q.Append([]byte("unflushed-two"))

	got, err := q.Read(0, 10, 1<<20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("unflushed-one"), []byte("unflushed-two")}, got)
	require.Equal(t, 2, q.PendingRecordCount())
}

func TestQueueReadServesFromSegmentAfterFlush(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	q.Append([]byte("durable"))
	require.NoError(t, q.Flush())

	got, err := q.Read(0, 10, 1<<20)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("durable")}, got)
	require.Equal(t, 0, q.PendingRecordCount())
}
