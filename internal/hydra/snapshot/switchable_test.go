package snapshot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwitchableWriterBuffersInSyncMode(t *testing.T) {
	sw := NewSwitchableWriter()
	_, err := sw.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = sw.Write([]byte("world"))
	require.NoError(t, err)

	require.NoError(t, sw.Suspend())

	var target bytes.Buffer
	require.NoError(t, sw.Resume(&target))
	require.Equal(t, "hello world", target.String())

	select {
	case <-sw.Resumed():
	default:
		t.Fatal("expected Resumed channel to be closed after Resume")
	}
}

func TestSwitchableWriterForwardsAfterResume(t *testing.T) {
	sw := NewSwitchableWriter()
	_, err := sw.Write([]byte("buffered"))
	require.NoError(t, err)
	require.NoError(t, sw.Suspend())

	var target bytes.Buffer
	require.NoError(t, sw.Resume(&target))

	_, err = sw.Write([]byte("-direct"))
	require.NoError(t, err)
	require.Equal(t, "buffered-direct", target.String())
}

func TestSwitchableWriterRejectsWriteWhileSuspended(t *testing.T) {
	sw := NewSwitchableWriter()
	require.NoError(t, sw.Suspend())
	_, err := sw.Write([]byte("late"))
	require.ErrorIs(t, err, ErrNonSuspendingViolation)
}

func TestSwitchableWriterRejectsDoubleSuspend(t *testing.T) {
	sw := NewSwitchableWriter()
	require.NoError(t, sw.Suspend())
	require.Error(t, sw.Suspend())
}

func TestSwitchableWriterRejectsResumeBeforeSuspend(t *testing.T) {
	sw := NewSwitchableWriter()
	var target bytes.Buffer
	require.Error(t, sw.Resume(&target))
}
