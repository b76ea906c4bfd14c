package changelog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenStoreCreatesFirstSegment(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	defer st.Close()

	require.Len(t, st.Segments(), 1)
	require.Equal(t, int64(0), st.Active().ID())
}

func TestStoreAppendAndRotate(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Append([][]byte{[]byte("a"), []byte("b")}))
	require.Equal(t, int32(2), st.Active().RecordCount())

	next, err := st.Rotate()
	require.NoError(t, err)
	require.Equal(t, int64(1), next.ID())
	require.Equal(t, int32(2), next.PrevRecordCount())
	require.Equal(t, int32(0), next.RecordCount())

	require.NoError(t, st.Append([][]byte{[]byte("c")}))
	require.Equal(t, int32(1), st.Active().RecordCount())
	require.Len(t, st.Segments(), 2)
}

func TestRotateWithNoMutationsIsNoopOnLog(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	defer st.Close()

	next, err := st.Rotate()
	require.NoError(t, err)
	require.Equal(t, int32(0), next.PrevRecordCount())
	require.Equal(t, int32(0), next.RecordCount())
}

func TestReopenStoreDiscoversExistingSegments(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, st.Append([][]byte{[]byte("x")}))
	_, err = st.Rotate()
	require.NoError(t, err)
	require.NoError(t, st.Append([][]byte{[]byte("y"), []byte("z")}))
	require.NoError(t, st.Close())

	reopened, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, reopened.Segments(), 2)
	require.Equal(t, int64(1), reopened.Active().ID())
	require.Equal(t, int32(2), reopened.Active().RecordCount())
}

func TestRemoveBeforeDeletesOldSegments(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Rotate()
	require.NoError(t, err)
	_, err = st.Rotate()
	require.NoError(t, err)
	require.Len(t, st.Segments(), 3)

	require.NoError(t, st.RemoveBefore(2))
	require.Len(t, st.Segments(), 1)
	require.Equal(t, int64(2), st.Active().ID())

	_, err = st.Segment(0)
	require.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestOpenStoreCleansStaleTmpFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	stalePath := dir + "/000000005.log.tmp"
	require.NoError(t, os.WriteFile(stalePath, []byte("garbage"), 0644))

	reopened, err := OpenStore(dir, StoreOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	_, statErr := os.Stat(stalePath)
	require.True(t, os.IsNotExist(statErr))
}
