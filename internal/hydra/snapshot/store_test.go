package snapshot

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTripZstd(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)

	w, err := store.NewWriter(0, CodecZstd)
	require.NoError(t, err)
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated many times: " +
		"the quick brown fox jumps over the lazy dog")
	_, err = w.Write(payload)
	require.NoError(t, err)

	meta := Metadata{SequenceNumber: 42, RandomSeed: 7, StateHash: 99, Timestamp: 1000, LastSegmentID: 3, LastRecordID: 5, LastMutationTerm: 1, Term: 1}
	require.NoError(t, w.Commit(meta))

	id, ok := store.LatestID()
	require.True(t, ok)
	require.Equal(t, int64(0), id)

	r, gotMeta, err := store.Open(0)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, meta, gotMeta)

	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, body)
}

func TestWriterReaderRoundTripNoCodec(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)

	w, err := store.NewWriter(1, CodecNone)
	require.NoError(t, err)
	_, err = w.Write([]byte("raw bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(Metadata{SequenceNumber: 1}))

	r, _, err := store.Open(1)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte("raw bytes"), body)
}

func TestNewWriterFailsIfSnapshotExists(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)

	w, err := store.NewWriter(0, CodecNone)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(Metadata{}))

	_, err = store.NewWriter(0, CodecNone)
	require.ErrorIs(t, err, ErrSnapshotExists)
}

func TestAbortLeavesNoFinalFile(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)

	w, err := store.NewWriter(0, CodecNone)
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, ok := store.LatestID()
	require.False(t, ok)

	// A fresh writer for the same id should succeed since the aborted
	// attempt never published a final file.
	w2, err := store.NewWriter(0, CodecNone)
	require.NoError(t, err)
	require.NoError(t, w2.Abort())
}

func TestOpenMissingSnapshotFails(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)
	_, _, err = store.Open(5)
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLatestIDAtMost(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)

	for _, id := range []int64{0, 3, 7} {
		w, err := store.NewWriter(id, CodecNone)
		require.NoError(t, err)
		require.NoError(t, w.Commit(Metadata{SequenceNumber: id}))
	}

	best, ok := store.LatestIDAtMost(5)
	require.True(t, ok)
	require.Equal(t, int64(3), best)

	_, ok = store.LatestIDAtMost(-1)
	require.False(t, ok)
}

func TestReopenStoreDiscoversExistingSnapshots(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)
	w, err := store.NewWriter(2, CodecNone)
	require.NoError(t, err)
	require.NoError(t, w.Commit(Metadata{}))

	reopened, err := OpenStore(dir, nil)
	require.NoError(t, err)
	id, ok := reopened.LatestID()
	require.True(t, ok)
	require.Equal(t, int64(2), id)
}

func TestCorruptSnapshotFailsChecksum(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)
	w, err := store.NewWriter(0, CodecNone)
	require.NoError(t, err)
	_, err = w.Write([]byte("intact payload"))
	require.NoError(t, err)
	require.NoError(t, w.Commit(Metadata{}))

	// Flip a byte in the body region, past the fixed header.
	path := dir + "/000000000.snapshot"
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[bodyOffset] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	r, _, err := store.Open(0)
	require.NoError(t, err)
	defer r.Close()
	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}
