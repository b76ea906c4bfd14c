package snapshot

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamBuilderBuildsAndCommits(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)

	guard := &BuildGuard{}
	b := NewStreamBuilder(store, guard, nil)

	save := func(w io.Writer) error {
		_, err := w.Write([]byte("automaton state bytes"))
		return err
	}
	meta := Metadata{SequenceNumber: 10, RandomSeed: 1, StateHash: 2}

	require.NoError(t, b.Build(0, CodecZstd, save, meta))
	require.False(t, guard.InProgress())

	r, gotMeta, err := store.Open(0)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, meta, gotMeta)

	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "automaton state bytes", string(body))
}

func TestStreamBuilderRejectsConcurrentBuild(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)

	guard := &BuildGuard{}
	guard.TryAcquire() // simulate a build already in progress
	b := NewStreamBuilder(store, guard, nil)

	err = b.Build(0, CodecNone, func(w io.Writer) error { return nil }, Metadata{})
	require.ErrorIs(t, err, ErrBuildInProgress)
}

func TestStreamBuilderPropagatesSaveError(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir, nil)
	require.NoError(t, err)
	guard := &BuildGuard{}
	b := NewStreamBuilder(store, guard, nil)

	saveErr := io.ErrClosedPipe
	err = b.Build(0, CodecNone, func(w io.Writer) error { return saveErr }, Metadata{})
	require.ErrorIs(t, err, saveErr)
	require.False(t, guard.InProgress())

	_, ok := store.LatestID()
	require.False(t, ok)
}
