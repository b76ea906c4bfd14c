package recovery

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/snapshot"
	"github.com/liftbridge-io/hydra/internal/hydra/testutil"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

type counterAutomaton struct {
	value int
}

func (a *counterAutomaton) SaveSnapshot(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, int64(a.value))
}
func (a *counterAutomaton) LoadSnapshot(r io.Reader) error {
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return err
	}
	a.value = int(v)
	return nil
}
func (a *counterAutomaton) ApplyMutation(ctx *mutation.Context) ([]byte, error) {
	if ctx.Request != nil && len(ctx.Request.Data) == 1 {
		a.value += int(ctx.Request.Data[0])
	}
	return nil, nil
}
func (a *counterAutomaton) Clear()        { a.value = 0 }
func (a *counterAutomaton) SetZeroState() { a.value = 0 }
func (a *counterAutomaton) GetCurrentReign() uint32 { return 0 }
func (a *counterAutomaton) GetActionToRecoverFromReign(uint32) automaton.RecoveryAction {
	return automaton.RecoveryActionNone
}

func appendRecord(t *testing.T, store *changelog.Store, v version.Version, payload byte) {
	t.Helper()
	rec := mutation.Record{Header: mutation.Header{Type: "incr", Segment: v.Segment, Record: v.Record}, Payload: []byte{payload}}
	require.NoError(t, store.Append([][]byte{mutation.Marshal(rec)}))
	require.NoError(t, store.Active().Flush())
}

func TestDriverReplaysChangelogAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := changelog.OpenStore(dir, changelog.StoreOptions{})
	require.NoError(t, err)

	appendRecord(t, store, version.Version{Segment: 0, Record: 0}, 3)
	appendRecord(t, store, version.Version{Segment: 0, Record: 1}, 4)

	snapDir := t.TempDir()
	snapStore, err := snapshot.OpenStore(snapDir, nil)
	require.NoError(t, err)

	inner := &counterAutomaton{}
	auto := automaton.NewDecorated(inner, automaton.NewResponseKeeper(16), nil)
	driver := NewDriver(store, snapStore, auto, automaton.NewResponseKeeper(16), nil)

	require.NoError(t, driver.RecoverToVersion(context.Background(), version.Version{Segment: 0, Record: 2}, false))
	require.Equal(t, 7, inner.value)
	require.Equal(t, version.Version{Segment: 0, Record: 2}, auto.Version())
}

func TestDriverLoadsNewerSnapshotBeforeReplaying(t *testing.T) {
	dir := t.TempDir()
	store, err := changelog.OpenStore(dir, changelog.StoreOptions{})
	require.NoError(t, err)

	_, err = store.Rotate()
	require.NoError(t, err)
	appendRecord(t, store, version.Version{Segment: 1, Record: 0}, 5)

	snapDir := t.TempDir()
	snapStore, err := snapshot.OpenStore(snapDir, nil)
	require.NoError(t, err)
	w, err := snapStore.NewWriter(1, snapshot.CodecNone)
	require.NoError(t, err)
	_, err = w.Write([]byte{0, 0, 0, 0, 0, 0, 0, 100})
	require.NoError(t, err)
	require.NoError(t, w.Commit(snapshot.Metadata{SequenceNumber: 1, Timestamp: 1}))

	inner := &counterAutomaton{}
	auto := automaton.NewDecorated(inner, automaton.NewResponseKeeper(16), nil)
	keeper := automaton.NewResponseKeeper(16)
	driver := NewDriver(store, snapStore, auto, keeper, nil)

	require.NoError(t, driver.RecoverToVersion(context.Background(), version.Version{Segment: 1, Record: 1}, false))
	require.Equal(t, 100+5, inner.value)
	require.Equal(t, version.Version{Segment: 1, Record: 1}, auto.Version())
}

func TestFollowerRecoverySyncsTruncatedSegmentAgainstLeader(t *testing.T) {
	dir := t.TempDir()
	store, err := changelog.OpenStore(dir, changelog.StoreOptions{})
	require.NoError(t, err)
	appendRecord(t, store, version.Version{Segment: 0, Record: 0}, 1)
	appendRecord(t, store, version.Version{Segment: 0, Record: 1}, 2) // this one is "uncommitted" at the leader

	snapDir := t.TempDir()
	snapStore, err := snapshot.OpenStore(snapDir, nil)
	require.NoError(t, err)

	inner := &counterAutomaton{}
	auto := automaton.NewDecorated(inner, automaton.NewResponseKeeper(16), nil)
	driver := NewDriver(store, snapStore, auto, automaton.NewResponseKeeper(16), nil)
	driver.LeaderChannel = &testutil.FakeClient{
		LookupChangelogFn: func(ctx context.Context, segmentID int64) (peer.LookupChangelogResponse, error) {
			return peer.LookupChangelogResponse{RecordCount: 1}, nil
		},
	}

	require.NoError(t, driver.RecoverToVersion(context.Background(), version.Version{Segment: 0, Record: 1}, true))
	require.Equal(t, 1, inner.value)
	require.Equal(t, int32(1), store.Active().RecordCount())
}

func TestFollowerRecoveryDrainsPostponedQueue(t *testing.T) {
	dir := t.TempDir()
	store, err := changelog.OpenStore(dir, changelog.StoreOptions{})
	require.NoError(t, err)

	snapDir := t.TempDir()
	snapStore, err := snapshot.OpenStore(snapDir, nil)
	require.NoError(t, err)

	inner := &counterAutomaton{}
	auto := automaton.NewDecorated(inner, automaton.NewResponseKeeper(16), nil)
	driver := NewDriver(store, snapStore, auto, automaton.NewResponseKeeper(16), nil)

	fr := NewFollowerRecovery(driver, version.Zero)
	applied := 0
	fr.LogAndApply = func(records []peer.Record) error {
		applied += len(records)
		for _, r := range records {
			rec, err := mutation.Unmarshal(r.Payload)
			require.NoError(t, err)
			_, err = auto.Apply(rec, &mutation.Request{Type: rec.Header.Type, Data: rec.Payload})
			require.NoError(t, err)
		}
		return nil
	}
	rotated := false
	fr.RotateChangelog = func() error { rotated = true; return nil }

	rec := mutation.Record{Header: mutation.Header{Type: "incr", Segment: 0, Record: 0}, Payload: []byte{9}}
	fr.PostponeMutations(version.Zero, []peer.Record{{Segment: 0, RecordID: 0, Payload: mutation.Marshal(rec)}})
	fr.PostponeChangelogRotation(version.Version{Segment: 1})
	fr.SetCommittedVersion(version.Version{Segment: 1, Record: 0})

	require.NoError(t, fr.Run(context.Background(), version.Zero))
	require.Equal(t, 1, applied)
	require.True(t, rotated)
	require.Equal(t, 9, inner.value)
}
