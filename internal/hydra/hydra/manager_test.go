package hydra

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/config"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/snapshot"
	"github.com/liftbridge-io/hydra/internal/hydra/testutil"
)

type nopAutomaton struct{}

func (nopAutomaton) SaveSnapshot(io.Writer) error { return nil }
func (nopAutomaton) LoadSnapshot(io.Reader) error { return nil }
func (nopAutomaton) ApplyMutation(ctx *mutation.Context) ([]byte, error) {
	return []byte("ok"), nil
}
func (nopAutomaton) Clear()        {}
func (nopAutomaton) SetZeroState() {}
func (nopAutomaton) GetCurrentReign() uint32 { return 0 }
func (nopAutomaton) GetActionToRecoverFromReign(uint32) automaton.RecoveryAction {
	return automaton.RecoveryActionNone
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Lease.CheckPeriod = 5 * time.Millisecond
	cfg.Lease.Timeout = 50 * time.Millisecond
	cfg.Lease.DisableGraceDelay = true
	cfg.ControlRPCTimeout = time.Second
	cfg.CommitBatching.MaxRecordCount = 1000
	cfg.CommitBatching.MaxDuration = 2 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := changelog.OpenStore(t.TempDir(), changelog.StoreOptions{})
	require.NoError(t, err)
	snapStore, err := snapshot.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	keeper := automaton.NewResponseKeeper(16)
	auto := automaton.NewDecorated(nopAutomaton{}, keeper, nil)
	dispatcher := changelog.NewDispatcher(time.Millisecond, nil)
	return NewManager(store, snapStore, auto, keeper, dispatcher, changelog.QueueOptions{}, testConfig(), nil)
}

func singleNodeCell() *testutil.FakeCellManager {
	return &testutil.FakeCellManager{Self: "n1", Peers: []string{"n1"}}
}

func TestStartLeadingReachesLeadingAndCommits(t *testing.T) {
	m := newTestManager(t)
	cell := singleNodeCell()

	require.NoError(t, m.StartLeading(context.Background(), cell, 1))
	require.Equal(t, StateLeading, m.GetState())
	require.True(t, m.IsActiveLeader())

	mctx, err := m.CommitMutation(context.Background(), &mutation.Request{Type: "noop"})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), mctx.ResponseBytes)

	m.StopLeading()
	require.Equal(t, StateStopped, m.GetState())
}

func TestSetReadOnlyRejectsCommit(t *testing.T) {
	m := newTestManager(t)
	cell := singleNodeCell()
	require.NoError(t, m.StartLeading(context.Background(), cell, 1))
	defer m.StopLeading()

	m.SetReadOnly(true)
	_, err := m.CommitMutation(context.Background(), &mutation.Request{Type: "noop"})
	require.Error(t, err)
	require.Equal(t, peer.CodeReadOnly, peer.CodeOf(err))
}

func TestStartLeadingFiresObserverSignals(t *testing.T) {
	m := newTestManager(t)
	sigs := m.Subscribe()
	cell := singleNodeCell()

	require.NoError(t, m.StartLeading(context.Background(), cell, 1))
	defer m.StopLeading()

	seen := map[Signal]bool{}
	for i := 0; i < 3; i++ {
		select {
		case s := <-sigs:
			seen[s] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for signal")
		}
	}
	require.True(t, seen[SignalStartLeading])
	require.True(t, seen[SignalLeaderRecoveryComplete])
	require.True(t, seen[SignalLeaderActive])
}

func TestStartFollowingReachesFollowingAndAcceptsMutations(t *testing.T) {
	m := newTestManager(t)
	cell := &testutil.FakeCellManager{Self: "n2", Peers: []string{"n1", "n2"},
		Clients: map[string]peer.Client{"n1": &testutil.FakeClient{}}}

	require.NoError(t, m.StartFollowing(context.Background(), cell, "n1", 1))
	require.Equal(t, StateFollowing, m.GetState())
	require.True(t, m.IsActiveFollower())

	rec := mutation.Record{Header: mutation.Header{Type: "noop", Segment: 0, Record: 0}}
	payload := mutation.Marshal(rec)
	resp, err := m.AcceptMutations(context.Background(), peer.AcceptMutationsRequest{
		EpochID:      m.epochCtx.Epoch.ID,
		StartVersion: m.epochCtx.Follower.NextVersion(),
		Records:      []peer.Record{{Segment: 0, RecordID: 0, Payload: payload}},
	})
	require.NoError(t, err)
	require.True(t, resp.Logged)

	m.StopFollowing()
	require.Equal(t, StateStopped, m.GetState())
}

func TestCommitMutationUnavailableWhenStopped(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CommitMutation(context.Background(), &mutation.Request{Type: "noop"})
	require.Error(t, err)
	require.Equal(t, peer.CodeUnavailable, peer.CodeOf(err))
}
