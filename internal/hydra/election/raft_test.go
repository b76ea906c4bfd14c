package election

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/config"
	"github.com/liftbridge-io/hydra/internal/hydra/hydra"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/snapshot"
	"github.com/liftbridge-io/hydra/internal/hydra/testutil"
)

type nopAutomaton struct{}

func (nopAutomaton) SaveSnapshot(io.Writer) error { return nil }
func (nopAutomaton) LoadSnapshot(io.Reader) error { return nil }
func (nopAutomaton) ApplyMutation(ctx *mutation.Context) ([]byte, error) {
	return nil, nil
}
func (nopAutomaton) Clear()        {}
func (nopAutomaton) SetZeroState() {}
func (nopAutomaton) GetCurrentReign() uint32 { return 0 }
func (nopAutomaton) GetActionToRecoverFromReign(uint32) automaton.RecoveryAction {
	return automaton.RecoveryActionNone
}

func newTestManager(t *testing.T) *hydra.Manager {
	t.Helper()
	store, err := changelog.OpenStore(t.TempDir(), changelog.StoreOptions{})
	require.NoError(t, err)
	snapStore, err := snapshot.OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	keeper := automaton.NewResponseKeeper(16)
	auto := automaton.NewDecorated(nopAutomaton{}, keeper, nil)
	dispatcher := changelog.NewDispatcher(time.Millisecond, nil)
	cfg := &config.Config{}
	cfg.Lease.CheckPeriod = 5 * time.Millisecond
	cfg.Lease.Timeout = 50 * time.Millisecond
	cfg.Lease.DisableGraceDelay = true
	cfg.ControlRPCTimeout = time.Second
	cfg.CommitBatching.MaxRecordCount = 1000
	cfg.CommitBatching.MaxDuration = 2 * time.Millisecond
	return hydra.NewManager(store, snapStore, auto, keeper, dispatcher, changelog.QueueOptions{}, cfg, nil)
}

// TestSingleNodeClusterReachesLeading bootstraps a one-node raft cluster
// and checks the adapter drives the manager into StateLeading once raft
// elects the lone voter as leader.
func TestSingleNodeClusterReachesLeading(t *testing.T) {
	mgr := newTestManager(t)
	cell := &testutil.FakeCellManager{Self: "n1", Peers: []string{"n1"}}

	adapter, err := New(Options{
		DataDir:   t.TempDir(),
		BindAddr:  "127.0.0.1:0",
		Self:      Peer{ID: "n1", Addr: "127.0.0.1:0"},
		Peers:     []Peer{{ID: "n1", Addr: "127.0.0.1:0"}},
		Bootstrap: true,
	}, mgr, cell, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go adapter.Run(ctx)
	defer adapter.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.GetState() == hydra.StateLeading {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("manager never reached StateLeading, got %s", mgr.GetState())
}
