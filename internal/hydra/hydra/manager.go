// Package hydra implements the top-level manager glue (spec §4.10): the
// peer state machine driving election callbacks into epoch setup/teardown,
// the observer signal pub/sub, and the RPC handler surface every other
// package's protocol methods are reached through. It generalizes
// server.Server's role in liftbridge (owns the metadata API, registers
// NATS/gRPC handlers, wires raft/replication together) into hydra's peer
// state machine.
package hydra

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/checkpoint"
	"github.com/liftbridge-io/hydra/internal/hydra/committer"
	"github.com/liftbridge-io/hydra/internal/hydra/config"
	"github.com/liftbridge-io/hydra/internal/hydra/epoch"
	"github.com/liftbridge-io/hydra/internal/hydra/lease"
	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/recovery"
	"github.com/liftbridge-io/hydra/internal/hydra/snapshot"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// State is a position in the peer state machine of spec §4.9:
//
//	Stopped -> LeaderRecovery -> Leading -> Stopped
//	Stopped -> FollowerRecovery -> Following -> Stopped
type State int

const (
	StateStopped State = iota
	StateLeaderRecovery
	StateLeading
	StateFollowerRecovery
	StateFollowing
)

func (s State) String() string {
	switch s {
	case StateLeaderRecovery:
		return "leader_recovery"
	case StateLeading:
		return "leading"
	case StateFollowerRecovery:
		return "follower_recovery"
	case StateFollowing:
		return "following"
	default:
		return "stopped"
	}
}

// Signal is one of the observer events spec §4.10 names: {start_leading,
// leader_recovery_complete, leader_active, stop_leading, start_following,
// follower_recovery_complete, stop_following, leader_lease_check}.
type Signal int

const (
	SignalStartLeading Signal = iota
	SignalLeaderRecoveryComplete
	SignalLeaderActive
	SignalStopLeading
	SignalStartFollowing
	SignalFollowerRecoveryComplete
	SignalStopFollowing
	SignalLeaderLeaseCheck
)

// Manager is the top-level glue wiring the changelog store, automaton,
// lease tracker, checkpointer, recovery driver and committer together
// behind the peer state machine and RPC surface of spec §4.10.
type Manager struct {
	mu sync.Mutex

	store     *changelog.Store
	snapStore *snapshot.Store
	auto      *automaton.Decorated
	keeper    *automaton.ResponseKeeper
	queueOpts changelog.QueueOptions
	dispatcher *changelog.Dispatcher
	cfg       *config.Config
	log       logger.Logger

	state   State
	readOnly bool
	epochCtx *epoch.Context

	subsMu sync.Mutex
	subs   []chan Signal

	syncMu      sync.Mutex
	syncPending *syncFuture
}

type syncFuture struct {
	done chan struct{}
	ctx  *mutation.Context
	err  error
}

// NewManager constructs a Manager over store/snapStore/auto/keeper,
// starting in State Stopped.
func NewManager(store *changelog.Store, snapStore *snapshot.Store, auto *automaton.Decorated, keeper *automaton.ResponseKeeper, dispatcher *changelog.Dispatcher, queueOpts changelog.QueueOptions, cfg *config.Config, log logger.Logger) *Manager {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if log == nil {
		log = logger.NewLogger(0)
	}
	return &Manager{
		store:      store,
		snapStore:  snapStore,
		auto:       auto,
		keeper:     keeper,
		dispatcher: dispatcher,
		queueOpts:  queueOpts,
		cfg:        cfg,
		log:        log,
		state:      StateStopped,
	}
}

// Subscribe returns a channel that receives every Signal this manager
// fires from now on, the idiomatic Go substitute for the source's
// callback-list Subscribe.
func (m *Manager) Subscribe() <-chan Signal {
	ch := make(chan Signal, 16)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) fire(sig Signal) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// GetState returns the manager's current peer-state-machine position.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActiveLeader reports whether this peer is currently the active leader
// (past the lease-acquired transition, not merely recovering).
func (m *Manager) IsActiveLeader() bool {
	return m.GetState() == StateLeading
}

// IsActiveFollower reports whether this peer is currently an active
// follower.
func (m *Manager) IsActiveFollower() bool {
	return m.GetState() == StateFollowing
}

// SetReadOnly toggles read-only mode; CommitMutation rejects new mutations
// with ReadOnly while set.
func (m *Manager) SetReadOnly(ro bool) {
	m.mu.Lock()
	m.readOnly = ro
	m.mu.Unlock()
}

// StartLeading transitions Stopped -> LeaderRecovery -> Leading: it builds
// a fresh epoch, recovers the automaton to the changelog tail, waits the
// lease grace delay, then starts the leader committer and the lease ping
// loop (spec §4.9 state diagram, "start leading"). The epoch's checkpointer
// runs no loop of its own; it rotates only when Rotate is called, as
// BuildSnapshot does.
func (m *Manager) StartLeading(ctx context.Context, cell peer.CellManager, term uint64) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return errors.New("hydra: StartLeading called while not stopped")
	}
	m.state = StateLeaderRecovery
	ec := epoch.New(ctx, cell, cell.SelfPeerID(), term)
	m.epochCtx = ec
	m.mu.Unlock()
	m.fire(SignalStartLeading)

	target := version.Version{Segment: m.store.Active().ID(), Record: int64(m.store.Active().RecordCount())}
	driver := recovery.NewDriver(m.store, m.snapStore, m.auto, m.keeper, m.log)
	lr := recovery.NewLeaderRecovery(driver)
	if err := lr.Run(ec.Context(), target); err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		return errors.Wrap(err, "hydra: leader recovery failed")
	}
	m.fire(SignalLeaderRecoveryComplete)

	queue := changelog.NewQueue(m.store.Active(), m.queueOpts)
	if m.dispatcher != nil {
		m.dispatcher.Register(queue)
	}
	leaderOpts := committer.LeaderOptions{
		MaxBatchRecordCount: m.cfg.CommitBatching.MaxRecordCount,
		MaxBatchDuration:    m.cfg.CommitBatching.MaxDuration,
		ControlRPCTimeout:   m.cfg.ControlRPCTimeout,
	}
	leader := committer.NewLeader(queue, m.auto, m.keeper, cell, ec.Epoch, m.auto.Version(), leaderOpts, m.log)

	leaseCfg := lease.Config{
		CheckPeriod:       m.cfg.Lease.CheckPeriod,
		Timeout:           m.cfg.Lease.Timeout,
		GraceDelay:        m.cfg.Lease.GraceDelay,
		DisableGraceDelay: m.cfg.Lease.DisableGraceDelay,
	}
	tracker := lease.NewTracker(cell, ec.Epoch, leaseCfg, m.log)
	tracker.LoggedVersion = leader.CommittedVersion
	tracker.CommittedVersion = leader.CommittedVersion
	leader.IsLeaseValid = tracker.IsLeaseValid
	tracker.OnLeaseLost = func() {
		m.fire(SignalLeaderLeaseCheck)
		m.StopLeading()
	}

	cp := checkpoint.NewCheckpointer(m.store, m.dispatcher, m.queueOpts, leader, cell, ec.Epoch, checkpoint.Options{
		MaxChangelogRecordCount: m.cfg.Checkpointing.MaxChangelogRecordCount,
		MaxChangelogDataSize:    m.cfg.Checkpointing.MaxChangelogDataSize,
		SnapshotBuildPeriod:     m.cfg.Checkpointing.SnapshotBuildPeriod,
		SnapshotBuildSplay:      m.cfg.Checkpointing.SnapshotBuildSplay,
		ControlRPCTimeout:       m.cfg.ControlRPCTimeout,
	}, m.log)

	m.mu.Lock()
	ec.Leader = leader
	ec.LeaseTracker = tracker
	ec.Checkpointer = cp
	ec.ChangelogStore = m.store
	m.mu.Unlock()

	go tracker.Run(ec.Context())

	if err := tracker.Activate(ec.Context()); err != nil {
		m.StopLeading()
		return errors.Wrap(err, "hydra: lease activation failed")
	}

	m.mu.Lock()
	if m.state == StateLeaderRecovery {
		m.state = StateLeading
	}
	m.mu.Unlock()
	m.fire(SignalLeaderActive)
	return nil
}

// StopLeading tears down the current epoch and returns to Stopped.
// Idempotent; a no-op if this peer is not currently leading.
func (m *Manager) StopLeading() {
	m.mu.Lock()
	if m.state != StateLeaderRecovery && m.state != StateLeading {
		m.mu.Unlock()
		return
	}
	ec := m.epochCtx
	m.state = StateStopped
	m.epochCtx = nil
	m.mu.Unlock()
	if ec != nil {
		ec.End()
	}
	m.fire(SignalStopLeading)
}

// StartFollowing transitions Stopped -> FollowerRecovery -> Following,
// syncing the changelog against leaderID before serving accept_mutations
// (spec §4.9, "start following").
func (m *Manager) StartFollowing(ctx context.Context, cell peer.CellManager, leaderID string, term uint64) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return errors.New("hydra: StartFollowing called while not stopped")
	}
	m.state = StateFollowerRecovery
	ec := epoch.New(ctx, cell, leaderID, term)
	m.epochCtx = ec
	m.mu.Unlock()
	m.fire(SignalStartFollowing)

	leaderClient := cell.PeerChannel(leaderID)
	driver := recovery.NewDriver(m.store, m.snapStore, m.auto, m.keeper, m.log)
	driver.LeaderChannel = leaderClient

	syncTarget := version.Version{Segment: m.store.Active().ID(), Record: int64(m.store.Active().RecordCount())}
	if leaderClient != nil {
		rpcCtx, cancel := context.WithTimeout(ec.Context(), m.cfg.ControlRPCTimeout)
		resp, err := leaderClient.SyncWithLeader(rpcCtx, ec.Epoch.ID)
		cancel()
		if err == nil {
			syncTarget = resp.CommittedVersion
		}
	}

	fr := recovery.NewFollowerRecovery(driver, syncTarget)
	queue := changelog.NewQueue(m.store.Active(), m.queueOpts)
	if m.dispatcher != nil {
		m.dispatcher.Register(queue)
	}
	followerOpts := committer.FollowerOptions{ControlRPCTimeout: m.cfg.ControlRPCTimeout}
	follower := committer.NewFollower(queue, m.store, m.dispatcher, m.queueOpts, m.auto, cell, ec.Epoch, m.auto.Version(), followerOpts, m.log)
	follower.NoteCommittedVersion(syncTarget)
	fr.LogAndApply = follower.LogAndApply
	fr.RotateChangelog = func() error { return follower.RotateChangelog(ec.Context(), peer.RotateChangelogRequest{EpochID: ec.Epoch.ID}) }

	if err := fr.Run(ec.Context(), syncTarget); err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		return errors.Wrap(err, "hydra: follower recovery failed")
	}
	m.fire(SignalFollowerRecoveryComplete)

	m.mu.Lock()
	ec.Follower = follower
	ec.FollowerRecovery = fr
	ec.ChangelogStore = m.store
	if m.state == StateFollowerRecovery {
		m.state = StateFollowing
	}
	m.mu.Unlock()
	return nil
}

// StopFollowing tears down the current epoch and returns to Stopped.
func (m *Manager) StopFollowing() {
	m.mu.Lock()
	if m.state != StateFollowerRecovery && m.state != StateFollowing {
		m.mu.Unlock()
		return
	}
	ec := m.epochCtx
	m.state = StateStopped
	m.epochCtx = nil
	m.mu.Unlock()
	if ec != nil {
		ec.End()
	}
	m.fire(SignalStopFollowing)
}

// CommitMutation routes req to the leader committer if this peer leads,
// forwards it through the follower committer otherwise, or rejects it
// outright when read-only (spec §4.10: "commit_mutation(request)").
func (m *Manager) CommitMutation(ctx context.Context, req *mutation.Request) (*mutation.Context, error) {
	m.mu.Lock()
	ro := m.readOnly
	state := m.state
	ec := m.epochCtx
	m.mu.Unlock()

	if ro {
		return nil, peer.NewError(peer.CodeReadOnly, "hydra: read-only")
	}

	switch state {
	case StateLeading:
		return ec.Leader.Commit(ctx, req)
	case StateFollowing:
		req.AllowLeaderForwarding = true
		return ec.Follower.Forward(ctx, req, ec.Epoch.LeaderID)
	default:
		return nil, peer.NewError(peer.CodeUnavailable, "hydra: not active")
	}
}

// SyncWithLeader implements spec §4.10's coalescing sync: the first caller
// schedules a sync_with_leader RPC after leader_sync_delay; later callers
// observe the same in-flight future until it resolves, after which a new
// one is created for the next caller.
func (m *Manager) SyncWithLeader(ctx context.Context, leaderSyncDelay time.Duration) (*mutation.Context, error) {
	m.syncMu.Lock()
	if m.syncPending != nil {
		fut := m.syncPending
		m.syncMu.Unlock()
		<-fut.done
		return fut.ctx, fut.err
	}
	fut := &syncFuture{done: make(chan struct{})}
	m.syncPending = fut
	m.syncMu.Unlock()

	go func() {
		defer close(fut.done)
		defer func() {
			m.syncMu.Lock()
			m.syncPending = nil
			m.syncMu.Unlock()
		}()

		select {
		case <-time.After(leaderSyncDelay):
		case <-ctx.Done():
			fut.err = ctx.Err()
			return
		}

		m.mu.Lock()
		state, ec := m.state, m.epochCtx
		m.mu.Unlock()
		if state != StateFollowing || ec == nil {
			fut.err = peer.NewError(peer.CodeUnavailable, "hydra: not following")
			return
		}
		client := ec.Cell.PeerChannel(ec.Epoch.LeaderID)
		if client == nil {
			fut.err = peer.NewError(peer.CodeUnavailable, "hydra: no channel to leader")
			return
		}
		resp, err := client.SyncWithLeader(ctx, ec.Epoch.ID)
		if err != nil {
			fut.err = err
			return
		}
		for m.auto.Version().Revision() < resp.CommittedVersion.Revision() {
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				fut.err = ctx.Err()
				return
			}
		}
		fut.ctx = &mutation.Context{Version: m.auto.Version()}
	}()

	<-fut.done
	return fut.ctx, fut.err
}

// BuildSnapshot forces the current epoch's checkpointer to rotate the
// changelog and build a snapshot, the manual equivalent of a periodic
// checkpoint tick (spec §4.10: "build_snapshot()").
func (m *Manager) BuildSnapshot(ctx context.Context) error {
	m.mu.Lock()
	ec := m.epochCtx
	m.mu.Unlock()
	if ec == nil || ec.Checkpointer == nil {
		return peer.NewError(peer.CodeUnavailable, "hydra: no checkpointer (not leading)")
	}
	return ec.Checkpointer.Rotate(ctx, true)
}

// LookupChangelog implements the lookup_changelog RPC handler.
func (m *Manager) LookupChangelog(ctx context.Context, segmentID int64) (peer.LookupChangelogResponse, error) {
	seg, err := m.store.Segment(segmentID)
	if err != nil {
		return peer.LookupChangelogResponse{}, peer.NewError(peer.CodeNoSuchChangelog, err.Error())
	}
	return peer.LookupChangelogResponse{RecordCount: seg.RecordCount()}, nil
}

// ReadChangelog implements the read_changelog RPC handler.
func (m *Manager) ReadChangelog(ctx context.Context, segmentID int64, first, count int32) (peer.ReadChangelogResponse, error) {
	seg, err := m.store.Segment(segmentID)
	if err != nil {
		return peer.ReadChangelogResponse{}, peer.NewError(peer.CodeNoSuchChangelog, err.Error())
	}
	records, err := seg.Read(first, int(count), 0)
	if err != nil {
		return peer.ReadChangelogResponse{}, err
	}
	return peer.ReadChangelogResponse{Records: records}, nil
}

// AcceptMutations implements the accept_mutations RPC handler by
// delegating to the current epoch's follower committer.
func (m *Manager) AcceptMutations(ctx context.Context, req peer.AcceptMutationsRequest) (peer.AcceptMutationsResponse, error) {
	m.mu.Lock()
	ec := m.epochCtx
	m.mu.Unlock()
	if ec == nil || ec.Follower == nil {
		return peer.AcceptMutationsResponse{}, peer.NewError(peer.CodeUnavailable, "hydra: not following")
	}
	return ec.Follower.AcceptMutations(ctx, req)
}

// RotateChangelog implements the rotate_changelog RPC handler by
// delegating to the current epoch's follower committer.
func (m *Manager) RotateChangelog(ctx context.Context, req peer.RotateChangelogRequest) error {
	m.mu.Lock()
	ec := m.epochCtx
	m.mu.Unlock()
	if ec == nil || ec.Follower == nil {
		return peer.NewError(peer.CodeUnavailable, "hydra: not following")
	}
	return ec.Follower.RotateChangelog(ctx, req)
}

// PingFollower implements the ping_follower RPC handler. It also raises the
// current follower's committed-version watermark, since a lease ping can be
// what finally unblocks a record logged by an earlier accept_mutations
// (spec §4.6, §4.8).
func (m *Manager) PingFollower(ctx context.Context, req peer.PingFollowerRequest) (peer.PingFollowerResponse, error) {
	m.mu.Lock()
	ec := m.epochCtx
	m.mu.Unlock()
	if ec != nil && ec.Follower != nil {
		ec.Follower.NoteCommittedVersion(req.CommittedVersion)
	}
	return peer.PingFollowerResponse{State: m.GetState().asPeerState()}, nil
}

func (s State) asPeerState() peer.State {
	switch s {
	case StateLeading:
		return peer.StateLeading
	case StateFollowing:
		return peer.StateFollowing
	case StateLeaderRecovery, StateFollowerRecovery:
		return peer.StateElsewhere
	default:
		return peer.StateStopped
	}
}

// CommitMutationRPC implements the commit_mutation RPC handler, the entry
// point a follower's Forward call lands on.
func (m *Manager) CommitMutationRPC(ctx context.Context, req peer.CommitMutationRequest) (peer.CommitMutationResponse, error) {
	mreq := &mutation.Request{Type: req.Type, Reign: req.Reign, ID: req.ID, Retry: req.Retry, Data: req.Payload, AllowLeaderForwarding: false}
	mctx, err := m.CommitMutation(ctx, mreq)
	if err != nil {
		return peer.CommitMutationResponse{}, err
	}
	return peer.CommitMutationResponse{Payload: mctx.ResponseBytes}, nil
}
