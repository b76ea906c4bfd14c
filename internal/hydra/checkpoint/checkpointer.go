// Package checkpoint implements the distributed changelog rotation and
// snapshot build protocol a leader runs to bound recovery time (spec §4.7).
// It is grounded on changelog.Store.Rotate and the ForkBuilder/StreamBuilder
// pair in the snapshot package, generalized from a single local rotation
// into a quorum-coordinated one run across every peer.
package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/committer"
	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// Options configures when a rotation should be triggered and how long its
// RPCs are allowed to take (spec §6 "Checkpointing").
type Options struct {
	MaxChangelogRecordCount int32
	MaxChangelogDataSize    int64
	SnapshotBuildPeriod     time.Duration
	SnapshotBuildSplay      time.Duration
	ControlRPCTimeout       time.Duration
}

func (o *Options) setDefaults() {
	if o.ControlRPCTimeout <= 0 {
		o.ControlRPCTimeout = 5 * time.Second
	}
}

// Checkpointer runs the leader side of the rotate/snapshot protocol.
type Checkpointer struct {
	store      *changelog.Store
	dispatcher *changelog.Dispatcher
	queueOpts  changelog.QueueOptions
	leader     *committer.Leader
	cell       peer.CellManager
	epoch      peer.Epoch
	opts       Options
	log        logger.Logger

	// BuildLocalSnapshot, if set, builds this peer's own snapshot for the
	// segment being rotated away from and returns its checksum. Left nil
	// to skip local snapshot building (e.g. a peer with fork/stream
	// builders not yet wired up).
	BuildLocalSnapshot func(ctx context.Context, snapshotID int64) (checksum uint64, err error)
	// OnCommitFailed is invoked when rotation fails to reach quorum (spec
	// §4.7 step 6: "raise commit-failure/restart").
	OnCommitFailed func(err error)
	// OnChecksumMismatch is invoked once per follower whose reported
	// snapshot checksum disagrees with this peer's own, a discrepancy the
	// protocol reports but does not abort on (spec §4.7 step 5).
	OnChecksumMismatch func(peerID string, localChecksum, remoteChecksum uint64)
}

// NewCheckpointer constructs a Checkpointer rotating store and replicating
// the rotation through cell. The new active segment is wrapped in a queue
// built from queueOpts and registered with dispatcher, replacing the one
// leader was logging into.
func NewCheckpointer(store *changelog.Store, dispatcher *changelog.Dispatcher, queueOpts changelog.QueueOptions, leader *committer.Leader, cell peer.CellManager, epoch peer.Epoch, opts Options, log logger.Logger) *Checkpointer {
	opts.setDefaults()
	if log == nil {
		log = logger.NewLogger(0)
	}
	return &Checkpointer{
		store:      store,
		dispatcher: dispatcher,
		queueOpts:  queueOpts,
		leader:     leader,
		cell:       cell,
		epoch:      epoch,
		opts:       opts,
		log:        log,
	}
}

// ShouldRotate reports whether the active segment's record count or data
// size has crossed a configured checkpoint threshold (spec §4.7: "record
// count / data size / deadline thresholds").
func (c *Checkpointer) ShouldRotate(recordCount int32, dataSize int64) bool {
	if c.opts.MaxChangelogRecordCount > 0 && recordCount >= c.opts.MaxChangelogRecordCount {
		return true
	}
	if c.opts.MaxChangelogDataSize > 0 && dataSize >= c.opts.MaxChangelogDataSize {
		c.log.Debugf("checkpoint: active segment reached %s (threshold %s), rotating",
			humanize.IBytes(uint64(dataSize)), humanize.IBytes(uint64(c.opts.MaxChangelogDataSize)))
		return true
	}
	return false
}

// Rotate runs the six-step distributed rotation protocol (spec §4.7): it
// records the current committed version, suspends and quiesces the leader,
// rotates the changelog on a quorum of peers plus itself, optionally builds
// a snapshot on every reachable peer, then resumes logging.
func (c *Checkpointer) Rotate(ctx context.Context, buildSnapshot bool) error {
	v := c.leader.CommittedVersion()

	if err := c.leader.Quiesce(ctx); err != nil {
		return err
	}
	defer c.leader.Resume()

	if err := c.rotateQuorum(ctx, v); err != nil {
		return err
	}

	if buildSnapshot {
		c.buildSnapshotQuorum(ctx, v)
	}
	return nil
}

func (c *Checkpointer) rotateQuorum(ctx context.Context, v version.Version) error {
	rpcCtx, cancel := context.WithTimeout(ctx, c.opts.ControlRPCTimeout)
	defer cancel()

	var acked int32 = 1 // self
	var wg sync.WaitGroup
	for _, id := range c.cell.PeerIDs() {
		if id == c.cell.SelfPeerID() {
			continue
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := c.cell.PeerChannel(id)
			if client == nil {
				return
			}
			if err := client.RotateChangelog(rpcCtx, peer.RotateChangelogRequest{EpochID: c.epoch.ID, Version: v}); err != nil {
				c.log.Warnf("checkpoint: rotate_changelog to %s failed: %v", id, err)
				return
			}
			if c.cell.IsVoting(id) {
				atomic.AddInt32(&acked, 1)
			}
		}()
	}

	next, localErr := c.store.Rotate()
	wg.Wait()

	quorumNeeded := c.cell.QuorumPeerCount()
	if localErr != nil || int(acked) < quorumNeeded {
		err := peer.NewError(peer.CodeUnavailable, "changelog rotation did not reach quorum")
		if localErr != nil {
			err = peer.NewError(peer.CodeUnavailable, "local rotate failed: "+localErr.Error())
		}
		if c.OnCommitFailed != nil {
			c.OnCommitFailed(err)
		}
		return err
	}

	oldQueue := c.leader.Queue()
	newQueue := changelog.NewQueue(next, c.queueOpts)
	if c.dispatcher != nil {
		c.dispatcher.Register(newQueue)
	}
	c.leader.SetQueue(newQueue)
	if c.dispatcher != nil && oldQueue != nil {
		c.dispatcher.Unregister(oldQueue)
	}
	return nil
}

func (c *Checkpointer) buildSnapshotQuorum(ctx context.Context, v version.Version) {
	snapshotID := v.Segment
	rpcCtx, cancel := context.WithTimeout(ctx, c.opts.ControlRPCTimeout)
	defer cancel()

	var localChecksum uint64
	var haveLocal bool
	if c.BuildLocalSnapshot != nil {
		checksum, err := c.BuildLocalSnapshot(rpcCtx, snapshotID)
		if err != nil {
			c.log.Errorf("checkpoint: local snapshot build failed: %v", err)
		} else {
			localChecksum, haveLocal = checksum, true
		}
	}

	var wg sync.WaitGroup
	for _, id := range c.cell.PeerIDs() {
		if id == c.cell.SelfPeerID() {
			continue
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := c.cell.PeerChannel(id)
			if client == nil {
				return
			}
			resp, err := client.BuildSnapshot(rpcCtx, peer.BuildSnapshotRequest{EpochID: c.epoch.ID, Version: v})
			if err != nil {
				c.log.Warnf("checkpoint: build_snapshot to %s failed: %v", id, err)
				return
			}
			if haveLocal && resp.Checksum != localChecksum && c.OnChecksumMismatch != nil {
				c.OnChecksumMismatch(id, localChecksum, resp.Checksum)
			}
		}()
	}
	wg.Wait()
}
