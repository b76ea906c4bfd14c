// Package epoch implements the per-leadership-period context (spec §3,
// "Epoch context"): the bundle of collaborators and the cancelable context
// every task spawned during one leadership period runs inside, torn down
// atomically on stop/restart. It is grounded on the teacher's pattern of a
// context.Context carried through server.Server's per-connection and
// per-request call chains, generalized into a long-lived, explicitly
// cancelable struct.
package epoch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/checkpoint"
	"github.com/liftbridge-io/hydra/internal/hydra/committer"
	"github.com/liftbridge-io/hydra/internal/hydra/lease"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/recovery"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// Context bundles every per-epoch collaborator: the cell manager in effect,
// the epoch identity, and (depending on role) a leader or follower
// committer, lease tracker, checkpointer and recovery driver (spec §3).
// Exactly one of Leader/Follower is non-nil for a given epoch.
type Context struct {
	Cell  peer.CellManager
	Epoch peer.Epoch

	Leader   *committer.Leader
	Follower *committer.Follower

	LeaseTracker *lease.Tracker
	Checkpointer *checkpoint.Checkpointer

	LeaderRecovery   *recovery.LeaderRecovery
	FollowerRecovery *recovery.FollowerRecovery

	ChangelogStore *changelog.Store

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New constructs an epoch identified by a fresh uuid, for leaderID holding
// term under cell. parent is the process-lifetime context everything
// ultimately derives from.
func New(parent context.Context, cell peer.CellManager, leaderID string, term uint64) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		Cell: cell,
		Epoch: peer.Epoch{
			LeaderID: leaderID,
			ID:       int64(uuid.New().ID()),
			Term:     term,
			Context:  ctx,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Done returns the channel closed when this epoch ends, for select
// statements in long-running loops (spec §5: "Finalization and restart
// cancel the context, which propagates to every in-flight task derived
// from it").
func (c *Context) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context returns the cancelable context every per-epoch task should be
// derived from.
func (c *Context) Context() context.Context {
	return c.ctx
}

// ReachableVersion is the highest version this peer can currently vouch
// for: the leader committer's committed version if leading, or the
// follower committer's next expected version if following.
func (c *Context) ReachableVersion() version.Version {
	if c.Leader != nil {
		return c.Leader.CommittedVersion()
	}
	if c.Follower != nil {
		return c.Follower.NextVersion()
	}
	return version.Zero
}

// End cancels the epoch's context and stops every owned background loop
// (leader commit loop, lease tracker). Idempotent.
func (c *Context) End() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.Leader != nil {
			c.Leader.Close()
		}
		if c.LeaseTracker != nil {
			c.LeaseTracker.Close()
		}
	})
}
