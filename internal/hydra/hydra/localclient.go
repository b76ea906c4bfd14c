package hydra

import (
	"context"

	"github.com/liftbridge-io/hydra/internal/hydra/peer"
)

// LocalClient adapts a Manager running in this same process into a
// peer.Client, calling its RPC handler methods directly instead of going
// over a network. It is the in-process transport spec.md's non-goal of
// "compatibility with any specific existing wire protocol" leaves room
// for: single-binary tests and demos wire cells together with
// LocalClient; an embedding application wanting real inter-process
// replication supplies its own peer.Client over gRPC, NATS, or whatever
// transport it already runs.
type LocalClient struct {
	Manager *Manager
}

func (c *LocalClient) AcceptMutations(ctx context.Context, req peer.AcceptMutationsRequest) (peer.AcceptMutationsResponse, error) {
	return c.Manager.AcceptMutations(ctx, req)
}

func (c *LocalClient) PingFollower(ctx context.Context, req peer.PingFollowerRequest) (peer.PingFollowerResponse, error) {
	return c.Manager.PingFollower(ctx, req)
}

func (c *LocalClient) BuildSnapshot(ctx context.Context, req peer.BuildSnapshotRequest) (peer.BuildSnapshotResponse, error) {
	if err := c.Manager.BuildSnapshot(ctx); err != nil {
		return peer.BuildSnapshotResponse{}, err
	}
	return peer.BuildSnapshotResponse{}, nil
}

func (c *LocalClient) RotateChangelog(ctx context.Context, req peer.RotateChangelogRequest) error {
	return c.Manager.RotateChangelog(ctx, req)
}

func (c *LocalClient) LookupChangelog(ctx context.Context, segmentID int64) (peer.LookupChangelogResponse, error) {
	return c.Manager.LookupChangelog(ctx, segmentID)
}

func (c *LocalClient) ReadChangelog(ctx context.Context, segmentID int64, first, count int32) (peer.ReadChangelogResponse, error) {
	return c.Manager.ReadChangelog(ctx, segmentID, first, count)
}

func (c *LocalClient) SyncWithLeader(ctx context.Context, epochID int64) (peer.SyncWithLeaderResponse, error) {
	c.Manager.mu.Lock()
	ec := c.Manager.epochCtx
	c.Manager.mu.Unlock()
	if ec == nil || ec.Leader == nil {
		return peer.SyncWithLeaderResponse{}, peer.NewError(peer.CodeUnavailable, "hydra: not leading")
	}
	return peer.SyncWithLeaderResponse{CommittedVersion: ec.Leader.CommittedVersion()}, nil
}

func (c *LocalClient) CommitMutation(ctx context.Context, req peer.CommitMutationRequest) (peer.CommitMutationResponse, error) {
	return c.Manager.CommitMutationRPC(ctx, req)
}

var _ peer.Client = (*LocalClient)(nil)
