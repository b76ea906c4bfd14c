// Package testutil provides in-memory fakes for the peer transport and
// cell-membership contracts (internal/hydra/peer), so the committer,
// checkpoint, lease and recovery packages can be tested without a real RPC
// server or multi-process cluster.
package testutil

import (
	"context"

	"github.com/liftbridge-io/hydra/internal/hydra/peer"
)

// FakeClient is a peer.Client whose behavior is supplied per-method by the
// test. A nil function field returns the zero response and a nil error.
type FakeClient struct {
	AcceptMutationsFn func(context.Context, peer.AcceptMutationsRequest) (peer.AcceptMutationsResponse, error)
	PingFollowerFn    func(context.Context, peer.PingFollowerRequest) (peer.PingFollowerResponse, error)
	BuildSnapshotFn   func(context.Context, peer.BuildSnapshotRequest) (peer.BuildSnapshotResponse, error)
	RotateChangelogFn func(context.Context, peer.RotateChangelogRequest) error
	LookupChangelogFn func(context.Context, int64) (peer.LookupChangelogResponse, error)
	ReadChangelogFn   func(context.Context, int64, int32, int32) (peer.ReadChangelogResponse, error)
	SyncWithLeaderFn  func(context.Context, int64) (peer.SyncWithLeaderResponse, error)
	CommitMutationFn  func(context.Context, peer.CommitMutationRequest) (peer.CommitMutationResponse, error)
}

func (c *FakeClient) AcceptMutations(ctx context.Context, req peer.AcceptMutationsRequest) (peer.AcceptMutationsResponse, error) {
	if c.AcceptMutationsFn != nil {
		return c.AcceptMutationsFn(ctx, req)
	}
	return peer.AcceptMutationsResponse{}, nil
}

func (c *FakeClient) PingFollower(ctx context.Context, req peer.PingFollowerRequest) (peer.PingFollowerResponse, error) {
	if c.PingFollowerFn != nil {
		return c.PingFollowerFn(ctx, req)
	}
	return peer.PingFollowerResponse{}, nil
}

func (c *FakeClient) BuildSnapshot(ctx context.Context, req peer.BuildSnapshotRequest) (peer.BuildSnapshotResponse, error) {
	if c.BuildSnapshotFn != nil {
		return c.BuildSnapshotFn(ctx, req)
	}
	return peer.BuildSnapshotResponse{}, nil
}

func (c *FakeClient) RotateChangelog(ctx context.Context, req peer.RotateChangelogRequest) error {
	if c.RotateChangelogFn != nil {
		return c.RotateChangelogFn(ctx, req)
	}
	return nil
}

func (c *FakeClient) LookupChangelog(ctx context.Context, segmentID int64) (peer.LookupChangelogResponse, error) {
	if c.LookupChangelogFn != nil {
		return c.LookupChangelogFn(ctx, segmentID)
	}
	return peer.LookupChangelogResponse{}, nil
}

func (c *FakeClient) ReadChangelog(ctx context.Context, segmentID int64, first, count int32) (peer.ReadChangelogResponse, error) {
	if c.ReadChangelogFn != nil {
		return c.ReadChangelogFn(ctx, segmentID, first, count)
	}
	return peer.ReadChangelogResponse{}, nil
}

func (c *FakeClient) SyncWithLeader(ctx context.Context, epochID int64) (peer.SyncWithLeaderResponse, error) {
	if c.SyncWithLeaderFn != nil {
		return c.SyncWithLeaderFn(ctx, epochID)
	}
	return peer.SyncWithLeaderResponse{}, nil
}

func (c *FakeClient) CommitMutation(ctx context.Context, req peer.CommitMutationRequest) (peer.CommitMutationResponse, error) {
	if c.CommitMutationFn != nil {
		return c.CommitMutationFn(ctx, req)
	}
	return peer.CommitMutationResponse{}, nil
}

// FakeCellManager is a peer.CellManager backed by an explicit peer list and
// client map, configured directly by the test.
type FakeCellManager struct {
	Self    string
	Peers   []string
	Voting  map[string]bool // nil means every peer votes
	Quorum  int             // 0 means majority of voting peers
	Clients map[string]peer.Client
}

func (m *FakeCellManager) SelfPeerID() string { return m.Self }

func (m *FakeCellManager) PeerIDs() []string { return m.Peers }

func (m *FakeCellManager) TotalPeerCount() int { return len(m.Peers) }

func (m *FakeCellManager) VotingPeerCount() int {
	if m.Voting == nil {
		return len(m.Peers)
	}
	n := 0
	for _, id := range m.Peers {
		if m.Voting[id] {
			n++
		}
	}
	return n
}

func (m *FakeCellManager) IsVoting(id string) bool {
	if m.Voting == nil {
		return true
	}
	return m.Voting[id]
}

func (m *FakeCellManager) QuorumPeerCount() int {
	if m.Quorum > 0 {
		return m.Quorum
	}
	return m.VotingPeerCount()/2 + 1
}

func (m *FakeCellManager) PeerChannel(id string) peer.Client {
	if m.Clients == nil {
		return nil
	}
	return m.Clients[id]
}
