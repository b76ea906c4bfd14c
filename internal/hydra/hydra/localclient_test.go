package hydra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
)

func TestLocalClientDelegatesToManager(t *testing.T) {
	m := newTestManager(t)
	cell := singleNodeCell()
	require.NoError(t, m.StartLeading(context.Background(), cell, 1))
	defer m.StopLeading()

	client := &LocalClient{Manager: m}

	resp, err := client.CommitMutation(context.Background(), peer.CommitMutationRequest{Type: "noop"})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp.Payload)

	lookup, err := client.LookupChangelog(context.Background(), 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, lookup.RecordCount, int32(0))

	ping, err := client.PingFollower(context.Background(), peer.PingFollowerRequest{EpochID: m.epochCtx.Epoch.ID})
	require.NoError(t, err)
	require.Equal(t, peer.StateLeading, ping.State)
}

func TestLocalClientAcceptMutationsRoutesToFollower(t *testing.T) {
	m := newTestManager(t)
	cell := &fakeOneWayCell{self: "n2", peers: []string{"n1", "n2"}}
	require.NoError(t, m.StartFollowing(context.Background(), cell, "n1", 1))
	defer m.StopFollowing()

	client := &LocalClient{Manager: m}
	rec := mutation.Record{Header: mutation.Header{Type: "noop"}}
	payload := mutation.Marshal(rec)

	resp, err := client.AcceptMutations(context.Background(), peer.AcceptMutationsRequest{
		EpochID:      m.epochCtx.Epoch.ID,
		StartVersion: m.epochCtx.Follower.NextVersion(),
		Records:      []peer.Record{{Payload: payload}},
	})
	require.NoError(t, err)
	require.True(t, resp.Logged)
}

type fakeOneWayCell struct {
	self  string
	peers []string
}

func (c *fakeOneWayCell) SelfPeerID() string           { return c.self }
func (c *fakeOneWayCell) PeerIDs() []string             { return c.peers }
func (c *fakeOneWayCell) TotalPeerCount() int           { return len(c.peers) }
func (c *fakeOneWayCell) VotingPeerCount() int          { return len(c.peers) }
func (c *fakeOneWayCell) QuorumPeerCount() int          { return len(c.peers)/2 + 1 }
func (c *fakeOneWayCell) IsVoting(id string) bool       { return true }
func (c *fakeOneWayCell) PeerChannel(id string) peer.Client { return nil }
