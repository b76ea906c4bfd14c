package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/testutil"
)

func TestTrackerExtendsLeaseOnQuorum(t *testing.T) {
	cell := &testutil.FakeCellManager{Self: "n1", Peers: []string{"n1", "n2"}, Quorum: 2,
		Clients: map[string]peer.Client{
			"n2": &testutil.FakeClient{
				PingFollowerFn: func(ctx context.Context, req peer.PingFollowerRequest) (peer.PingFollowerResponse, error) {
					return peer.PingFollowerResponse{State: peer.StateFollowing}, nil
				},
			},
		}}
	tr := NewTracker(cell, peer.Epoch{ID: 1}, Config{CheckPeriod: 5 * time.Millisecond, Timeout: time.Second}, nil)
	defer tr.Close()

	require.False(t, tr.IsLeaseValid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	require.Eventually(t, tr.IsLeaseValid, time.Second, time.Millisecond)
}

func TestTrackerFiresLeaseLostWithoutQuorum(t *testing.T) {
	cell := &testutil.FakeCellManager{Self: "n1", Peers: []string{"n1", "n2"}, Quorum: 2,
		Clients: map[string]peer.Client{
			"n2": &testutil.FakeClient{
				PingFollowerFn: func(ctx context.Context, req peer.PingFollowerRequest) (peer.PingFollowerResponse, error) {
					return peer.PingFollowerResponse{}, peer.NewError(peer.CodeUnavailable, "down")
				},
			},
		}}

	lost := make(chan struct{}, 1)
	tr := NewTracker(cell, peer.Epoch{ID: 1}, Config{CheckPeriod: 5 * time.Millisecond, Timeout: 50 * time.Millisecond}, nil)
	tr.OnLeaseLost = func() {
		select {
		case lost <- struct{}{}:
		default:
		}
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected lease-lost event")
	}
	require.False(t, tr.IsLeaseValid())
}

func TestTrackerSingleNodeAlwaysHasQuorum(t *testing.T) {
	cell := &testutil.FakeCellManager{Self: "n1", Peers: []string{"n1"}, Quorum: 1}
	tr := NewTracker(cell, peer.Epoch{ID: 1}, Config{CheckPeriod: 5 * time.Millisecond, Timeout: time.Second}, nil)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	require.Eventually(t, tr.IsLeaseValid, time.Second, time.Millisecond)
}

func TestTrackerNonVotingPeerAckDoesNotCountTowardQuorum(t *testing.T) {
	cell := &testutil.FakeCellManager{
		Self:   "n1",
		Peers:  []string{"n1", "n2", "n3"},
		Voting: map[string]bool{"n1": true, "n2": true, "n3": false},
		Quorum: 2,
		Clients: map[string]peer.Client{
			"n2": &testutil.FakeClient{
				PingFollowerFn: func(ctx context.Context, req peer.PingFollowerRequest) (peer.PingFollowerResponse, error) {
					return peer.PingFollowerResponse{}, peer.NewError(peer.CodeUnavailable, "down")
				},
			},
			"n3": &testutil.FakeClient{
				PingFollowerFn: func(ctx context.Context, req peer.PingFollowerRequest) (peer.PingFollowerResponse, error) {
					return peer.PingFollowerResponse{State: peer.StateFollowing}, nil
				},
			},
		},
	}
	tr := NewTracker(cell, peer.Epoch{ID: 1}, Config{CheckPeriod: 5 * time.Millisecond, Timeout: time.Second}, nil)
	defer tr.Close()

	lost := make(chan struct{}, 1)
	tr.OnLeaseLost = func() { select { case lost <- struct{}{}: default: } }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("non-voting n3's ack must not mask the missing voting majority")
	}
}

func TestTrackerActivateSkipsGraceDelayWhenDisabled(t *testing.T) {
	cell := &testutil.FakeCellManager{Self: "n1", Peers: []string{"n1"}, Quorum: 1}
	tr := NewTracker(cell, peer.Epoch{ID: 1}, Config{DisableGraceDelay: true, GraceDelay: time.Hour}, nil)
	defer tr.Close()

	done := make(chan error, 1)
	go func() { done <- tr.Activate(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Activate should return immediately when grace delay is disabled")
	}
}

func TestTrackerCloseInvalidatesLease(t *testing.T) {
	cell := &testutil.FakeCellManager{Self: "n1", Peers: []string{"n1"}, Quorum: 1}
	tr := NewTracker(cell, peer.Epoch{ID: 1}, Config{CheckPeriod: 5 * time.Millisecond, Timeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)
	require.Eventually(t, tr.IsLeaseValid, time.Second, time.Millisecond)

	tr.Close()
	require.False(t, tr.IsLeaseValid())
}
