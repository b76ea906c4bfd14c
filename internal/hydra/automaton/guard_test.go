package automaton

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuardAdmitsConcurrentUsers(t *testing.T) {
	g := NewGuard()
	require.True(t, g.AcquireUser())
	require.True(t, g.AcquireUser())
	require.Equal(t, 2, g.UserCount())
	g.ReleaseUser()
	g.ReleaseUser()
	require.Equal(t, 0, g.UserCount())
}

func TestGuardBarsUsersWhileSystemHeld(t *testing.T) {
	g := NewGuard()
	g.AcquireSystem()
	require.False(t, g.AcquireUser())
	g.ReleaseSystem()
	require.True(t, g.AcquireUser())
	g.ReleaseUser()
}

func TestGuardSystemWaitsForUsersToDrain(t *testing.T) {
	g := NewGuard()
	require.True(t, g.AcquireUser())

	systemAcquired := make(chan struct{})
	go func() {
		g.AcquireSystem()
		close(systemAcquired)
	}()

	select {
	case <-systemAcquired:
		t.Fatal("system guard should not acquire while a user guard is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.ReleaseUser()

	select {
	case <-systemAcquired:
	case <-time.After(time.Second):
		t.Fatal("system guard should acquire once the user guard releases")
	}
	g.ReleaseSystem()
}
