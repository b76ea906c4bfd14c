package snapshot

import "sync/atomic"

// BuildGuard is the single lock preventing concurrent snapshot builds
// (spec §4.4: "A single lock (building_snapshot) prevents concurrent
// builds").
type BuildGuard struct {
	building int32
}

// TryAcquire attempts to begin a build, returning false if one is already
// in progress.
func (g *BuildGuard) TryAcquire() bool {
	return atomic.CompareAndSwapInt32(&g.building, 0, 1)
}

// Release ends the current build.
func (g *BuildGuard) Release() {
	atomic.StoreInt32(&g.building, 0)
}

// InProgress reports whether a build is currently running.
func (g *BuildGuard) InProgress() bool {
	return atomic.LoadInt32(&g.building) == 1
}
