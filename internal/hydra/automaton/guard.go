package automaton

import "sync"

// Guard implements the two-counter user/system lock scheme of spec §4.3:
// a user guard increments user_lock iff system_lock == 0, else fails; a
// system guard increments system_lock and spin-waits until user_lock == 0.
// This admits concurrent user work while giving the system (recovery,
// snapshot attach, automaton clear) exclusive access on demand. A plain
// sync.RWMutex cannot express "bar new readers while draining existing
// ones without itself blocking the drainer," so this pairs a mutex with a
// condition variable instead.
type Guard struct {
	mu         sync.Mutex
	cond       *sync.Cond
	userLock   int
	systemLock int
}

// NewGuard constructs a ready-to-use Guard.
func NewGuard() *Guard {
	g := &Guard{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// AcquireUser increments user_lock and returns true, unless a system guard
// currently holds exclusive access, in which case it returns false without
// blocking.
func (g *Guard) AcquireUser() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.systemLock != 0 {
		return false
	}
	g.userLock++
	return true
}

// ReleaseUser releases a previously acquired user guard.
func (g *Guard) ReleaseUser() {
	g.mu.Lock()
	g.userLock--
	if g.userLock == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// AcquireSystem increments system_lock, barring any further AcquireUser
// calls from succeeding, then blocks until every already-admitted user
// guard has released.
func (g *Guard) AcquireSystem() {
	g.mu.Lock()
	g.systemLock++
	for g.userLock != 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// ReleaseSystem releases a previously acquired system guard, admitting new
// user guards again once the count reaches zero.
func (g *Guard) ReleaseSystem() {
	g.mu.Lock()
	g.systemLock--
	g.mu.Unlock()
}

// UserCount returns the number of currently admitted user guards, for
// tests and diagnostics.
func (g *Guard) UserCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userLock
}
