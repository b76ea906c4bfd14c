package automaton

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// ErrDroppedBySystemGuard is returned by Apply when a system guard (e.g. a
// concurrent snapshot build or automaton clear) currently holds exclusive
// access; the caller is expected to drop the mutation silently, matching
// the "guarded user invoker" default behavior (spec §4.3).
var ErrDroppedBySystemGuard = errors.New("automaton: dropped, system guard held")

// ErrUnexpectedVersion is returned by Apply when a record's version is
// neither the next record in the current segment nor the first record of a
// rotation.
var ErrUnexpectedVersion = errors.New("automaton: mutation version is not a valid successor of automaton_version")

// Handler applies one mutation type's logged effect.
type Handler func(ctx *mutation.Context) ([]byte, error)

// Decorated owns and guards a user Automaton: it exposes guarded invokers
// that block (or drop) work when internal consistency is at risk, logs
// mutations, orchestrates snapshot building, and supplies deterministic
// inputs to handlers (spec §4.3).
type Decorated struct {
	mu sync.Mutex

	inner Automaton
	guard *Guard
	log   logger.Logger

	handlers       map[string]Handler
	defaultHandler Handler

	keeper *ResponseKeeper

	automatonVersion version.Version
	sequenceNumber   int64
	randomSeed       uint64
	timestamp        int64
	stateHash        uint64
	lastMutationTerm uint64

	pendingSnapshotTrigger int64 // sequence number, or -1 if none pending
	onSnapshotTrigger      func(seq int64)
}

// NewDecorated wraps inner with the guard, response keeper, and mutation
// dispatch machinery. The default handler for any type without a
// registered Handler is inner.ApplyMutation itself.
func NewDecorated(inner Automaton, keeper *ResponseKeeper, log logger.Logger) *Decorated {
	if log == nil {
		log = logger.NewLogger(0)
	}
	d := &Decorated{
		inner:                  inner,
		guard:                  NewGuard(),
		log:                    log,
		handlers:               make(map[string]Handler),
		keeper:                 keeper,
		automatonVersion:       version.Zero,
		pendingSnapshotTrigger: -1,
	}
	d.defaultHandler = func(ctx *mutation.Context) ([]byte, error) {
		return inner.ApplyMutation(ctx)
	}
	return d
}

// RegisterHandler registers a handler for mutations logged with the given
// type, overriding the default dispatch to inner.ApplyMutation. Used for
// hydra-internal control mutations that never reach the user automaton.
func (d *Decorated) RegisterHandler(typ string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

// SetSnapshotTrigger arms a one-shot snapshot build at the given sequence
// number (spec §4.3 step 7). onTrigger is invoked synchronously from
// inside Apply once that sequence number is reached; it is expected to
// hand off to a snapshot builder asynchronously rather than block.
func (d *Decorated) SetSnapshotTrigger(seq int64, onTrigger func(seq int64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingSnapshotTrigger = seq
	d.onSnapshotTrigger = onTrigger
}

// Guard exposes the underlying two-counter guard for callers (recovery,
// checkpointer) that need a system guard around automaton-clearing work.
func (d *Decorated) Guard() *Guard {
	return d.guard
}

// Version returns the automaton's current version.
func (d *Decorated) Version() version.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.automatonVersion
}

// StateHash returns the automaton's current running state hash and the
// sequence number it was computed at, used by the determinism audit.
func (d *Decorated) StateHash() (seq int64, hash uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sequenceNumber, d.stateHash
}

// LastRandomSeed returns the random seed carried by the most recently
// applied mutation, the value a committer chains the next logged record's
// PrevRandomSeed from.
func (d *Decorated) LastRandomSeed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.randomSeed
}

// Seed installs state recovered from a snapshot or the zero state; callers
// must hold a system guard (via d.Guard().AcquireSystem()) while calling
// this.
func (d *Decorated) Seed(v version.Version, sequenceNumber int64, randomSeed, stateHash uint64, timestamp int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.automatonVersion = v
	d.sequenceNumber = sequenceNumber
	d.randomSeed = randomSeed
	d.stateHash = stateHash
	d.timestamp = timestamp
}

// Apply applies one logged mutation record under a user guard (spec §4.3
// "Applying a mutation"). It verifies the record's version is a valid
// successor of automaton_version, dispatches to a registered handler (or
// the request's in-context closure, or the default user-automaton
// handler), folds the emitted random seed into the running state hash,
// advances bookkeeping fields, publishes the response to the response
// keeper, and fires the snapshot trigger if this is the sequence number it
// was armed for.
func (d *Decorated) Apply(rec mutation.Record, req *mutation.Request) (*mutation.Context, error) {
	if !d.guard.AcquireUser() {
		return nil, ErrDroppedBySystemGuard
	}
	defer d.guard.ReleaseUser()

	d.mu.Lock()
	current := d.automatonVersion
	recVersion := rec.Version()
	if recVersion != current && recVersion != current.Rotate() {
		d.mu.Unlock()
		return nil, errors.Wrapf(ErrUnexpectedVersion, "automaton_version=%s record_version=%s", current, recVersion)
	}
	d.automatonVersion = recVersion.Advance()

	ctx := &mutation.Context{
		Version:        recVersion,
		Request:        req,
		Timestamp:      rec.Header.Timestamp,
		RandomSeed:     rec.Header.RandomSeed,
		PrevRandomSeed: rec.Header.PrevRandomSeed,
		SequenceNumber: d.sequenceNumber,
		StateHashIn:    d.stateHash,
	}

	var handler Handler
	switch {
	case req != nil && req.Handler != nil:
		handler = req.Handler
	default:
		if h, ok := d.handlers[rec.Header.Type]; ok {
			handler = h
		} else {
			handler = d.defaultHandler
		}
	}
	d.mu.Unlock()

	respBytes, applyErr := handler(ctx)
	ctx.ResponseBytes = respBytes

	d.mu.Lock()
	defer d.mu.Unlock()

	newHash := mutation.CombineStateHash(d.stateHash, rec.Header.RandomSeed)
	d.stateHash = newHash
	ctx.StateHashOut = newHash

	d.timestamp = rec.Header.Timestamp
	d.sequenceNumber++
	d.randomSeed = rec.Header.RandomSeed
	d.lastMutationTerm = rec.Header.Term

	if rec.Header.ID != "" && !ctx.ResponseKeeperSuppressed && d.keeper != nil {
		d.keeper.Put(rec.Header.ID, respBytes)
	}

	if d.pendingSnapshotTrigger >= 0 && d.sequenceNumber == d.pendingSnapshotTrigger {
		trigger := d.onSnapshotTrigger
		seq := d.sequenceNumber
		d.pendingSnapshotTrigger = -1
		d.onSnapshotTrigger = nil
		if trigger != nil {
			trigger(seq)
		}
	}

	return ctx, applyErr
}

// Clear resets the wrapped automaton under a system guard, for use before
// loading a snapshot.
func (d *Decorated) Clear() {
	d.guard.AcquireSystem()
	defer d.guard.ReleaseSystem()
	d.inner.Clear()
}

// SetZeroState initializes a brand new cell's automaton under a system
// guard.
func (d *Decorated) SetZeroState() {
	d.guard.AcquireSystem()
	defer d.guard.ReleaseSystem()
	d.inner.SetZeroState()
	d.mu.Lock()
	d.automatonVersion = version.Zero
	d.sequenceNumber = 0
	d.randomSeed = 0
	d.stateHash = 0
	d.timestamp = 0
	d.mu.Unlock()
}

// Inner returns the wrapped user automaton, for the snapshot builders.
func (d *Decorated) Inner() Automaton {
	return d.inner
}
