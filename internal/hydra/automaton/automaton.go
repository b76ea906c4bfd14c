// Package automaton wraps a user-supplied state machine with the guard,
// logging, and snapshot-orchestration machinery the hydra core needs to
// apply mutations deterministically (spec §4.3).
package automaton

import (
	"io"

	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
)

// RecoveryAction tells the recovery driver what extra work, if any, is
// needed before a peer with an automaton built under an older reign can
// rejoin (spec glossary: "Automaton (user): get_action_to_recover_from_reign").
type RecoveryAction int

const (
	// RecoveryActionNone means the automaton can resume normally.
	RecoveryActionNone RecoveryAction = iota
	// RecoveryActionBuildSnapshotAndRestart means the automaton's
	// on-disk representation changed incompatibly with its current
	// reign and a fresh snapshot must be built before restarting.
	RecoveryActionBuildSnapshotAndRestart
)

// Automaton is the user-supplied state machine hydra replicates. Its
// methods are only ever invoked from the decorated automaton's guarded
// contexts: ApplyMutation from a user guard, everything else from a system
// guard (spec §4.3).
type Automaton interface {
	// SaveSnapshot writes the automaton's full state to w. Called
	// synchronously by the no-fork builder (must not suspend) or inside
	// a forked helper process.
	SaveSnapshot(w io.Writer) error
	// LoadSnapshot replaces the automaton's state with what was
	// serialized to a matching SaveSnapshot call.
	LoadSnapshot(r io.Reader) error
	// ApplyMutation applies one mutation's logged effect and returns the
	// bytes for the commit response, if any, and the outcome error. A
	// non-nil error is fatal to the cell's determinism (spec §7): every
	// peer must either succeed or fail identically on the same
	// mutation.
	ApplyMutation(ctx *mutation.Context) ([]byte, error)
	// Clear resets the automaton to an empty, not-yet-initialized state,
	// called before loading a snapshot or rebuilding from scratch.
	Clear()
	// SetZeroState initializes the automaton's state for a brand new
	// cell with no prior snapshot or changelog.
	SetZeroState()
	// GetCurrentReign reports the code version that produced the
	// automaton's in-memory state.
	GetCurrentReign() uint32
	// GetActionToRecoverFromReign reports what extra recovery work is
	// needed when loading state produced under a different reign.
	GetActionToRecoverFromReign(reign uint32) RecoveryAction
}
