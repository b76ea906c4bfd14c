// Package errkind implements the error-kind taxonomy of the engine (spec
// §7). Errors are tagged by kind, not by concrete type, so that callers
// across RPC boundaries can make retry/restart decisions without depending
// on a specific error value.
package errkind

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind identifies the category of a hydra error.
type Kind int

const (
	// Unknown is the zero value; a plain error with no assigned kind.
	Unknown Kind = iota
	// Unavailable is transient: the caller should retry, possibly on
	// another peer. Raised for "not leader", "read-only", "follower not
	// recovered", "lease lost", "peer restarting".
	Unavailable
	// InvalidEpoch means the RPC's epoch id no longer matches the
	// recipient's current epoch; the caller must rediscover leadership.
	InvalidEpoch
	// InvalidVersion means the version implied by the RPC disagrees with
	// the recipient's logged version; a restart is triggered locally.
	InvalidVersion
	// OutOfOrderMutations means a follower received a gap.
	OutOfOrderMutations
	// BrokenChangelog means a non-tail record failed verification; fatal.
	BrokenChangelog
	// MaybeCommitted means a commit whose durability cannot be determined
	// because the epoch ended mid-flight.
	MaybeCommitted
	// NoSuchChangelog is a storage lookup miss for a changelog segment.
	NoSuchChangelog
	// NoSuchSnapshot is a storage lookup miss for a snapshot.
	NoSuchSnapshot
	// ChangelogIOError is a file-level I/O failure; latches the offending
	// changelog into a failed state.
	ChangelogIOError
	// InvalidSnapshotVersion means a snapshot is older than the automaton
	// supports.
	InvalidSnapshotVersion
	// ReadOnly means the target is in read-only mode and cannot accept
	// new mutations.
	ReadOnly
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "Unavailable"
	case InvalidEpoch:
		return "InvalidEpoch"
	case InvalidVersion:
		return "InvalidVersion"
	case OutOfOrderMutations:
		return "OutOfOrderMutations"
	case BrokenChangelog:
		return "BrokenChangelog"
	case MaybeCommitted:
		return "MaybeCommitted"
	case NoSuchChangelog:
		return "NoSuchChangelog"
	case NoSuchSnapshot:
		return "NoSuchSnapshot"
	case ChangelogIOError:
		return "ChangelogIOError"
	case InvalidSnapshotVersion:
		return "InvalidSnapshotVersion"
	case ReadOnly:
		return "ReadOnly"
	default:
		return "Unknown"
	}
}

// Error is a kind-tagged error. Use New or Wrap to construct one; use Of to
// extract the kind from an arbitrary error.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns e's kind.
func (e *Error) Kind() Kind { return e.kind }

// New creates a new kind-tagged error with the given message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a new kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind, preserving it as the cause.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Of returns the Kind of err, or Unknown if err was not produced by this
// package (directly or wrapped).
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// GRPCCode maps a Kind onto the closest standard gRPC status code, for
// components that surface errors over the §6 RPC surface.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case Unavailable:
		return codes.Unavailable
	case InvalidEpoch, InvalidVersion, OutOfOrderMutations, InvalidSnapshotVersion:
		return codes.FailedPrecondition
	case BrokenChangelog, ChangelogIOError:
		return codes.Internal
	case MaybeCommitted:
		return codes.Unknown
	case NoSuchChangelog, NoSuchSnapshot:
		return codes.NotFound
	case ReadOnly:
		return codes.FailedPrecondition
	default:
		return codes.Unknown
	}
}
