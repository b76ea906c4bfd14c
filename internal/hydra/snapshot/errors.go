package snapshot

import "github.com/pkg/errors"

// ErrSnapshotExists is returned by Store.NewWriter when a snapshot with the given id
// is already present.
var ErrSnapshotExists = errors.New("snapshot: snapshot already exists")

// ErrSnapshotNotFound is returned when no snapshot with the requested id
// can be located (spec §7 "NoSuchSnapshot").
var ErrSnapshotNotFound = errors.New("snapshot: snapshot not found")

// ErrChecksumMismatch is returned when a snapshot body fails its stored
// checksum on read.
var ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")

// ErrInvalidSnapshotVersion is returned when a snapshot predates what the
// automaton can load (spec §7 "InvalidSnapshotVersion").
var ErrInvalidSnapshotVersion = errors.New("snapshot: snapshot older than automaton supports")

// ErrBuildInProgress is returned when a second build is attempted while one
// is already running (spec §4.4 "a single lock (building_snapshot) prevents
// concurrent builds").
var ErrBuildInProgress = errors.New("snapshot: a build is already in progress")

// ErrNonSuspendingViolation is returned by the no-fork builder's switchable
// output if a write arrives after Suspend but before Resume, which would
// mean the automaton's save routine suspended mid-save (spec §4.4: "the
// switchable output... Once the automaton's save routine completes
// synchronously (no suspension permitted)").
var ErrNonSuspendingViolation = errors.New("snapshot: save routine suspended during the synchronous phase")
