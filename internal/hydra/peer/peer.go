// Package peer defines the RPC surface and cell-membership contracts that
// the committer, checkpoint and lease packages depend on (spec §6, "RPC
// surface (logical)" and "External collaborators"). It declares interfaces
// rather than concrete gRPC stubs so those packages can be built and tested
// against an in-memory fake without depending on generated protobuf code
// (see testutil for the fake used by their tests).
package peer

import (
	"context"

	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// State is the state a peer reports of itself in a ping or accept-mutations
// response.
type State int

const (
	StateStopped State = iota
	StateLeading
	StateFollowing
	StateElsewhere
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateLeading:
		return "leading"
	case StateFollowing:
		return "following"
	case StateElsewhere:
		return "elsewhere"
	default:
		return "unknown"
	}
}

// Code identifies the standard error kinds every RPC response carries
// (spec §6: "All responses carry standard error codes").
type Code int

const (
	CodeOK Code = iota
	CodeUnavailable
	CodeInvalidEpoch
	CodeInvalidVersion
	CodeOutOfOrderMutations
	CodeBrokenChangelog
	CodeReadOnly
	CodeMaybeCommitted
	CodeNoSuchChangelog
)

// Error wraps a Code with a human-readable message, the shape every
// committer/checkpoint/lease failure path branches on.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// NewError constructs an *Error.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// CodeOf unwraps err (if it is or wraps a *Error) to its Code, or
// CodeUnavailable for any other non-nil error.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return CodeUnavailable
}

// Epoch identifies one leadership generation, mirroring the election
// module's external contract (spec §6): a leader_id, an epoch id, a term,
// and a context canceled the instant the epoch ends.
type Epoch struct {
	LeaderID string
	ID       int64
	Term     uint64
	Context  context.Context
}

// Record is the wire shape of one logged mutation carried by
// AcceptMutations, independent of the mutation package's in-process Record
// so that this package never needs to import codec internals.
type Record struct {
	Segment int64
	RecordID int64
	Payload []byte
}

// AcceptMutationsRequest is the accept_mutations RPC request (spec §6).
type AcceptMutationsRequest struct {
	EpochID          int64
	StartVersion     version.Version
	CommittedVersion version.Version
	AlivePeers       []string
	Records          []Record
}

// AcceptMutationsResponse is the accept_mutations RPC response.
type AcceptMutationsResponse struct {
	Logged bool
	State  State
}

// PingFollowerRequest is the ping_follower RPC request.
type PingFollowerRequest struct {
	EpochID          int64
	LoggedVersion    version.Version
	CommittedVersion version.Version
	AlivePeers       []string
}

// PingFollowerResponse is the ping_follower RPC response.
type PingFollowerResponse struct {
	State State
}

// BuildSnapshotRequest is the build_snapshot RPC request.
type BuildSnapshotRequest struct {
	EpochID int64
	Version version.Version
}

// BuildSnapshotResponse is the build_snapshot RPC response.
type BuildSnapshotResponse struct {
	Checksum uint64
}

// RotateChangelogRequest is the rotate_changelog RPC request.
type RotateChangelogRequest struct {
	EpochID int64
	Version version.Version
}

// LookupChangelogResponse is the lookup_changelog RPC response.
type LookupChangelogResponse struct {
	RecordCount int32
}

// ReadChangelogResponse is the read_changelog RPC response.
type ReadChangelogResponse struct {
	Records [][]byte
}

// SyncWithLeaderResponse is the sync_with_leader RPC response.
type SyncWithLeaderResponse struct {
	CommittedVersion version.Version
}

// CommitMutationRequest is the commit_mutation RPC request, used when a
// follower forwards a client mutation to the current leader.
type CommitMutationRequest struct {
	Type    string
	Reign   uint32
	ID      string
	Retry   bool
	Payload []byte
}

// CommitMutationResponse is the commit_mutation RPC response.
type CommitMutationResponse struct {
	Payload []byte
}

// Client is the RPC client surface this cell exposes to one peer (spec §6,
// "RPC surface (logical)"). Every method returns a *Error on failure so
// callers can branch on Code.
type Client interface {
	AcceptMutations(ctx context.Context, req AcceptMutationsRequest) (AcceptMutationsResponse, error)
	PingFollower(ctx context.Context, req PingFollowerRequest) (PingFollowerResponse, error)
	BuildSnapshot(ctx context.Context, req BuildSnapshotRequest) (BuildSnapshotResponse, error)
	RotateChangelog(ctx context.Context, req RotateChangelogRequest) error
	LookupChangelog(ctx context.Context, segmentID int64) (LookupChangelogResponse, error)
	ReadChangelog(ctx context.Context, segmentID int64, first, count int32) (ReadChangelogResponse, error)
	SyncWithLeader(ctx context.Context, epochID int64) (SyncWithLeaderResponse, error)
	CommitMutation(ctx context.Context, req CommitMutationRequest) (CommitMutationResponse, error)
}

// CellManager is the membership contract this cell runs against (spec §6,
// "Cell manager"): who this peer is, how many peers exist and vote, how big
// a quorum is, and how to reach any one of them.
type CellManager interface {
	SelfPeerID() string
	PeerIDs() []string
	TotalPeerCount() int
	VotingPeerCount() int
	QuorumPeerCount() int
	// IsVoting reports whether id counts toward a voting majority (spec
	// §4.8 step 3: "count each voting follower ... non-voting peers never
	// count toward quorum"). Quorum-counting call sites must consult this
	// per peer rather than only sizing the majority threshold by it.
	IsVoting(id string) bool
	PeerChannel(id string) Client
}
