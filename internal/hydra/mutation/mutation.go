// Package mutation defines the request, on-log record, and execution-time
// context types that flow through the commit pipeline and the decorated
// automaton.
package mutation

import (
	"context"

	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// Request is a mutation submitted by a client (or, during replication,
// reconstructed from a logged Record). Reign tags the code version that
// produced it, gating recovery action selection (see automaton's
// GetActionToRecoverFromReign).
type Request struct {
	Type string
	Reign uint32
	Data []byte

	// ID, if set, makes the mutation idempotent: a retried commit with the
	// same ID is deduplicated by the response keeper.
	ID string
	Retry bool

	// Handler, if set, is run directly instead of looking up a registered
	// handler by Type. Used for in-process mutations that close over local
	// state (e.g. metadata operations), mirroring the source's "in-context
	// closure" path.
	Handler func(ctx *Context) ([]byte, error)

	// AllowLeaderForwarding permits a follower committer to transparently
	// forward this request to the current leader instead of rejecting it.
	AllowLeaderForwarding bool

	// Trace carries caller-supplied cancellation/deadline/tracing
	// information; it is never persisted.
	Trace context.Context
}

// Header is the on-log representation of a mutation record's metadata. It
// precedes the request payload in every logged record.
type Header struct {
	Reign          uint32
	Type           string
	ID             string
	Timestamp      int64
	RandomSeed     uint64
	PrevRandomSeed uint64
	SequenceNumber int64
	Term           uint64
	Segment        int64
	Record         int64
}

// Record is the full on-log representation of one mutation: header plus
// request payload. It is what changelog.Segment.Append persists and what
// Segment.Read returns.
type Record struct {
	Header  Header
	Payload []byte
}

// Version returns the (segment, record) version this record occupies.
func (r Record) Version() version.Version {
	return version.Version{Segment: r.Header.Segment, Record: r.Header.Record}
}

// Context is the execution-time scratchpad passed to a mutation handler. A
// deterministic RNG is seeded from RandomSeed before the handler runs; the
// handler's own RNG consumption determines the seed recorded for the next
// mutation (see automaton.Decorated.Apply).
type Context struct {
	Version        version.Version
	Request        *Request
	Timestamp      int64
	RandomSeed     uint64
	PrevRandomSeed uint64
	SequenceNumber int64

	StateHashIn  uint64
	StateHashOut uint64

	ResponseBytes            []byte
	ResponseKeeperSuppressed bool
}
