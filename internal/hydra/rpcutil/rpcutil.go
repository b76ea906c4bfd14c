// Package rpcutil bridges the committer/checkpoint/lease packages'
// transport-agnostic peer.Error taxonomy onto the wire-facing error kind
// taxonomy of spec §7, and on to standard gRPC status codes, the same
// pairing metadata.go uses for its own *status.Status returns.
package rpcutil

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/liftbridge-io/hydra/internal/hydra/errkind"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
)

var codeToKind = map[peer.Code]errkind.Kind{
	peer.CodeUnavailable:         errkind.Unavailable,
	peer.CodeInvalidEpoch:        errkind.InvalidEpoch,
	peer.CodeInvalidVersion:      errkind.InvalidVersion,
	peer.CodeOutOfOrderMutations: errkind.OutOfOrderMutations,
	peer.CodeBrokenChangelog:     errkind.BrokenChangelog,
	peer.CodeReadOnly:            errkind.ReadOnly,
	peer.CodeMaybeCommitted:      errkind.MaybeCommitted,
	peer.CodeNoSuchChangelog:     errkind.NoSuchChangelog,
}

// Kind maps a peer.Code onto the corresponding errkind.Kind.
func Kind(code peer.Code) errkind.Kind {
	if k, ok := codeToKind[code]; ok {
		return k
	}
	return errkind.Unknown
}

// ToStatus converts err into a *status.Status suitable for a gRPC handler
// response: a peer.Error is translated through its Code to the matching
// gRPC code via errkind.GRPCCode; any other non-nil error takes the Code
// peer.CodeOf gives untagged errors, Unavailable.
func ToStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	code := peer.CodeOf(err)
	kind := Kind(code)
	grpcCode := errkind.GRPCCode(kind)
	return status.New(grpcCode, err.Error())
}

// WithTimeout derives a child context bounded by d, the pattern every RPC
// call in the committer/checkpoint/lease packages uses around its peer
// channel calls.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
