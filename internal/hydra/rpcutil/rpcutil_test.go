package rpcutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/liftbridge-io/hydra/internal/hydra/peer"
)

func TestToStatusMapsUnavailable(t *testing.T) {
	err := peer.NewError(peer.CodeUnavailable, "not leader")
	st := ToStatus(err)
	require.Equal(t, codes.Unavailable, st.Code())
}

func TestToStatusMapsInvalidEpochToFailedPrecondition(t *testing.T) {
	err := peer.NewError(peer.CodeInvalidEpoch, "epoch mismatch")
	st := ToStatus(err)
	require.Equal(t, codes.FailedPrecondition, st.Code())
}

func TestToStatusDefaultsUntaggedErrorsToUnavailable(t *testing.T) {
	st := ToStatus(errPlain("boom"))
	require.Equal(t, codes.Unavailable, st.Code())
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
