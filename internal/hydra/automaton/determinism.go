package automaton

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrDeterminismMismatch is the fatal, observable error raised when a
// follower's sampled state hash disagrees with the leader's reported value
// for the same sequence number (spec §4.3 "Determinism audit").
var ErrDeterminismMismatch = errors.New("automaton: state hash mismatch between leader and follower")

// DeterminismAuditor compares a follower's locally computed state_hash
// against samples reported by the leader for the same sequence number,
// at a configurable stride, per spec §4.3: "followers report samples at a
// configurable stride; mismatch is a fatal, observable event."
type DeterminismAuditor struct {
	stride     int64
	onMismatch func(seq int64, leaderHash, localHash uint64)
}

// NewDeterminismAuditor constructs an auditor sampling every stride
// sequence numbers. A stride <= 0 samples every mutation.
func NewDeterminismAuditor(stride int64, onMismatch func(seq int64, leaderHash, localHash uint64)) *DeterminismAuditor {
	if stride <= 0 {
		stride = 1
	}
	return &DeterminismAuditor{stride: stride, onMismatch: onMismatch}
}

// ShouldSample reports whether sequence number seq is one this auditor
// samples.
func (a *DeterminismAuditor) ShouldSample(seq int64) bool {
	return seq%a.stride == 0
}

// Check compares localHash against leaderHash for seq, invoking onMismatch
// and returning ErrDeterminismMismatch on disagreement. It is a no-op
// (returns nil) for sequence numbers this auditor does not sample.
func (a *DeterminismAuditor) Check(seq int64, leaderHash, localHash uint64) error {
	if !a.ShouldSample(seq) {
		return nil
	}
	if leaderHash != localHash {
		if a.onMismatch != nil {
			a.onMismatch(seq, leaderHash, localHash)
		}
		return errors.Wrap(ErrDeterminismMismatch, fmt.Sprintf("seq=%d leader=%x local=%x", seq, leaderHash, localHash))
	}
	return nil
}
