// Package recovery implements the recovery driver (spec §4.9): bringing an
// automaton from whatever state it was left in up to a chosen version by
// loading the newest applicable snapshot and replaying the changelog suffix
// after it. It is grounded on original_source/recovery.cpp's TRecoveryBase
// (RecoverToVersion, SyncChangelog, ReplayChangelog) and TLeaderRecovery /
// TFollowerRecovery split, and on the teacher's commitLog.open() segment
// discovery/replay pattern.
package recovery

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/snapshot"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// ErrMissingSegment is returned when RecoverToVersion needs a changelog
// segment that is neither present locally nor obtainable because no peer
// channel was supplied.
var ErrMissingSegment = errors.New("recovery: required changelog segment is not available locally")

// Driver holds the collaborators shared by leader and follower recovery:
// the changelog store to replay from, the snapshot store to seed from, the
// automaton being recovered, and the response keeper whose cached
// responses Stop purges before a snapshot load (spec §4.9 step 2: "stop
// the response keeper").
type Driver struct {
	store     *changelog.Store
	snapStore *snapshot.Store
	auto      *automaton.Decorated
	keeper    *automaton.ResponseKeeper
	log       logger.Logger

	// LeaderChannel, if set, is consulted during follower recovery to sync
	// a segment against the leader via lookup_changelog/read_changelog
	// (spec §4.9 step 4b). Left nil for leader recovery, where no sync is
	// performed.
	LeaderChannel peer.Client
}

// NewDriver constructs a Driver over store/snapStore/auto/keeper.
func NewDriver(store *changelog.Store, snapStore *snapshot.Store, auto *automaton.Decorated, keeper *automaton.ResponseKeeper, log logger.Logger) *Driver {
	if log == nil {
		log = logger.NewLogger(0)
	}
	return &Driver{store: store, snapStore: snapStore, auto: auto, keeper: keeper, log: log}
}

// RecoverToVersion implements spec §4.9's algorithm: load the newest
// snapshot at or before target.Segment if it is ahead of the automaton's
// current segment, then replay (and, for a follower, sync) every changelog
// segment from the resulting initial id through target.Segment.
func (d *Driver) RecoverToVersion(ctx context.Context, target version.Version, isFollower bool) error {
	if err := d.maybeLoadSnapshot(target); err != nil {
		return errors.Wrap(err, "recovery: snapshot load failed")
	}

	current := d.auto.Version()
	initialID := current.Segment

	for id := initialID; id <= target.Segment; id++ {
		seg, err := d.store.Segment(id)
		if err != nil {
			return errors.Wrapf(err, "recovery: segment %d unavailable", id)
		}

		if isFollower {
			targetRecord := int32(-1)
			if id == target.Segment {
				targetRecord = int32(target.Record)
			}
			if err := d.syncChangelog(ctx, seg, targetRecord); err != nil {
				return errors.Wrapf(err, "recovery: sync segment %d", id)
			}
		}

		if err := seg.Flush(); err != nil {
			return errors.Wrapf(err, "recovery: flush segment %d", id)
		}

		targetRecord := seg.RecordCount()
		if id == target.Segment {
			targetRecord = int32(target.Record)
		}
		if err := d.replayChangelog(seg, id, targetRecord); err != nil {
			return errors.Wrapf(err, "recovery: replay segment %d", id)
		}
	}
	return nil
}

func (d *Driver) maybeLoadSnapshot(target version.Version) error {
	id, ok := d.snapStore.LatestIDAtMost(target.Segment)
	if !ok {
		return nil
	}
	if id <= d.auto.Version().Segment {
		return nil
	}

	d.keeper.Stop()

	reader, meta, err := d.snapStore.Open(id)
	if err != nil {
		return err
	}
	defer reader.Close()

	d.auto.Guard().AcquireSystem()
	defer d.auto.Guard().ReleaseSystem()

	d.auto.Inner().Clear()
	if err := d.auto.Inner().LoadSnapshot(reader); err != nil {
		return err
	}
	d.auto.Seed(version.Version{Segment: id, Record: 0}, meta.SequenceNumber, meta.RandomSeed, meta.StateHash, meta.Timestamp)
	return nil
}

// syncChangelog downloads missing records or truncates redundant ones so
// this follower's local segment matches the leader's, up to targetRecord
// (or the leader's full record count when targetRecord is -1, meaning
// "this is not the final segment of the recovery target") (spec §4.9 step
// 4b).
func (d *Driver) syncChangelog(ctx context.Context, seg *changelog.Segment, targetRecord int32) error {
	if d.LeaderChannel == nil {
		return nil
	}
	resp, err := d.LeaderChannel.LookupChangelog(ctx, seg.ID())
	if err != nil {
		return err
	}
	leaderCount := resp.RecordCount

	local := seg.RecordCount()
	if local > leaderCount {
		if err := seg.Truncate(leaderCount); err != nil {
			return err
		}
		local = leaderCount
	}

	syncTarget := leaderCount
	if targetRecord >= 0 {
		syncTarget = targetRecord
	}
	if local >= syncTarget {
		return nil
	}

	readResp, err := d.LeaderChannel.ReadChangelog(ctx, seg.ID(), local, syncTarget-local)
	if err != nil {
		return err
	}
	if len(readResp.Records) == 0 {
		return nil
	}
	return seg.Append(local, readResp.Records)
}

// replayChangelog applies every record from the automaton's current
// record position up to targetRecord into the automaton, ensuring no
// mutation is applied twice (spec §4.9 step 4d / TRecoveryBase::ReplayChangelog).
func (d *Driver) replayChangelog(seg *changelog.Segment, segmentID int64, targetRecord int32) error {
	current := d.auto.Version()
	if current.Segment != segmentID {
		current = version.Version{Segment: segmentID, Record: 0}
	}
	if current.Record >= int64(targetRecord) {
		return nil
	}

	count := int(int64(targetRecord) - current.Record)
	payloads, err := seg.Read(int32(current.Record), count, 0)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		rec, err := mutation.Unmarshal(payload)
		if err != nil {
			return err
		}
		req := &mutation.Request{Type: rec.Header.Type, ID: rec.Header.ID, Reign: rec.Header.Reign, Data: rec.Payload}
		if _, err := d.auto.Apply(rec, req); err != nil {
			return errors.Wrap(err, "recovery: apply during replay")
		}
	}
	return nil
}

// LeaderRecovery drives recovery for a peer about to start leading: plain
// RecoverToVersion with no sync phase (spec: TLeaderRecovery).
type LeaderRecovery struct {
	driver *Driver
}

// NewLeaderRecovery constructs a LeaderRecovery over driver.
func NewLeaderRecovery(driver *Driver) *LeaderRecovery {
	return &LeaderRecovery{driver: driver}
}

// Run recovers the automaton to target.
func (r *LeaderRecovery) Run(ctx context.Context, target version.Version) error {
	return r.driver.RecoverToVersion(ctx, target, false)
}

type postponedKind int

const (
	postponedMutation postponedKind = iota
	postponedRotation
)

type postponedItem struct {
	kind    postponedKind
	version version.Version
	records []peer.Record
}

// FollowerRecovery drives recovery for a peer about to start following: it
// syncs the changelog against the leader, then drains the postponed queue
// of mutations and rotations the accept_mutations/rotate_changelog
// handlers fed while recovery was in flight (spec: TFollowerRecovery,
// "Follower catch-up").
type FollowerRecovery struct {
	driver *Driver

	mu               sync.Mutex
	postponed        []postponedItem
	committedVersion version.Version

	// LogAndApply appends records to the active changelog queue and applies
	// them, the same operation committer.Follower.logAndApply performs;
	// wired in by whatever owns the follower's queue so this package does
	// not need a changelog.Queue dependency of its own.
	LogAndApply func(records []peer.Record) error
	// RotateChangelog performs a local rotation, mirroring
	// committer.Follower.RotateChangelog.
	RotateChangelog func() error
}

// NewFollowerRecovery constructs a FollowerRecovery that will sync up to
// syncVersion.
func NewFollowerRecovery(driver *Driver, syncVersion version.Version) *FollowerRecovery {
	return &FollowerRecovery{driver: driver, committedVersion: syncVersion}
}

// PostponeMutations records mutations received from the leader while
// recovery is still running, for replay once the sync point is reached.
func (r *FollowerRecovery) PostponeMutations(v version.Version, records []peer.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postponed = append(r.postponed, postponedItem{kind: postponedMutation, version: v, records: records})
}

// PostponeChangelogRotation records a rotation request received while
// recovery is still running.
func (r *FollowerRecovery) PostponeChangelogRotation(v version.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postponed = append(r.postponed, postponedItem{kind: postponedRotation, version: v})
}

// SetCommittedVersion records the latest committed version available at
// the leader. Run does not read it.
func (r *FollowerRecovery) SetCommittedVersion(v version.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committedVersion = v
}

// Run performs the initial sync to syncTarget, then replays the postponed
// queue in order and returns once it is empty. It does not compare the
// automaton's version with the version given to SetCommittedVersion.
func (r *FollowerRecovery) Run(ctx context.Context, syncTarget version.Version) error {
	if err := r.driver.RecoverToVersion(ctx, syncTarget, true); err != nil {
		return err
	}

	for {
		r.mu.Lock()
		if len(r.postponed) == 0 {
			r.mu.Unlock()
			return nil
		}
		item := r.postponed[0]
		r.postponed = r.postponed[1:]
		r.mu.Unlock()

		switch item.kind {
		case postponedMutation:
			if r.LogAndApply != nil {
				if err := r.LogAndApply(item.records); err != nil {
					return errors.Wrap(err, "recovery: postponed mutation replay")
				}
			}
		case postponedRotation:
			if r.RotateChangelog != nil {
				if err := r.RotateChangelog(); err != nil {
					return errors.Wrap(err, "recovery: postponed rotation replay")
				}
			}
		}
	}
}
