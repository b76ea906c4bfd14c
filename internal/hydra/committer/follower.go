package committer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// FollowerOptions configures a Follower's outbound forwarding timeout.
type FollowerOptions struct {
	ControlRPCTimeout time.Duration
}

func (o *FollowerOptions) setDefaults() {
	if o.ControlRPCTimeout <= 0 {
		o.ControlRPCTimeout = 5 * time.Second
	}
}

type suspendedBatch struct {
	startVersion     version.Version
	committedVersion version.Version
	records          []peer.Record
}

// Follower is the accept_mutations and commit-forwarding half of the commit
// pipeline (spec §4.6): it logs and applies records a leader replicates to
// it, rejecting anything out of sequence, and forwards client mutations it
// cannot itself commit back to the leader. It is grounded on
// commitlog.Partition.AppendMessageSet's "append whatever the leader sends,
// in order" replica role, generalized to also drive application through the
// decorated automaton.
type Follower struct {
	mu         sync.Mutex
	queue      *changelog.Queue
	store      *changelog.Store
	dispatcher *changelog.Dispatcher
	queueOpts  changelog.QueueOptions
	auto       *automaton.Decorated
	cell       peer.CellManager
	epoch      peer.Epoch
	opts       FollowerOptions
	log        logger.Logger

	suspended      bool
	pendingBatches []suspendedBatch
	nextVersion    version.Version

	// committedVersion is the highest committed_version this follower has
	// seen advertised by the leader (spec §4.6: a follower logs a mutation
	// immediately but defers applying it until committed_version covers
	// it). pendingApply holds logged records whose version is still beyond
	// it, oldest first.
	committedVersion version.Version
	pendingApply     []mutation.Record
}

// NewFollower constructs a Follower logging into queue at nextVersion,
// applying accepted records to auto. store and dispatcher, if non-nil, are
// used to service rotate_changelog requests (RotateChangelog); queueOpts
// configures the Queue built around the segment each rotation creates.
func NewFollower(queue *changelog.Queue, store *changelog.Store, dispatcher *changelog.Dispatcher, queueOpts changelog.QueueOptions, auto *automaton.Decorated, cell peer.CellManager, epoch peer.Epoch, nextVersion version.Version, opts FollowerOptions, log logger.Logger) *Follower {
	opts.setDefaults()
	if log == nil {
		log = logger.NewLogger(0)
	}
	return &Follower{
		queue:       queue,
		store:       store,
		dispatcher:  dispatcher,
		queueOpts:   queueOpts,
		auto:        auto,
		cell:        cell,
		epoch:       epoch,
		opts:        opts,
		log:         log,
		nextVersion: nextVersion,
	}
}

// RotateChangelog implements the rotate_changelog RPC handler (spec §4.7
// step 4): it rotates the local changelog store and swaps in a queue over
// the new segment. Callers are expected to have suspended this follower
// first so no accept_mutations call races the rotation.
func (f *Follower) RotateChangelog(ctx context.Context, req peer.RotateChangelogRequest) error {
	if req.EpochID != f.epoch.ID {
		return peer.NewError(peer.CodeInvalidEpoch, "epoch mismatch")
	}
	if f.store == nil {
		return peer.NewError(peer.CodeUnavailable, "no changelog store configured")
	}
	next, err := f.store.Rotate()
	if err != nil {
		return peer.NewError(peer.CodeBrokenChangelog, "rotate failed: "+err.Error())
	}
	newQueue := changelog.NewQueue(next, f.queueOpts)
	f.mu.Lock()
	old := f.queue
	f.queue = newQueue
	f.mu.Unlock()
	if f.dispatcher != nil {
		f.dispatcher.Register(newQueue)
		if old != nil {
			f.dispatcher.Unregister(old)
		}
	}
	return nil
}

// NextVersion returns the version this follower next expects to log.
func (f *Follower) NextVersion() version.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextVersion
}

// Suspend stops this follower from logging accept_mutations requests
// in-line: instead it pends them for replay once Resume is called,
// matching the leader-orchestrated rotation protocol (spec §4.7 step 2:
// "suspend local logging").
func (f *Follower) Suspend() {
	f.mu.Lock()
	f.suspended = true
	f.mu.Unlock()
}

// Resume un-suspends logging and replays every batch pended while
// suspended, in the order they arrived.
func (f *Follower) Resume() error {
	f.mu.Lock()
	pending := f.pendingBatches
	f.pendingBatches = nil
	f.suspended = false
	f.mu.Unlock()

	for _, b := range pending {
		f.mu.Lock()
		expected := f.nextVersion
		f.mu.Unlock()
		if b.startVersion != expected {
			return peer.NewError(peer.CodeOutOfOrderMutations,
				fmt.Sprintf("replay expected %s got %s", expected, b.startVersion))
		}
		f.NoteCommittedVersion(b.committedVersion)
		if err := f.logAndApply(b.records); err != nil {
			return err
		}
	}
	return nil
}

// AcceptMutations implements the accept_mutations RPC handler (spec §4.6):
// it rejects a request whose start version does not match this follower's
// next expected version, logs and applies the records otherwise, and
// reports Logged true only once the local flush covering them has
// completed.
func (f *Follower) AcceptMutations(ctx context.Context, req peer.AcceptMutationsRequest) (peer.AcceptMutationsResponse, error) {
	if req.EpochID != f.epoch.ID {
		return peer.AcceptMutationsResponse{}, peer.NewError(peer.CodeInvalidEpoch, "epoch mismatch")
	}

	f.mu.Lock()
	if f.suspended {
		f.pendingBatches = append(f.pendingBatches, suspendedBatch{
			startVersion:     req.StartVersion,
			committedVersion: req.CommittedVersion,
			records:          req.Records,
		})
		f.mu.Unlock()
		return peer.AcceptMutationsResponse{Logged: false, State: peer.StateFollowing}, nil
	}
	expected := f.nextVersion
	f.mu.Unlock()

	if req.StartVersion != expected {
		return peer.AcceptMutationsResponse{}, peer.NewError(peer.CodeOutOfOrderMutations,
			fmt.Sprintf("expected %s got %s", expected, req.StartVersion))
	}

	f.NoteCommittedVersion(req.CommittedVersion)
	if err := f.logAndApply(req.Records); err != nil {
		f.log.Warnf("committer: follower log/apply failed: %v", err)
		return peer.AcceptMutationsResponse{Logged: false, State: peer.StateFollowing}, nil
	}
	return peer.AcceptMutationsResponse{Logged: true, State: peer.StateFollowing}, nil
}

// LogAndApply exposes logAndApply for a recovery driver draining mutations
// postponed during a changelog sync (spec §4.9: postponed-mutation replay).
func (f *Follower) LogAndApply(records []peer.Record) error {
	return f.logAndApply(records)
}

func (f *Follower) logAndApply(records []peer.Record) error {
	if len(records) == 0 {
		return nil
	}
	decoded := make([]mutation.Record, 0, len(records))
	f.mu.Lock()
	queue := f.queue
	f.mu.Unlock()
	var last *changelog.Future
	for _, r := range records {
		rec, err := mutation.Unmarshal(r.Payload)
		if err != nil {
			return err
		}
		decoded = append(decoded, rec)
		last = queue.Append(r.Payload)
	}
	if err := last.Wait(); err != nil {
		return err
	}
	f.mu.Lock()
	f.pendingApply = append(f.pendingApply, decoded...)
	f.nextVersion = decoded[len(decoded)-1].Version().Advance()
	f.mu.Unlock()

	f.drainApply()
	return nil
}

// NoteCommittedVersion raises this follower's committed watermark to v, if v
// is newer than what it has already seen, and applies every pending record
// the new watermark now covers. It is called with the leader's advertised
// committed_version from both accept_mutations and ping_follower (spec
// §4.6, §4.8), since either can be the message that finally unblocks a
// record logged earlier.
func (f *Follower) NoteCommittedVersion(v version.Version) {
	f.mu.Lock()
	if f.committedVersion.Less(v) {
		f.committedVersion = v
	}
	f.mu.Unlock()
	f.drainApply()
}

// drainApply applies every pending logged record whose version is covered
// by the current committed watermark, in order, stopping at the first one
// that is not.
func (f *Follower) drainApply() {
	f.mu.Lock()
	committed := f.committedVersion
	i := 0
	for i < len(f.pendingApply) && f.pendingApply[i].Version().Compare(committed) <= 0 {
		i++
	}
	ready := f.pendingApply[:i]
	f.pendingApply = f.pendingApply[i:]
	f.mu.Unlock()

	for _, rec := range ready {
		req := &mutation.Request{Type: rec.Header.Type, ID: rec.Header.ID, Reign: rec.Header.Reign, Data: rec.Payload}
		if _, err := f.auto.Apply(rec, req); err != nil {
			f.log.Errorf("committer: follower apply failed: %v", err)
		}
	}
}

// Forward sends req to the current leader via commit_mutation, for a
// client mutation this follower cannot commit itself (spec §4.6:
// "forward(request)"). It only forwards if the request explicitly allows
// it, otherwise the caller is expected to reject locally with ReadOnly.
func (f *Follower) Forward(ctx context.Context, req *mutation.Request, leaderID string) (*mutation.Context, error) {
	if !req.AllowLeaderForwarding {
		return nil, peer.NewError(peer.CodeReadOnly, "not leader and forwarding not allowed")
	}
	client := f.cell.PeerChannel(leaderID)
	if client == nil {
		return nil, peer.NewError(peer.CodeUnavailable, "no channel to leader")
	}
	rpcCtx, cancel := context.WithTimeout(ctx, f.opts.ControlRPCTimeout)
	defer cancel()
	resp, err := client.CommitMutation(rpcCtx, peer.CommitMutationRequest{
		Type:    req.Type,
		Reign:   req.Reign,
		ID:      req.ID,
		Retry:   req.Retry,
		Payload: req.Data,
	})
	if err != nil {
		return nil, err
	}
	return &mutation.Context{ResponseBytes: resp.Payload}, nil
}
