// Package committer implements the leader and follower halves of the
// mutation commit pipeline: assigning a version to a client mutation,
// logging it, replicating it to a quorum, and applying it to the decorated
// automaton once that quorum is reached (spec §4.5, §4.6). It is grounded
// on metadata.go's getRaft().applyOperation(...).Error() "log, then wait for
// replication before answering the client" pattern, generalized from a
// single Raft apply into an explicit batch/quorum/apply pipeline over the
// changelog and peer RPC surface.
package committer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// LeaderOptions configures commit batching and replication timeouts (spec
// §6 "Commit batching": max_commit_batch_duration and
// max_commit_batch_record_count; there is no batch-delay option).
type LeaderOptions struct {
	MaxBatchRecordCount int
	MaxBatchDuration     time.Duration
	ControlRPCTimeout    time.Duration
}

func (o *LeaderOptions) setDefaults() {
	if o.MaxBatchRecordCount <= 0 {
		o.MaxBatchRecordCount = 1000
	}
	if o.MaxBatchDuration <= 0 {
		o.MaxBatchDuration = 10 * time.Millisecond
	}
	if o.ControlRPCTimeout <= 0 {
		o.ControlRPCTimeout = 5 * time.Second
	}
}

type pendingItem struct {
	req         *mutation.Request
	header      mutation.Header
	localFuture *changelog.Future
	resultCh    chan commitResult
}

type commitResult struct {
	ctx *mutation.Context
	err error
}

// Leader commits client mutations on the peer that currently holds the
// lease for an epoch: log locally, replicate to a quorum, then apply (spec
// §4.5).
type Leader struct {
	mu     sync.Mutex
	queue  *changelog.Queue
	auto   *automaton.Decorated
	keeper *automaton.ResponseKeeper
	cell   peer.CellManager
	epoch  peer.Epoch
	opts   LeaderOptions
	log    logger.Logger

	batch       []*pendingItem
	flushSignal chan struct{}
	quiesceCh   chan chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	suspended     bool
	suspendedCond *sync.Cond

	nextVersion    version.Version
	lastRandomSeed uint64

	// OnCommitFailed is invoked (if set) whenever a batch fails to reach
	// quorum; the caller is expected to treat this as a restart trigger
	// (spec §4.5: "commit-failed handling ... restart event").
	OnCommitFailed func(err error)
	// IsLeaseValid, if set, is consulted before every commit; a false
	// result fails the commit immediately with CodeUnavailable instead of
	// logging anything (spec §4.8: "is_lease_valid() ... consulted before
	// every commit-visible operation").
	IsLeaseValid func() bool
}

// NewLeader constructs a Leader that logs into queue and replicates via
// cell. nextVersion is the version the next logged record should carry
// (typically the automaton's committed version at the start of the epoch).
func NewLeader(queue *changelog.Queue, auto *automaton.Decorated, keeper *automaton.ResponseKeeper, cell peer.CellManager, epoch peer.Epoch, nextVersion version.Version, opts LeaderOptions, log logger.Logger) *Leader {
	opts.setDefaults()
	if log == nil {
		log = logger.NewLogger(0)
	}
	l := &Leader{
		queue:          queue,
		auto:           auto,
		keeper:         keeper,
		cell:           cell,
		epoch:          epoch,
		opts:           opts,
		log:            log,
		flushSignal:    make(chan struct{}, 1),
		quiesceCh:      make(chan chan struct{}),
		closed:         make(chan struct{}),
		nextVersion:    nextVersion,
		lastRandomSeed: auto.LastRandomSeed(),
	}
	l.suspendedCond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Queue returns the changelog queue currently being logged into.
func (l *Leader) Queue() *changelog.Queue {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue
}

// SetQueue swaps the changelog queue new commits are logged into, for use
// right after a changelog rotation. Callers must hold the leader suspended
// (via Quiesce) while calling this so no commit is mid-append against the
// old queue.
func (l *Leader) SetQueue(q *changelog.Queue) {
	l.mu.Lock()
	l.queue = q
	l.mu.Unlock()
}

// Suspend stops new commits from being logged until Resume is called; any
// Commit call already waiting for a batch result is unaffected, but any
// later Commit call blocks (spec §4.7 step 2: "suspend local logging").
func (l *Leader) Suspend() {
	l.mu.Lock()
	l.suspended = true
	l.mu.Unlock()
}

// Resume un-suspends logging and wakes any Commit calls blocked on it.
func (l *Leader) Resume() {
	l.mu.Lock()
	l.suspended = false
	l.mu.Unlock()
	l.suspendedCond.Broadcast()
}

// Quiesce suspends logging and forces the current batch (everything
// appended before this call) through to resolution, synchronously (spec
// §4.7 steps 2-3: "suspend local logging ... wait for quorum flush of
// everything previously batched"). The caller is expected to call Resume
// once it has finished whatever required the quiescent window.
func (l *Leader) Quiesce(ctx context.Context) error {
	l.Suspend()
	done := make(chan struct{})
	select {
	case l.quiesceCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return peer.NewError(peer.CodeUnavailable, "committer closed")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the background batch-flush loop.
func (l *Leader) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// CommittedVersion returns the version of the next mutation the automaton
// expects to apply, the value advertised to followers as committed_version.
func (l *Leader) CommittedVersion() version.Version {
	return l.auto.Version()
}

// Commit logs req, replicates it to a quorum of voting peers, and applies
// it once quorum is reached (spec §4.5). It blocks until the owning batch
// resolves or ctx is canceled.
func (l *Leader) Commit(ctx context.Context, req *mutation.Request) (*mutation.Context, error) {
	if req.ID != "" {
		if fut, inFlight := l.keeper.TryBeginRequest(req.ID, req.Retry); inFlight {
			resp, err := fut.Wait()
			return &mutation.Context{ResponseBytes: resp}, err
		}
	}
	if l.IsLeaseValid != nil && !l.IsLeaseValid() {
		if req.ID != "" {
			l.keeper.EndRequest(req.ID, nil, peer.NewError(peer.CodeUnavailable, "lease not valid"))
		}
		return nil, peer.NewError(peer.CodeUnavailable, "lease not valid")
	}

	l.mu.Lock()
	for l.suspended {
		l.suspendedCond.Wait()
	}
	v := l.nextVersion
	l.nextVersion = v.Advance()
	randomSeed := nextRandomSeed(l.lastRandomSeed)
	prevSeed := l.lastRandomSeed
	l.lastRandomSeed = randomSeed

	header := mutation.Header{
		Reign:          req.Reign,
		Type:           req.Type,
		ID:             req.ID,
		Timestamp:      time.Now().UnixNano(),
		RandomSeed:     randomSeed,
		PrevRandomSeed: prevSeed,
		Term:           l.epoch.Term,
		Segment:        v.Segment,
		Record:         v.Record,
	}
	payload := mutation.Marshal(mutation.Record{Header: header, Payload: req.Data})
	localFuture := l.queue.Append(payload)

	item := &pendingItem{req: req, header: header, localFuture: localFuture, resultCh: make(chan commitResult, 1)}
	l.batch = append(l.batch, item)
	shouldFlush := len(l.batch) >= l.opts.MaxBatchRecordCount
	l.mu.Unlock()

	if shouldFlush {
		select {
		case l.flushSignal <- struct{}{}:
		default:
		}
	}

	select {
	case res := <-item.resultCh:
		return res.ctx, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, peer.NewError(peer.CodeUnavailable, "committer closed")
	}
}

func (l *Leader) run() {
	ticker := time.NewTicker(l.opts.MaxBatchDuration)
	defer ticker.Stop()
	for {
		select {
		case <-l.closed:
			return
		case done := <-l.quiesceCh:
			l.flushBatch()
			close(done)
		case <-l.flushSignal:
			l.flushBatch()
		case <-ticker.C:
			l.flushBatch()
		}
	}
}

// flushBatch replicates and applies exactly one batch. Batches are drained
// one at a time by the single run loop goroutine, which is what gives the
// commit pipeline its ordering guarantee: b1's quorum and apply complete
// before b2's flush is ever attempted (spec §5, "Ordering guarantees").
func (l *Leader) flushBatch() {
	l.mu.Lock()
	if len(l.batch) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.batch
	l.batch = nil
	l.mu.Unlock()

	startVersion := version.Version{Segment: batch[0].header.Segment, Record: batch[0].header.Record}
	committedVersion := l.auto.Version()
	alive := l.cell.PeerIDs()

	records := make([]peer.Record, len(batch))
	for i, it := range batch {
		records[i] = peer.Record{
			Segment:  it.header.Segment,
			RecordID: it.header.Record,
			Payload:  mutation.Marshal(mutation.Record{Header: it.header, Payload: it.req.Data}),
		}
	}

	var acked int32 = 1 // self always counts toward quorum
	g := new(errgroup.Group)
	rpcCtx, cancel := context.WithTimeout(context.Background(), l.opts.ControlRPCTimeout)
	defer cancel()

	for _, id := range l.cell.PeerIDs() {
		if id == l.cell.SelfPeerID() {
			continue
		}
		id := id
		g.Go(func() error {
			client := l.cell.PeerChannel(id)
			if client == nil {
				return nil
			}
			resp, err := client.AcceptMutations(rpcCtx, peer.AcceptMutationsRequest{
				EpochID:          l.epoch.ID,
				StartVersion:     startVersion,
				CommittedVersion: committedVersion,
				AlivePeers:       alive,
				Records:          records,
			})
			if err != nil {
				l.log.Warnf("committer: accept_mutations to %s failed: %v", id, err)
				return nil
			}
			if resp.Logged && l.cell.IsVoting(id) {
				atomic.AddInt32(&acked, 1)
			}
			return nil
		})
	}

	localErr := batch[len(batch)-1].localFuture.Wait()
	_ = g.Wait()

	quorumNeeded := l.cell.QuorumPeerCount()
	if localErr != nil || int(acked) < quorumNeeded {
		err := peer.NewError(peer.CodeUnavailable, "commit batch did not reach quorum")
		if localErr != nil {
			err = peer.NewError(peer.CodeUnavailable, "local log flush failed: "+localErr.Error())
		}
		for _, it := range batch {
			if it.req.ID != "" {
				l.keeper.EndRequest(it.req.ID, nil, err)
			}
			it.resultCh <- commitResult{err: err}
		}
		if l.OnCommitFailed != nil {
			l.OnCommitFailed(err)
		}
		return
	}

	for _, it := range batch {
		rec := mutation.Record{Header: it.header, Payload: it.req.Data}
		ctx, applyErr := l.auto.Apply(rec, it.req)
		var resp []byte
		if ctx != nil {
			resp = ctx.ResponseBytes
		}
		if it.req.ID != "" {
			l.keeper.EndRequest(it.req.ID, resp, applyErr)
		}
		it.resultCh <- commitResult{ctx: ctx, err: applyErr}
	}
}

// nextRandomSeed deterministically derives the seed a newly logged record
// should carry from the previous record's seed, chaining mutation.Rand the
// way the decorated automaton later folds logged seeds into its running
// state hash.
func nextRandomSeed(prevSeed uint64) uint64 {
	r := mutation.NewRand(prevSeed)
	r.Uint64()
	return r.NextSeed(prevSeed)
}
