// Package election is the thin hashicorp/raft adapter that stands in for
// the "election module that nominates leaders" spec.md treats as an
// external collaborator (spec §1, §4.10 external signals
// start_leading/stop_leading/start_following/stop_following). Raft decides
// who leads a cell; the adapter translates its leadership-change
// notifications into calls on a hydra.Manager. Raft's own log never
// carries mutation data — that is the engine's own changelog's job — it
// only orders the election itself, the same division of labor
// metadata.go's raft-backed control plane uses one layer up from the
// stream data path it coordinates.
package election

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"

	"github.com/liftbridge-io/hydra/internal/hydra/hydra"
	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
)

// Peer is one member of the raft configuration.
type Peer struct {
	ID   string
	Addr string
}

// Options configures the raft adapter.
type Options struct {
	DataDir  string
	BindAddr string
	Self     Peer
	Peers    []Peer // full voting configuration, including Self
	Bootstrap bool  // true on exactly one peer the first time a cell is formed
}

// nopFSM satisfies raft.FSM without replicating anything through the raft
// log: elections are the only thing raft orders here.
type nopFSM struct{}

func (nopFSM) Apply(*raft.Log) interface{}       { return nil }
func (nopFSM) Snapshot() (raft.FSMSnapshot, error) { return nopSnapshot{}, nil }
func (nopFSM) Restore(io.ReadCloser) error       { return nil }

type nopSnapshot struct{}

func (nopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (nopSnapshot) Release()                             {}

// Adapter drives a hydra.Manager's leading/following signals from raft
// leadership changes.
type Adapter struct {
	raft   *raft.Raft
	mgr    *hydra.Manager
	cell   peer.CellManager
	selfID string
	log    logger.Logger

	mu       sync.Mutex
	term     uint64
	leading  bool
	cancel   context.CancelFunc
}

// New opens (or creates) the raft node's on-disk log/stable/snapshot
// stores under opts.DataDir, binds its transport to opts.BindAddr, and, if
// opts.Bootstrap is set, seeds the initial voting configuration from
// opts.Peers.
func New(opts Options, mgr *hydra.Manager, cell peer.CellManager, log logger.Logger) (*Adapter, error) {
	if log == nil {
		log = logger.NewLogger(0)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.Self.ID)

	logStore, err := raftboltdb.NewBoltStore(opts.DataDir + "/raft-log.bolt")
	if err != nil {
		return nil, errors.Wrap(err, "open raft log store failed")
	}
	stableStore, err := raftboltdb.NewBoltStore(opts.DataDir + "/raft-stable.bolt")
	if err != nil {
		return nil, errors.Wrap(err, "open raft stable store failed")
	}
	snapStore, err := raft.NewFileSnapshotStore(opts.DataDir, 2, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open raft snapshot store failed")
	}

	addr, err := net.ResolveTCPAddr("tcp", opts.BindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve raft bind address failed")
	}
	transport, err := raft.NewTCPTransport(opts.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create raft transport failed")
	}
	// When BindAddr asks for an ephemeral port (":0"), the actual bound
	// port is only known once the listener exists; advertise that one so
	// a bootstrapped configuration's self-entry matches what this node
	// will answer dials on.
	localAddr := transport.LocalAddr()

	r, err := raft.NewRaft(cfg, nopFSM{}, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, errors.Wrap(err, "create raft node failed")
	}

	if opts.Bootstrap {
		servers := make([]raft.Server, 0, len(opts.Peers))
		for _, p := range opts.Peers {
			addr := raft.ServerAddress(p.Addr)
			if p.ID == opts.Self.ID {
				addr = localAddr
			}
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(p.ID),
				Address: addr,
			})
		}
		f := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := f.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, errors.Wrap(err, "bootstrap raft cluster failed")
		}
	}

	return &Adapter{raft: r, mgr: mgr, cell: cell, selfID: opts.Self.ID, log: log}, nil
}

// Run watches raft's leadership channel until ctx is canceled, starting and
// stopping the manager's leading/following role on every transition.
func (a *Adapter) Run(ctx context.Context) {
	ch := a.raft.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			a.stopCurrent()
			return
		case isLeader := <-ch:
			a.transition(ctx, isLeader)
		}
	}
}

func (a *Adapter) transition(ctx context.Context, isLeader bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.leading == isLeader && a.cancel != nil {
		return
	}
	a.stopCurrentLocked()

	a.term++
	term := a.term
	epochCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.leading = isLeader

	if isLeader {
		a.log.Infof("election: %s granted leadership by raft, term %d", a.selfID, term)
		if err := a.mgr.StartLeading(epochCtx, a.cell, term); err != nil {
			a.log.Errorf("election: start_leading failed: %v", err)
		}
		return
	}

	_, leaderID := a.raft.LeaderWithID()
	if leaderID == "" {
		a.log.Warnf("election: lost leadership with no known leader yet")
		return
	}
	a.log.Infof("election: following raft leader %s, term %d", leaderID, term)
	if err := a.mgr.StartFollowing(epochCtx, a.cell, string(leaderID), term); err != nil {
		a.log.Errorf("election: start_following failed: %v", err)
	}
}

func (a *Adapter) stopCurrent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopCurrentLocked()
}

func (a *Adapter) stopCurrentLocked() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.cancel = nil
	if a.leading {
		a.mgr.StopLeading()
	} else {
		a.mgr.StopFollowing()
	}
}

// Shutdown tears down the raft node itself.
func (a *Adapter) Shutdown() error {
	return a.raft.Shutdown().Error()
}
