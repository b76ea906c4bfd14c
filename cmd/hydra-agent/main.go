// Command hydra-agent boots one hydra cell peer: it opens the local
// changelog and snapshot stores, wires the decorated automaton and commit
// pipeline, and runs the hydra manager's peer state machine until
// terminated. It is grounded on liftbridge's own cmd entrypoint pattern of
// an urfave/cli app whose single Action loads config, opens the server,
// and blocks until signaled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/changelog"
	"github.com/liftbridge-io/hydra/internal/hydra/config"
	"github.com/liftbridge-io/hydra/internal/hydra/election"
	"github.com/liftbridge-io/hydra/internal/hydra/hydra"
	"github.com/liftbridge-io/hydra/internal/hydra/kvautomaton"
	"github.com/liftbridge-io/hydra/internal/hydra/logger"
	"github.com/liftbridge-io/hydra/internal/hydra/peer"
	"github.com/liftbridge-io/hydra/internal/hydra/recovery"
	"github.com/liftbridge-io/hydra/internal/hydra/snapshot"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

func main() {
	if snapshot.IsHelperInvocation(os.Args[1:]) {
		if err := runSnapshotHelper(); err != nil {
			fmt.Fprintln(os.Stderr, "hydra-agent: snapshot helper failed:", err)
			os.Exit(1)
		}
		return
	}

	app := cli.NewApp()
	app.Name = "hydra-agent"
	app.Usage = "run one hydra cell peer"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "changelog-dir", Usage: "overrides changelog_dir"},
		cli.StringFlag{Name: "snapshot-dir", Usage: "overrides snapshot_dir"},
		cli.StringFlag{Name: "id", Value: "n1", Usage: "this peer's id"},
		cli.StringFlag{Name: "peers", Value: "n1", Usage: "comma-separated ids of every peer in the cell; the first is this cell's initial leader"},
		cli.BoolFlag{Name: "raft", Usage: "use a hashicorp/raft election module instead of a fixed leader"},
		cli.StringFlag{Name: "raft-dir", Value: "hydra-data/raft", Usage: "raft log/stable/snapshot store directory"},
		cli.StringFlag{Name: "raft-addr", Usage: "this peer's raft bind address (host:port)"},
		cli.StringFlag{Name: "raft-peers", Usage: "comma-separated id=addr pairs for every peer's raft transport"},
		cli.BoolFlag{Name: "raft-bootstrap", Usage: "seed the initial raft configuration from --raft-peers (run on exactly one peer, once)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "hydra-agent:", err)
		os.Exit(1)
	}
}

// runSnapshotHelper re-bootstraps this peer's state from disk (a re-exec'd
// process shares none of the parent's memory) and saves it down the pipe
// RunHelper hands back, the Go substitute for the source's fork-based
// snapshot builder (spec §4.4).
func runSnapshotHelper() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	log := logger.NewLogger(0)
	store, snapStore, auto, keeper, _, err := bootstrap(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	target := version.Version{Segment: store.Active().ID(), Record: int64(store.Active().RecordCount())}
	driver := recovery.NewDriver(store, snapStore, auto, keeper, log)
	if err := driver.RecoverToVersion(context.Background(), target, false); err != nil {
		return errors.Wrap(err, "recover before snapshot")
	}

	return snapshot.RunHelper(auto.Inner().SaveSnapshot)
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if dir := c.String("changelog-dir"); dir != "" {
		cfg.ChangelogDir = dir
	}
	if dir := c.String("snapshot-dir"); dir != "" {
		cfg.SnapshotDir = dir
	}
	if cfg.ChangelogDir == "" {
		cfg.ChangelogDir = "hydra-data/changelog"
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = "hydra-data/snapshot"
	}

	log := logger.NewLogger(0)

	selfID := c.String("id")
	peerIDs := strings.Split(c.String("peers"), ",")

	store, snapStore, auto, keeper, dispatcher, err := bootstrap(cfg, log)
	if err != nil {
		return errors.Wrap(err, "bootstrap")
	}
	defer store.Close()

	cell := &staticCellManager{self: selfID, peers: peerIDs}
	mgr := hydra.NewManager(store, snapStore, auto, keeper, dispatcher, changelog.QueueOptions{}, cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.Bool("raft") {
		adapter, err := bootstrapElection(c, cell, mgr, log)
		if err != nil {
			return errors.Wrap(err, "start raft election")
		}
		go adapter.Run(ctx)
		defer adapter.Shutdown()
	} else if peerIDs[0] == selfID {
		if err := mgr.StartLeading(ctx, cell, 1); err != nil {
			return errors.Wrap(err, "start leading")
		}
		defer mgr.StopLeading()
	} else {
		if err := mgr.StartFollowing(ctx, cell, peerIDs[0], 1); err != nil {
			return errors.Wrap(err, "start following")
		}
		defer mgr.StopFollowing()
	}

	log.Infof("hydra-agent: %s running as %s", selfID, mgr.GetState())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

// bootstrapElection parses --raft-peers into a raft configuration and
// starts the raft adapter that will drive mgr's leading/following signals.
func bootstrapElection(c *cli.Context, cell peer.CellManager, mgr *hydra.Manager, log logger.Logger) (*election.Adapter, error) {
	selfID := c.String("id")
	bindAddr := c.String("raft-addr")
	if bindAddr == "" {
		return nil, errors.New("--raft-addr is required with --raft")
	}

	raw := c.String("raft-peers")
	if raw == "" {
		return nil, errors.New("--raft-peers is required with --raft")
	}
	var peers []election.Peer
	var self election.Peer
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed --raft-peers entry %q, want id=addr", entry)
		}
		p := election.Peer{ID: parts[0], Addr: parts[1]}
		peers = append(peers, p)
		if p.ID == selfID {
			self = p
		}
	}

	if err := os.MkdirAll(c.String("raft-dir"), 0755); err != nil {
		return nil, errors.Wrap(err, "create raft data directory failed")
	}

	return election.New(election.Options{
		DataDir:   c.String("raft-dir"),
		BindAddr:  bindAddr,
		Self:      self,
		Peers:     peers,
		Bootstrap: c.Bool("raft-bootstrap"),
	}, mgr, cell, log)
}

// bootstrap opens the changelog/snapshot stores and builds the reference
// key-value automaton. Shared between normal startup and the snapshot
// helper re-exec path so both reconstruct identical state from disk.
func bootstrap(cfg *config.Config, log logger.Logger) (*changelog.Store, *snapshot.Store, *automaton.Decorated, *automaton.ResponseKeeper, *changelog.Dispatcher, error) {
	store, err := changelog.OpenStore(cfg.ChangelogDir, changelog.StoreOptions{Logger: log})
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	snapStore, err := snapshot.OpenStore(cfg.SnapshotDir, log)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	keeper := automaton.NewResponseKeeper(4096)
	inner := kvautomaton.New()
	auto := automaton.NewDecorated(inner, keeper, log)
	dispatcher := changelog.NewDispatcher(cfg.ChangelogIO.FlushQuantum, log)
	return store, snapStore, auto, keeper, dispatcher, nil
}

// staticCellManager is the minimal peer.CellManager a single-process demo
// needs: membership is fixed at startup and there is no real network
// transport, in keeping with spec.md's non-goal of "compatibility with any
// specific existing wire protocol" — an embedding application supplies its
// own peer.Client implementations over whatever transport it runs.
type staticCellManager struct {
	self  string
	peers []string
}

func (m *staticCellManager) SelfPeerID() string           { return m.self }
func (m *staticCellManager) PeerIDs() []string             { return m.peers }
func (m *staticCellManager) TotalPeerCount() int           { return len(m.peers) }
func (m *staticCellManager) VotingPeerCount() int          { return len(m.peers) }
func (m *staticCellManager) QuorumPeerCount() int          { return len(m.peers)/2 + 1 }
func (m *staticCellManager) IsVoting(id string) bool       { return true }
func (m *staticCellManager) PeerChannel(id string) peer.Client { return nil }
