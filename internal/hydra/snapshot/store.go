package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/hydra/internal/hydra/logger"
)

// snapshotFileName returns the zero-padded file name for a snapshot id
// (spec §6: "%09d.snapshot").
func snapshotFileName(id int64) string {
	return fmt.Sprintf("%09d.snapshot", id)
}

// Store is the on-disk directory of numbered, durable snapshots, specified
// by capability set {open_reader, open_writer, latest_id} (spec's closing
// notes on "polymorphism across storage backends"); this is the local
// file-backed implementation.
type Store struct {
	mu  sync.RWMutex
	dir string
	log logger.Logger

	ids []int64 // ascending
}

// OpenStore scans dir for existing *.snapshot files and removes any leftover
// *.tmp files from an aborted build.
func OpenStore(dir string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewLogger(0)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create snapshot directory failed")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot directory failed")
	}

	st := &Store{dir: dir, log: log}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "remove stale snapshot tmp file failed")
			}
			continue
		}
		if !strings.HasSuffix(name, ".snapshot") {
			continue
		}
		base := strings.TrimSuffix(name, ".snapshot")
		id, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue
		}
		st.ids = append(st.ids, id)
	}
	sort.Slice(st.ids, func(i, j int) bool { return st.ids[i] < st.ids[j] })
	return st, nil
}

// LatestID returns the highest snapshot id in the store, and false if the
// store is empty (spec §4.7 recovery: "Ask the snapshot store for the
// latest snapshot id S <= T.segment").
func (s *Store) LatestID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ids) == 0 {
		return 0, false
	}
	return s.ids[len(s.ids)-1], true
}

// LatestIDAtMost returns the highest snapshot id that is <= maxID.
func (s *Store) LatestIDAtMost(maxID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best, ok := int64(0), false
	for _, id := range s.ids {
		if id <= maxID {
			best, ok = id, true
		}
	}
	return best, ok
}

// IDs returns every known snapshot id, ascending.
func (s *Store) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, len(s.ids))
	copy(out, s.ids)
	return out
}

// NewWriter begins a new snapshot build for id. The file is not visible to
// readers (and not returned by LatestID) until Commit succeeds.
func (s *Store) NewWriter(id int64, codec Codec) (*Writer, error) {
	finalPath := filepath.Join(s.dir, snapshotFileName(id))
	if _, err := os.Stat(finalPath); err == nil {
		return nil, ErrSnapshotExists
	}
	return newWriter(s, id, finalPath, codec)
}

// Open returns a reader over snapshot id's decompressed body, and its
// metadata.
func (s *Store) Open(id int64) (*Reader, Metadata, error) {
	path := filepath.Join(s.dir, snapshotFileName(id))
	return openReader(path)
}

// Remove deletes a snapshot from the store (spec §4.2: "old segments are
// removed once the snapshot covering them is durable" implies the inverse
// cleanup on the snapshot side once it is superseded).
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, snapshotFileName(id))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return errors.Wrap(err, "remove snapshot failed")
	}
	kept := s.ids[:0]
	for _, existing := range s.ids {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	s.ids = kept
	return nil
}

func (s *Store) recordCommitted(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		return
	}
	s.ids = append(s.ids, 0)
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
}
