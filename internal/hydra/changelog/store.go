package changelog

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/hydra/internal/hydra/logger"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	Segment SegmentOptions
	Logger  logger.Logger
}

// Store is the on-disk directory of changelog segments: a monotonically
// numbered sequence of files, the tail of which is writable (spec §3/§6:
// "segments named %09d.log, discovered by directory scan on open").
type Store struct {
	mu       sync.RWMutex
	dir      string
	opts     StoreOptions
	log      logger.Logger
	segments []*Segment // ordered by id ascending; segments[len-1] is active
}

// OpenStore scans dir for existing segments, opening each (repairing a torn
// tail on the last one if necessary), or creates a fresh segment 0 if the
// directory is empty. Leftover "*.tmp" files from an aborted snapshot or
// rotation are removed first.
func OpenStore(dir string, opts StoreOptions) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger(0)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create changelog directory failed")
	}
	if err := cleanTmpFiles(dir); err != nil {
		return nil, err
	}

	ids, err := scanSegmentIDs(dir)
	if err != nil {
		return nil, err
	}

	st := &Store{dir: dir, opts: opts, log: opts.Logger}

	if len(ids) == 0 {
		seg, err := CreateSegment(dir, 0, 0, opts.Segment)
		if err != nil {
			return nil, err
		}
		st.segments = append(st.segments, seg)
		return st, nil
	}

	for _, id := range ids {
		seg, err := OpenSegment(dir, id, opts.Segment)
		if err != nil {
			return nil, errors.Wrapf(err, "open segment %d failed", id)
		}
		st.segments = append(st.segments, seg)
	}

	return st, nil
}

func cleanTmpFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read changelog directory failed")
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return errors.Wrap(err, "remove stale tmp file failed")
			}
		}
	}
	return nil
}

func scanSegmentIDs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read changelog directory failed")
	}
	var ids []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		base := strings.TrimSuffix(name, ".log")
		id, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Active returns the current writable (tail) segment.
func (s *Store) Active() *Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments[len(s.segments)-1]
}

// Segment returns the segment with the given id, or ErrSegmentNotFound.
func (s *Store) Segment(id int64) (*Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seg := range s.segments {
		if seg.ID() == id {
			return seg, nil
		}
	}
	return nil, ErrSegmentNotFound
}

// Segments returns every segment currently tracked, ordered ascending by
// id. The caller must not mutate the returned slice.
func (s *Store) Segments() []*Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Append writes payloads to the active segment, continuing its own record
// numbering.
func (s *Store) Append(payloads [][]byte) error {
	active := s.Active()
	return active.Append(active.RecordCount(), payloads)
}

// Rotate seals the active segment and creates a new one after it, carrying
// forward the sealed segment's final record count (spec §4.2/§8: rotation
// with no in-flight mutations is a no-op on the log).
func (s *Store) Rotate() (*Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.segments[len(s.segments)-1]
	if err := active.Flush(); err != nil {
		return nil, err
	}

	next, err := CreateSegment(s.dir, active.ID()+1, active.RecordCount(), s.opts.Segment)
	if err != nil {
		return nil, err
	}
	s.segments = append(s.segments, next)
	s.log.Infof("changelog: rotated to segment %d (prev_record_count=%d)", next.ID(), active.RecordCount())
	return next, nil
}

// RemoveBefore deletes every segment strictly older than keepFromID, e.g.
// once a snapshot covering them has been durably written (spec §4.2
// checkpointer: "old segments are removed once the snapshot covering them
// is durable").
func (s *Store) RemoveBefore(keepFromID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*Segment
	for _, seg := range s.segments {
		if seg.ID() < keepFromID {
			if err := seg.Delete(); err != nil {
				return errors.Wrapf(err, "delete segment %d failed", seg.ID())
			}
			continue
		}
		kept = append(kept, seg)
	}
	s.segments = kept
	return nil
}

// Flush flushes the active segment.
func (s *Store) Flush() error {
	return s.Active().Flush()
}

// Close flushes and closes every tracked segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
