package changelog

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// indexEntry is one sparse index entry: the record id found at the start of
// an index block and its byte offset in the segment file. Size holds the
// on-disk size (header + payload + padding) of the record just before that
// offset when written by Append, and 0 when rebuilt while opening a segment;
// lookups use only RecordID and FilePosition.
type indexEntry struct {
	RecordID     int32
	FilePosition int64
	Size         int32
}

const indexEntrySize = 4 + 8 + 4

// sparseIndex is the in-memory mirror of a segment's ".index" sibling file:
// one entry roughly every indexBlockSize bytes of records (spec §3: "one
// per indexing interval (~1 MiB of records)").
type sparseIndex struct {
	path    string
	entries []indexEntry // sorted by RecordID ascending
}

func openIndex(path string) (*sparseIndex, error) {
	idx := &sparseIndex{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read index file failed")
	}
	for off := 0; off+indexEntrySize <= len(data); off += indexEntrySize {
		e := indexEntry{
			RecordID:     int32(binary.BigEndian.Uint32(data[off : off+4])),
			FilePosition: int64(binary.BigEndian.Uint64(data[off+4 : off+12])),
			Size:         int32(binary.BigEndian.Uint32(data[off+12 : off+16])),
		}
		idx.entries = append(idx.entries, e)
	}
	return idx, nil
}

// append adds an entry to the index, assumed to be appended in increasing
// RecordID order (the only order segment writes ever produce).
func (idx *sparseIndex) append(e indexEntry) {
	idx.entries = append(idx.entries, e)
}

// truncate drops every entry whose RecordID is >= recordCount.
func (idx *sparseIndex) truncate(recordCount int32) {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].RecordID >= recordCount
	})
	idx.entries = idx.entries[:i]
}

// lookup finds the sparse index entry at or immediately before
// firstID, returning (entry, true), or (zero, false) if firstID precedes
// every indexed entry (the caller should then start scanning from the
// first record in the file).
func (idx *sparseIndex) lookup(firstID int32) (indexEntry, bool) {
	if len(idx.entries) == 0 {
		return indexEntry{}, false
	}
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].RecordID > firstID
	})
	if i == 0 {
		return indexEntry{}, false
	}
	return idx.entries[i-1], true
}

// flush writes the index to disk. It goes through an atomic
// write-to-temp-then-rename (the same natefinch/atomic helper the snapshot
// writer's Commit uses) so a crash mid-flush never leaves a truncated
// index file behind for openIndex to misread.
func (idx *sparseIndex) flush() error {
	buf := make([]byte, 0, len(idx.entries)*indexEntrySize)
	for _, e := range idx.entries {
		var b [indexEntrySize]byte
		binary.BigEndian.PutUint32(b[0:4], uint32(e.RecordID))
		binary.BigEndian.PutUint64(b[4:12], uint64(e.FilePosition))
		binary.BigEndian.PutUint32(b[12:16], uint32(e.Size))
		buf = append(buf, b[:]...)
	}
	if err := atomicfile.WriteFile(idx.path, bytes.NewReader(buf)); err != nil {
		return errors.Wrap(err, "write index file failed")
	}
	return nil
}
