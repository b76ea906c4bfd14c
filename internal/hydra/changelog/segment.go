package changelog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tysonmote/gommap"
)

// SegmentOptions configures a Segment's on-disk behavior.
type SegmentOptions struct {
	// IndexBlockSize is the approximate number of record bytes between
	// sparse index entries (spec: "~1 MiB of records").
	IndexBlockSize int64
	// PreallocateSize, if non-zero, grows the file in this many bytes at a
	// time ahead of the write cursor.
	PreallocateSize int64
	// EnableSync forces fdatasync-equivalent durability on Flush. Tests
	// disable this to avoid paying real fsync latency.
	EnableSync bool
	// UseUUID selects the v5 header/record layout (carries a segment
	// uuid). v4 is supported for Open only, never produced by Create.
	UseUUID bool
}

func (o SegmentOptions) withDefaults() SegmentOptions {
	if o.IndexBlockSize == 0 {
		o.IndexBlockSize = 1 << 20
	}
	return o
}

// segmentFileName returns the zero-padded log file name for id (spec §6:
// "%09d.log").
func segmentFileName(id int64) string {
	return fmt.Sprintf("%09d.log", id)
}

func segmentIndexFileName(id int64) string {
	return segmentFileName(id) + ".index"
}

// Segment is one file in the changelog: a single-writer, many-reader,
// append-only sequence of 4 KiB-aligned records plus a sparse on-disk index
// (spec §4.1).
type Segment struct {
	mu sync.Mutex

	dir string
	id  int64

	logPath   string
	indexPath string

	file  *os.File
	index *sparseIndex

	opts SegmentOptions
	uuid uuid.UUID

	firstRecordOffset    int64
	truncatedRecordCount int32 // -1 means untruncated
	prevRecordCount      int32 // records rotated out of the previous segment

	recordCount int32
	dataSize    int64 // end of the last record's header+payload+padding

	unindexedBytes int64

	allocatedSize int64

	err    error // latched failure; every subsequent op surfaces it
	closed bool
}

// CreateSegment initializes a new, empty segment file. It fails if the file
// already exists (spec: "create(meta): ... Fails if file exists").
// prevRecordCount is the record count of the segment being rotated away
// from, persisted so a rotation with no in-flight mutations is a provable
// no-op (spec §8: "Changelog rotation with no in-flight mutations is a
// no-op on the log (prev_record_count = 0 for the new segment)").
func CreateSegment(dir string, id int64, prevRecordCount int32, opts SegmentOptions) (*Segment, error) {
	opts = opts.withDefaults()
	logPath := filepath.Join(dir, segmentFileName(id))

	if _, err := os.Stat(logPath); err == nil {
		return nil, ErrSegmentExists
	}

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrSegmentExists
		}
		return nil, errors.Wrap(err, "create segment file failed")
	}

	s := &Segment{
		dir:                  dir,
		id:                   id,
		logPath:              logPath,
		indexPath:            filepath.Join(dir, segmentIndexFileName(id)),
		file:                 f,
		opts:                 opts,
		truncatedRecordCount: -1,
		prevRecordCount:      prevRecordCount,
	}
	if opts.UseUUID {
		s.uuid = uuid.New()
	}

	header := segmentHeader{
		Signature:            s.signature(),
		FirstRecordOffset:    uint64(recordAlignment),
		TruncatedRecordCount: -1,
		UUID:                 s.uuid,
	}
	meta := encodeSegmentMeta(prevRecordCount)
	headerBytes := encodeSegmentHeader(header, meta)
	padded := make([]byte, recordAlignment)
	copy(padded, headerBytes)
	header.PaddingSize = uint32(recordAlignment - len(headerBytes))

	if _, err := f.WriteAt(padded, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write segment header failed")
	}
	s.firstRecordOffset = int64(recordAlignment)
	s.dataSize = s.firstRecordOffset
	s.allocatedSize = int64(recordAlignment)

	s.index = &sparseIndex{path: s.indexPath}

	if err := s.maybePreallocate(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

func (s *Segment) signature() uint64 {
	if s.opts.UseUUID {
		return signatureV5
	}
	return signatureV4
}

// OpenSegment opens an existing segment file, validating its header,
// replaying the sparse index, and repairing a torn tail if one is found
// (spec §4.1 "open()").
func OpenSegment(dir string, id int64, opts SegmentOptions) (*Segment, error) {
	opts = opts.withDefaults()
	logPath := filepath.Join(dir, segmentFileName(id))

	f, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSegmentNotFound
		}
		return nil, errors.Wrap(err, "open segment file failed")
	}

	headerBuf := make([]byte, recordAlignment)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "read segment header failed")
	}
	header, err := decodeSegmentHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	if header.Signature != signatureV4 && header.Signature != signatureV5 {
		f.Close()
		return nil, errors.New("changelog: unrecognized segment signature")
	}

	meta := headerBuf[segmentHeaderFixedSize : segmentHeaderFixedSize+int(header.MetaSize)]
	prevRecordCount := decodeSegmentMeta(meta)

	s := &Segment{
		dir:                  dir,
		id:                   id,
		logPath:              logPath,
		indexPath:            filepath.Join(dir, segmentIndexFileName(id)),
		file:                 f,
		opts:                 SegmentOptions{IndexBlockSize: opts.IndexBlockSize, PreallocateSize: opts.PreallocateSize, EnableSync: opts.EnableSync, UseUUID: header.hasUUID()},
		uuid:                 header.UUID,
		firstRecordOffset:    int64(header.FirstRecordOffset),
		truncatedRecordCount: header.TruncatedRecordCount,
		prevRecordCount:      prevRecordCount,
	}

	idx, err := openIndex(s.indexPath)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.index = idx

	if err := s.replayFromIndex(); err != nil {
		f.Close()
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat segment file failed")
	}
	s.allocatedSize = fi.Size()

	return s, nil
}

// replayFromIndex walks records starting from the last indexed position,
// detecting the longest valid record prefix and repairing a torn tail.
func (s *Segment) replayFromIndex() error {
	startOffset := s.firstRecordOffset
	startID := int32(0)
	if len(s.index.entries) > 0 {
		last := s.index.entries[len(s.index.entries)-1]
		startOffset = last.FilePosition
		startID = last.RecordID
	}

	withUUID := s.opts.UseUUID
	off := startOffset
	expectedID := startID
	unindexed := int64(0)

	for {
		hdrSize := recordHeaderSize(withUUID)
		hdrBuf := make([]byte, hdrSize)
		n, err := s.file.ReadAt(hdrBuf, off)
		if n < hdrSize || err != nil {
			break // EOF or short read: end of valid data
		}
		rh, err := decodeRecordHeader(hdrBuf, withUUID)
		if err != nil {
			break
		}
		if rh.DataSize <= 0 {
			break
		}
		if rh.RecordID != expectedID {
			break
		}
		payload := make([]byte, rh.DataSize)
		if _, err := s.file.ReadAt(payload, off+int64(hdrSize)); err != nil {
			break
		}
		if checksum(payload) != rh.Checksum {
			break
		}
		if withUUID && rh.ChangelogUUID != s.uuid {
			break
		}

		recSize := hdrSize + int(rh.DataSize) + int(rh.PaddingSize)
		off += int64(recSize)
		unindexed += int64(recSize)
		expectedID++

		if unindexed >= s.opts.IndexBlockSize {
			s.index.append(indexEntry{RecordID: expectedID, FilePosition: off, Size: 0})
			unindexed = 0
		}
	}

	// off now points just past the last fully valid record: this is the
	// repaired tail. Physically shrink the file to a 4 KiB boundary
	// beyond it, dropping any torn bytes. Every record is already padded
	// to that boundary, so no record's padding field is rewritten.
	truncateTo := int64(alignUp(int(off)))
	if err := s.file.Truncate(truncateTo); err != nil {
		return errors.Wrap(err, "truncate torn tail failed")
	}

	s.recordCount = expectedID
	s.dataSize = off
	s.unindexedBytes = unindexed
	return nil
}

// Append atomically writes a contiguous block of records starting at
// firstID. Each record is padded to a 4 KiB boundary; the final record of
// the batch may carry extra padding to align the batch end.
func (s *Segment) Append(firstID int32, payloads [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrReadOnly
	}
	if firstID != s.recordCount {
		return errors.Errorf("changelog: append firstID %d does not match next record id %d", firstID, s.recordCount)
	}

	withUUID := s.opts.UseUUID
	offset := s.dataSize
	var buf []byte

	for i, payload := range payloads {
		if len(payload) == 0 {
			return ErrBadRecordSize
		}
		hdrSize := recordHeaderSize(withUUID)
		unpadded := hdrSize + len(payload)
		padded := alignUp(unpadded)
		padding := padded - unpadded

		rh := recordHeader{
			RecordID:      firstID + int32(i),
			DataSize:      int32(len(payload)),
			Checksum:      checksum(payload),
			PaddingSize:   uint16(padding),
			ChangelogUUID: s.uuid,
		}
		buf = append(buf, encodeRecordHeader(rh, withUUID)...)
		buf = append(buf, payload...)
		buf = append(buf, make([]byte, padding)...)
	}

	if err := s.maybeGrowFor(int64(len(buf))); err != nil {
		s.err = err
		return err
	}

	if _, err := s.file.WriteAt(buf, offset); err != nil {
		s.err = errors.Wrap(err, "append failed")
		return s.err
	}

	// Update the sparse index whenever cumulative unindexed bytes exceed
	// the index block size.
	cursor := offset
	for i, payload := range payloads {
		hdrSize := recordHeaderSize(withUUID)
		unpadded := hdrSize + len(payload)
		padded := alignUp(unpadded)
		s.unindexedBytes += int64(padded)
		cursor += int64(padded)
		if s.unindexedBytes >= s.opts.IndexBlockSize {
			s.index.append(indexEntry{RecordID: firstID + int32(i) + 1, FilePosition: cursor, Size: int32(padded)})
			s.unindexedBytes = 0
		}
	}

	s.dataSize = cursor
	s.recordCount += int32(len(payloads))
	return nil
}

// maybeGrowFor preallocates ahead of the write cursor if PreallocateSize is
// configured and the incoming write would exceed the currently allocated
// size.
func (s *Segment) maybeGrowFor(writeLen int64) error {
	if s.opts.PreallocateSize <= 0 {
		return nil
	}
	needed := s.dataSize + writeLen
	for s.allocatedSize < needed {
		s.allocatedSize += s.opts.PreallocateSize
	}
	fi, err := s.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat segment file failed")
	}
	if fi.Size() < s.allocatedSize {
		if err := s.file.Truncate(s.allocatedSize); err != nil {
			return errors.Wrap(err, "preallocate segment file failed")
		}
	}
	return nil
}

func (s *Segment) maybePreallocate() error {
	return s.maybeGrowFor(0)
}

// Flush forces data and index durability unless sync is disabled.
func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Segment) flushLocked() error {
	if s.err != nil {
		return s.err
	}
	if s.opts.EnableSync {
		if err := s.file.Sync(); err != nil {
			s.err = errors.Wrap(err, "fsync segment failed")
			return s.err
		}
	}
	if err := s.index.flush(); err != nil {
		s.err = err
		return s.err
	}
	return nil
}

// Read returns up to maxRecords records starting at firstID, stopping once
// the combined payload reaches maxBytes (the last record returned may take
// the total past maxBytes); a maxBytes of 0 or less sets no byte limit. It
// returns fewer records than requested at the end of the segment; it never
// returns more than maxRecords.
func (s *Segment) Read(firstID int32, maxRecords int, maxBytes int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	if firstID < 0 || firstID > s.recordCount {
		return nil, ErrSegmentNotFound
	}
	if firstID == s.recordCount {
		return nil, nil
	}

	withUUID := s.opts.UseUUID

	offset := s.firstRecordOffset
	id := int32(0)
	if e, ok := s.index.lookup(firstID); ok {
		offset = e.FilePosition
		id = e.RecordID
	}

	mm, err := gommap.MapRegion(s.file.Fd(), 0, s.dataSize, gommap.PROT_READ, gommap.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap segment for read failed")
	}
	defer mm.UnsafeUnmap()

	var (
		out       [][]byte
		bytesRead int
	)
	for id < firstID {
		hdrSize := recordHeaderSize(withUUID)
		rh, err := decodeRecordHeader(mm[offset:], withUUID)
		if err != nil {
			return nil, errors.Wrap(err, "corrupt record while skipping to requested offset")
		}
		recSize := hdrSize + int(rh.DataSize) + int(rh.PaddingSize)
		offset += int64(recSize)
		id++
	}

	for len(out) < maxRecords && (maxBytes <= 0 || bytesRead < maxBytes) && id < s.recordCount {
		hdrSize := recordHeaderSize(withUUID)
		rh, err := decodeRecordHeader(mm[offset:], withUUID)
		if err != nil {
			return nil, errors.Wrapf(ErrBrokenChangelog, "segment %d record %d: %v", s.id, id, err)
		}
		if rh.DataSize <= 0 {
			return nil, ErrBadRecordSize
		}
		payload := make([]byte, rh.DataSize)
		copy(payload, mm[offset+int64(hdrSize):offset+int64(hdrSize)+int64(rh.DataSize)])
		if checksum(payload) != rh.Checksum {
			return nil, errors.Wrapf(ErrChecksumMismatch, "segment %d record %d", s.id, id)
		}
		if withUUID && rh.ChangelogUUID != s.uuid {
			return nil, errors.Wrapf(ErrUUIDMismatch, "segment %d record %d", s.id, id)
		}

		out = append(out, payload)
		bytesRead += len(payload)
		recSize := hdrSize + int(rh.DataSize) + int(rh.PaddingSize)
		offset += int64(recSize)
		id++
	}

	return out, nil
}

// Truncate shortens the logical length of the segment to recordCount.
// Records beyond are no longer returned: the header's TruncatedRecordCount
// and the sparse index are rewritten and the file is shrunk to the end of
// the last kept record, so the truncation is durable across restarts.
func (s *Segment) Truncate(recordCount int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if recordCount > s.recordCount {
		return errors.Errorf("changelog: cannot truncate segment %d to %d records, it only has %d",
			s.id, recordCount, s.recordCount)
	}
	// Invariant: truncated_record_count is monotonically non-increasing.
	if s.truncatedRecordCount >= 0 && recordCount > s.truncatedRecordCount {
		return errors.Errorf("changelog: truncated_record_count must be non-increasing (have %d, requested %d)",
			s.truncatedRecordCount, recordCount)
	}

	withUUID := s.opts.UseUUID
	offset := s.firstRecordOffset
	id := int32(0)
	for id < recordCount {
		hdrSize := recordHeaderSize(withUUID)
		hdrBuf := make([]byte, hdrSize)
		if _, err := s.file.ReadAt(hdrBuf, offset); err != nil {
			return errors.Wrap(err, "read record header during truncate failed")
		}
		rh, err := decodeRecordHeader(hdrBuf, withUUID)
		if err != nil {
			return err
		}
		recSize := hdrSize + int(rh.DataSize) + int(rh.PaddingSize)
		offset += int64(recSize)
		id++
	}

	s.recordCount = recordCount
	s.dataSize = offset
	s.truncatedRecordCount = recordCount
	s.index.truncate(recordCount)

	if err := s.rewriteHeader(); err != nil {
		return err
	}
	if err := s.index.flush(); err != nil {
		return err
	}
	if err := s.file.Truncate(offset); err != nil {
		return errors.Wrap(err, "shrink truncated segment failed")
	}
	s.allocatedSize = offset
	return nil
}

func (s *Segment) rewriteHeader() error {
	header := segmentHeader{
		Signature:            s.signature(),
		FirstRecordOffset:    uint64(s.firstRecordOffset),
		TruncatedRecordCount: s.truncatedRecordCount,
		UUID:                 s.uuid,
	}
	meta := encodeSegmentMeta(s.prevRecordCount)
	headerBytes := encodeSegmentHeader(header, meta)
	if int64(len(headerBytes)) > s.firstRecordOffset {
		return errors.New("changelog: segment header grew past first record offset")
	}
	if _, err := s.file.WriteAt(headerBytes, 0); err != nil {
		return errors.Wrap(err, "rewrite segment header failed")
	}
	return nil
}

// Close performs a final flush and releases the segment's file handle.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	// The logical size on close is whatever records actually occupy, not
	// the preallocated size.
	if truncErr := s.file.Truncate(s.dataSize); truncErr != nil && err == nil {
		err = errors.Wrap(truncErr, "shrink to logical size on close failed")
	}
	if closeErr := s.file.Close(); closeErr != nil && err == nil {
		err = errors.Wrap(closeErr, "close segment file failed")
	}
	s.closed = true
	return err
}

// Delete closes the segment (if open) and removes its files from disk.
func (s *Segment) Delete() error {
	s.Close()
	if err := os.Remove(s.logPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ID returns the segment's id (its position in the changelog's segment
// sequence). Record ids restart at 0 in every segment.
func (s *Segment) ID() int64 {
	return s.id
}

// RecordCount returns the segment's current logical record count.
func (s *Segment) RecordCount() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordCount
}

// PrevRecordCount returns the record count the previous segment had at the
// moment this segment was created by a rotation.
func (s *Segment) PrevRecordCount() int32 {
	return s.prevRecordCount
}

// DataSize returns the number of bytes currently occupied by records
// (header+payload+padding), excluding the segment header region.
func (s *Segment) DataSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataSize - s.firstRecordOffset
}

func encodeSegmentMeta(prevRecordCount int32) []byte {
	b := make([]byte, 4)
	b[0] = byte(prevRecordCount >> 24)
	b[1] = byte(prevRecordCount >> 16)
	b[2] = byte(prevRecordCount >> 8)
	b[3] = byte(prevRecordCount)
	return b
}

func decodeSegmentMeta(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return int32(b[0])<<24 | int32(b[1])<<16 | int32(b[2])<<8 | int32(b[3])
}
