package changelog

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// recordAlignment is the byte boundary every record (and the start of the
// record region) is padded to (spec §3: "4 KiB-aligned records").
const recordAlignment = 4096

// signatureV4 and signatureV5 distinguish the two header layouts a reader
// must support (spec §4.1 "Headers have two versions distinguished by the
// signature word").  v5 adds a per-segment uuid so every record can be
// cross-checked against the file it claims to belong to.
const (
	signatureV4 uint64 = 0x5a4e4c4700000004
	signatureV5 uint64 = 0x5a4e4c4700000005
)

// segmentHeader is the fixed portion of a segment file header (spec §6
// "Changelog segment header").
type segmentHeader struct {
	Signature            uint64
	MetaSize             uint32
	FirstRecordOffset    uint64
	TruncatedRecordCount int32 // -1 if untruncated
	PaddingSize          uint32
	UUID                 uuid.UUID // zero value for v4 segments
}

// segmentHeaderFixedSize is the size, in bytes, of everything in
// segmentHeader except the trailing opaque metadata blob.
const segmentHeaderFixedSize = 8 + 4 + 8 + 4 + 4 + 16

func encodeSegmentHeader(h segmentHeader, meta []byte) []byte {
	buf := make([]byte, segmentHeaderFixedSize)
	binary.BigEndian.PutUint64(buf[0:8], h.Signature)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(meta)))
	binary.BigEndian.PutUint64(buf[12:20], h.FirstRecordOffset)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.TruncatedRecordCount))
	binary.BigEndian.PutUint32(buf[24:28], h.PaddingSize)
	copy(buf[28:44], h.UUID[:])
	return append(buf, meta...)
}

func decodeSegmentHeader(buf []byte) (segmentHeader, error) {
	if len(buf) < segmentHeaderFixedSize {
		return segmentHeader{}, errShortHeader
	}
	var h segmentHeader
	h.Signature = binary.BigEndian.Uint64(buf[0:8])
	h.MetaSize = binary.BigEndian.Uint32(buf[8:12])
	h.FirstRecordOffset = binary.BigEndian.Uint64(buf[12:20])
	h.TruncatedRecordCount = int32(binary.BigEndian.Uint32(buf[20:24]))
	h.PaddingSize = binary.BigEndian.Uint32(buf[24:28])
	copy(h.UUID[:], buf[28:44])
	return h, nil
}

// hasUUID reports whether this header version carries a segment uuid
// (v5+).
func (h segmentHeader) hasUUID() bool {
	return h.Signature == signatureV5
}

// recordHeader precedes every record's payload on disk (spec §6 "Record
// header").
type recordHeader struct {
	RecordID      int32
	DataSize      int32
	Checksum      uint64
	PaddingSize   uint16
	ChangelogUUID uuid.UUID // zero value for v4 segments
}

const (
	recordHeaderSizeV4 = 4 + 4 + 8 + 2
	recordHeaderSizeV5 = recordHeaderSizeV4 + 16
)

func recordHeaderSize(withUUID bool) int {
	if withUUID {
		return recordHeaderSizeV5
	}
	return recordHeaderSizeV4
}

func encodeRecordHeader(h recordHeader, withUUID bool) []byte {
	size := recordHeaderSize(withUUID)
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.RecordID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.DataSize))
	binary.BigEndian.PutUint64(buf[8:16], h.Checksum)
	binary.BigEndian.PutUint16(buf[16:18], h.PaddingSize)
	if withUUID {
		copy(buf[18:34], h.ChangelogUUID[:])
	}
	return buf
}

func decodeRecordHeader(buf []byte, withUUID bool) (recordHeader, error) {
	if len(buf) < recordHeaderSize(withUUID) {
		return recordHeader{}, errShortHeader
	}
	var h recordHeader
	h.RecordID = int32(binary.BigEndian.Uint32(buf[0:4]))
	h.DataSize = int32(binary.BigEndian.Uint32(buf[4:8]))
	h.Checksum = binary.BigEndian.Uint64(buf[8:16])
	h.PaddingSize = binary.BigEndian.Uint16(buf[16:18])
	if withUUID {
		copy(h.ChangelogUUID[:], buf[18:34])
	}
	return h, nil
}

// checksum computes the payload checksum stored in a record header.
func checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// alignUp rounds n up to the next multiple of recordAlignment.
func alignUp(n int) int {
	rem := n % recordAlignment
	if rem == 0 {
		return n
	}
	return n + (recordAlignment - rem)
}
