// Package snapshot implements the durable snapshot store and the two
// snapshot-building strategies (process-isolated and in-process streaming)
// used to bound recovery replay work.
package snapshot

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Codec identifies the compression applied to a snapshot's body.
type Codec uint8

const (
	// CodecNone stores the body uncompressed, used by tests that want to
	// inspect raw bytes.
	CodecNone Codec = 0
	// CodecZstd compresses the body with zstd, the default for real
	// deployments.
	CodecZstd Codec = 1
)

// fileSignature identifies a hydra snapshot file (spec §6 "Snapshot file").
const fileSignature uint64 = 0x5a4e5348000001

// fileHeaderFixedSize is the size of every fixed-width field preceding the
// metadata blob and the compressed body.
const fileHeaderFixedSize = 8 + 8 + 8 + 8 + 8 + 1 + 4 // sig+id+complen+uncomplen+checksum+codec+metasize

// fileHeader is the fixed portion of a snapshot file (spec §6: "{signature,
// snapshot_id, compressed_length, uncompressed_length, checksum, codec_id,
// meta_size, padded_meta_bytes, codec-compressed body}").
type fileHeader struct {
	Signature        uint64
	SnapshotID       int64
	CompressedLength uint64
	UncompressedLen  uint64
	Checksum         uint64
	CodecID          Codec
	MetaSize         uint32
}

func encodeFileHeader(h fileHeader) []byte {
	buf := make([]byte, fileHeaderFixedSize)
	binary.BigEndian.PutUint64(buf[0:8], h.Signature)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.SnapshotID))
	binary.BigEndian.PutUint64(buf[16:24], h.CompressedLength)
	binary.BigEndian.PutUint64(buf[24:32], h.UncompressedLen)
	binary.BigEndian.PutUint64(buf[32:40], h.Checksum)
	buf[40] = byte(h.CodecID)
	binary.BigEndian.PutUint32(buf[41:45], h.MetaSize)
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	if len(buf) < fileHeaderFixedSize {
		return fileHeader{}, errors.New("snapshot: header shorter than expected")
	}
	var h fileHeader
	h.Signature = binary.BigEndian.Uint64(buf[0:8])
	if h.Signature != fileSignature {
		return fileHeader{}, errors.New("snapshot: unrecognized file signature")
	}
	h.SnapshotID = int64(binary.BigEndian.Uint64(buf[8:16]))
	h.CompressedLength = binary.BigEndian.Uint64(buf[16:24])
	h.UncompressedLen = binary.BigEndian.Uint64(buf[24:32])
	h.Checksum = binary.BigEndian.Uint64(buf[32:40])
	h.CodecID = Codec(buf[40])
	h.MetaSize = binary.BigEndian.Uint32(buf[41:45])
	return h, nil
}

// Metadata is recorded alongside every snapshot so recovery can reseed the
// automaton without replaying anything (spec §3 "Snapshot": "{sequence_number,
// random_seed, state_hash, timestamp, last_segment_id, last_record_id,
// last_mutation_term, term}").
type Metadata struct {
	SequenceNumber   int64
	RandomSeed       uint64
	StateHash        uint64
	Timestamp        int64
	LastSegmentID    int64
	LastRecordID     int32
	LastMutationTerm uint64
	Term             uint64
}

// encodeMetadata serializes Metadata with the same hand-rolled
// length-prefixed binary framing used by the changelog/mutation packages:
// there is no protoc toolchain available to generate real protobuf types,
// so the wire format mirrors the teacher's own hand-rolled message framing
// instead of depending on a fabricated .pb.go file.
func encodeMetadata(m Metadata) []byte {
	buf := make([]byte, 8*7+4)
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.SequenceNumber))
	binary.BigEndian.PutUint64(buf[8:16], m.RandomSeed)
	binary.BigEndian.PutUint64(buf[16:24], m.StateHash)
	binary.BigEndian.PutUint64(buf[24:32], uint64(m.Timestamp))
	binary.BigEndian.PutUint64(buf[32:40], uint64(m.LastSegmentID))
	binary.BigEndian.PutUint32(buf[40:44], uint32(m.LastRecordID))
	binary.BigEndian.PutUint64(buf[44:52], m.LastMutationTerm)
	binary.BigEndian.PutUint64(buf[52:60], m.Term)
	return buf
}

func decodeMetadata(buf []byte) (Metadata, error) {
	if len(buf) < 60 {
		return Metadata{}, errors.New("snapshot: metadata shorter than expected")
	}
	var m Metadata
	m.SequenceNumber = int64(binary.BigEndian.Uint64(buf[0:8]))
	m.RandomSeed = binary.BigEndian.Uint64(buf[8:16])
	m.StateHash = binary.BigEndian.Uint64(buf[16:24])
	m.Timestamp = int64(binary.BigEndian.Uint64(buf[24:32]))
	m.LastSegmentID = int64(binary.BigEndian.Uint64(buf[32:40]))
	m.LastRecordID = int32(binary.BigEndian.Uint32(buf[40:44]))
	m.LastMutationTerm = binary.BigEndian.Uint64(buf[44:52])
	m.Term = binary.BigEndian.Uint64(buf[52:60])
	return m, nil
}

func checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}
