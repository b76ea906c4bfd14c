package mutation

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ErrTruncatedRecord is returned by Unmarshal when the supplied bytes do not
// contain a complete, well-formed mutation record.
var ErrTruncatedRecord = errors.New("mutation: truncated record")

// Marshal serializes a Record into the byte slice stored as the payload of a
// changelog record (see changelog.Segment.Append). The encoding is a simple
// length-prefixed binary layout, not protobuf, matching the hand-rolled
// message framing the commit log's on-disk format is built from.
func Marshal(rec Record) []byte {
	var buf bytes.Buffer

	writeUint32(&buf, rec.Header.Reign)
	writeString(&buf, rec.Header.Type)
	writeString(&buf, rec.Header.ID)
	writeInt64(&buf, rec.Header.Timestamp)
	writeUint64(&buf, rec.Header.RandomSeed)
	writeUint64(&buf, rec.Header.PrevRandomSeed)
	writeInt64(&buf, rec.Header.SequenceNumber)
	writeUint64(&buf, rec.Header.Term)
	writeInt64(&buf, rec.Header.Segment)
	writeInt64(&buf, rec.Header.Record)
	writeBytes(&buf, rec.Payload)

	return buf.Bytes()
}

// Unmarshal deserializes a Record previously produced by Marshal.
func Unmarshal(data []byte) (Record, error) {
	r := bytes.NewReader(data)

	var rec Record
	var err error

	if rec.Header.Reign, err = readUint32(r); err != nil {
		return Record{}, err
	}
	if rec.Header.Type, err = readString(r); err != nil {
		return Record{}, err
	}
	if rec.Header.ID, err = readString(r); err != nil {
		return Record{}, err
	}
	if rec.Header.Timestamp, err = readInt64(r); err != nil {
		return Record{}, err
	}
	if rec.Header.RandomSeed, err = readUint64(r); err != nil {
		return Record{}, err
	}
	if rec.Header.PrevRandomSeed, err = readUint64(r); err != nil {
		return Record{}, err
	}
	if rec.Header.SequenceNumber, err = readInt64(r); err != nil {
		return Record{}, err
	}
	if rec.Header.Term, err = readUint64(r); err != nil {
		return Record{}, err
	}
	if rec.Header.Segment, err = readInt64(r); err != nil {
		return Record{}, err
	}
	if rec.Header.Record, err = readInt64(r); err != nil {
		return Record{}, err
	}
	if rec.Payload, err = readBytes(r); err != nil {
		return Record{}, err
	}

	return rec, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(ErrTruncatedRecord, err.Error())
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(ErrTruncatedRecord, err.Error())
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(ErrTruncatedRecord, err.Error())
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
