package snapshot

import (
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Reader exposes a snapshot's decompressed body as an io.ReadCloser. The
// checksum recorded in the file header is computed incrementally and
// checked when Read reaches the end of the body, which then returns
// ErrChecksumMismatch in place of io.EOF on a mismatch. Close does not
// check it, so a body that is not read to the end is not verified.
type Reader struct {
	file    *os.File
	zr      *zstd.Decoder
	hasher  *xxhash.Digest
	want    uint64
	rawOnly io.Reader // set when CodecNone: reads straight from file
}

func openReader(path string) (*Reader, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Metadata{}, ErrSnapshotNotFound
		}
		return nil, Metadata{}, errors.Wrap(err, "open snapshot file failed")
	}

	prefix := make([]byte, bodyOffset)
	if _, err := io.ReadFull(f, prefix); err != nil {
		f.Close()
		return nil, Metadata{}, errors.Wrap(err, "read snapshot header failed")
	}
	header, err := decodeFileHeader(prefix[:fileHeaderFixedSize])
	if err != nil {
		f.Close()
		return nil, Metadata{}, err
	}
	meta, err := decodeMetadata(prefix[fileHeaderFixedSize:])
	if err != nil {
		f.Close()
		return nil, Metadata{}, err
	}

	r := &Reader{file: f, hasher: xxhash.New(), want: header.Checksum}

	switch header.CodecID {
	case CodecZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, Metadata{}, errors.Wrap(err, "create zstd decoder failed")
		}
		r.zr = zr
	case CodecNone:
		r.rawOnly = io.LimitReader(f, int64(header.CompressedLength))
	default:
		f.Close()
		return nil, Metadata{}, errors.New("snapshot: unrecognized codec id")
	}

	return r, meta, nil
}

// Read implements io.Reader over the decompressed body.
func (r *Reader) Read(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	if r.zr != nil {
		n, err = r.zr.Read(p)
	} else {
		n, err = r.rawOnly.Read(p)
	}
	if n > 0 {
		r.hasher.Write(p[:n])
	}
	if err == io.EOF {
		if r.hasher.Sum64() != r.want {
			return n, ErrChecksumMismatch
		}
	}
	return n, err
}

// Close releases the reader's resources.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	return r.file.Close()
}
