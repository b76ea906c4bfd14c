package snapshot

import (
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// bodyOffset is the fixed byte offset where the compressed body begins:
// the file header plus the fixed-size metadata blob, so Commit can seek
// back and fill in the header once the compressed length is known.
const bodyOffset = fileHeaderFixedSize + 60

// Writer is the destination an automaton's save routine writes
// uncompressed state bytes to. It transparently compresses (unless
// CodecNone), hashes, and counts bytes as they arrive, then finalizes the
// file atomically on Commit.
type Writer struct {
	store     *Store
	id        int64
	tmpPath   string
	finalPath string
	codec     Codec

	file   *os.File
	zw     *zstd.Encoder
	hasher *xxhash.Digest

	uncompressedLen uint64
	aborted         bool
	committed       bool
}

func newWriter(store *Store, id int64, finalPath string, codec Codec) (*Writer, error) {
	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot tmp file failed")
	}
	if _, err := f.Write(make([]byte, bodyOffset)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "reserve snapshot header space failed")
	}

	w := &Writer{
		store:     store,
		id:        id,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		codec:     codec,
		file:      f,
		hasher:    xxhash.New(),
	}

	if codec == CodecZstd {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "create zstd encoder failed")
		}
		w.zw = zw
	}
	return w, nil
}

// Write implements io.Writer: state bytes from the automaton's save
// routine.
func (w *Writer) Write(p []byte) (int, error) {
	w.hasher.Write(p)
	w.uncompressedLen += uint64(len(p))
	if w.zw != nil {
		return w.zw.Write(p)
	}
	return w.file.Write(p)
}

// Commit flushes the compressed body, writes the final header and
// metadata, and atomically publishes the snapshot under its final name.
func (w *Writer) Commit(meta Metadata) error {
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return errors.Wrap(err, "close zstd encoder failed")
		}
	}

	fi, err := w.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat snapshot tmp file failed")
	}
	compressedLen := uint64(fi.Size()) - bodyOffset

	header := fileHeader{
		Signature:        fileSignature,
		SnapshotID:       w.id,
		CompressedLength: compressedLen,
		UncompressedLen:  w.uncompressedLen,
		Checksum:         w.hasher.Sum64(),
		CodecID:          w.codec,
		MetaSize:         60,
	}
	headerBytes := encodeFileHeader(header)
	metaBytes := encodeMetadata(meta)
	prefix := append(headerBytes, metaBytes...)

	if _, err := w.file.WriteAt(prefix, 0); err != nil {
		return errors.Wrap(err, "write snapshot header failed")
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "sync snapshot file failed")
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "close snapshot file failed")
	}
	if err := atomicfile.ReplaceFile(w.tmpPath, w.finalPath); err != nil {
		return errors.Wrap(err, "publish snapshot file failed")
	}

	w.committed = true
	w.store.recordCommitted(w.id)
	return nil
}

// Abort discards the in-progress build, removing its tmp file.
func (w *Writer) Abort() error {
	if w.committed || w.aborted {
		return nil
	}
	w.aborted = true
	if w.zw != nil {
		w.zw.Close()
	}
	w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove aborted snapshot tmp file failed")
	}
	return nil
}
