package snapshot

import (
	"io"

	"github.com/liftbridge-io/hydra/internal/hydra/logger"
)

// StreamBuilder builds a snapshot in-process, without forking, by
// presenting the automaton with a SwitchableWriter (spec §4.4 no-fork
// variant). Used on platforms where forking is unavailable or unsafe
// (instrumented builds, sanitizers).
type StreamBuilder struct {
	store *Store
	guard *BuildGuard
	log   logger.Logger
}

// NewStreamBuilder constructs a StreamBuilder.
func NewStreamBuilder(store *Store, guard *BuildGuard, log logger.Logger) *StreamBuilder {
	if log == nil {
		log = logger.NewLogger(0)
	}
	return &StreamBuilder{store: store, guard: guard, log: log}
}

// Build runs save synchronously against a SwitchableWriter, then opens the
// real snapshot writer and forwards the buffered and subsequent bytes to
// it. save must not suspend (block on a channel, I/O, or anything else
// that yields control) — doing so surfaces as ErrNonSuspendingViolation
// the next time it writes, since by then the writer has already been
// suspended.
func (b *StreamBuilder) Build(id int64, codec Codec, save func(w io.Writer) error, meta Metadata) error {
	if !b.guard.TryAcquire() {
		return ErrBuildInProgress
	}
	defer b.guard.Release()

	sw := NewSwitchableWriter()
	if err := save(sw); err != nil {
		return err
	}
	if err := sw.Suspend(); err != nil {
		return err
	}

	writer, err := b.store.NewWriter(id, codec)
	if err != nil {
		return err
	}

	if err := sw.Resume(writer); err != nil {
		writer.Abort()
		return err
	}

	if err := writer.Commit(meta); err != nil {
		return err
	}
	b.log.Infof("snapshot: built snapshot %d (seq=%d)", id, meta.SequenceNumber)
	return nil
}
