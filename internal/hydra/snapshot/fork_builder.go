package snapshot

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pkg/errors"

	"github.com/liftbridge-io/hydra/internal/hydra/logger"
)

// HelperFlag is the hidden flag a re-exec'd child process recognizes to
// enter snapshot-helper mode instead of normal startup (the idiomatic Go
// substitute for a bare fork(): see RunHelper).
const HelperFlag = "-hydra-snapshot-helper"

// pipeFD is the file descriptor the child finds its pipe write end on.
// ExtraFiles[0] always lands on fd 3 (0, 1, 2 are already taken by
// stdin/stdout/stderr).
const pipeFD = 3

// IsHelperInvocation reports whether args (typically os.Args[1:]) request
// snapshot-helper mode.
func IsHelperInvocation(args []string) bool {
	for _, a := range args {
		if a == HelperFlag {
			return true
		}
	}
	return false
}

// RunHelper is called by main() at startup, before any normal server setup,
// when IsHelperInvocation is true. It runs save against the inherited pipe
// and exits via the returned error (spec §4.4 fork variant: "The child
// process: closes all descriptors except the pipe write end and standard
// error, calls the automaton's save routine synchronously, closes the
// pipe").
func RunHelper(save func(w io.Writer) error) error {
	f := os.NewFile(uintptr(pipeFD), "hydra-snapshot-pipe")
	if f == nil {
		return errors.New("snapshot: helper invoked without a pipe file descriptor")
	}
	defer f.Close()
	return save(f)
}

// ForkBuilder builds a snapshot by re-executing the current binary as a
// short-lived helper subprocess and streaming its output into the store.
// Go forbids a bare fork() of a multi-threaded process (the goroutine
// scheduler's state would not survive it), so this substitutes an
// os/exec-based re-exec for the source engine's process fork, preserving
// its intent: isolate the save routine from the parent's live memory
// state.
type ForkBuilder struct {
	store      *Store
	guard      *BuildGuard
	log        logger.Logger
	execPath   string
	helperArgs []string
	timeout    time.Duration

	// execEnv overrides the helper subprocess's environment. Nil means
	// inherit the parent's (os.Environ()); tests set this to add
	// GO_WANT_HYDRA_SNAPSHOT_HELPER=1 when re-execing the test binary
	// itself as the helper.
	execEnv []string
}

// NewForkBuilder constructs a ForkBuilder. execPath is usually os.Args[0];
// helperArgs are prepended ahead of HelperFlag so the child can locate its
// working directory/config the same way the parent did.
func NewForkBuilder(store *Store, guard *BuildGuard, execPath string, helperArgs []string, timeout time.Duration, log logger.Logger) *ForkBuilder {
	if log == nil {
		log = logger.NewLogger(0)
	}
	return &ForkBuilder{store: store, guard: guard, execPath: execPath, helperArgs: helperArgs, timeout: timeout, log: log}
}

// Build spawns the helper, transfers its output into a new snapshot writer,
// and commits it, enforcing the fork timeout via a watchdog that kills the
// helper if it overruns.
func (b *ForkBuilder) Build(ctx context.Context, id int64, codec Codec, meta Metadata) error {
	if !b.guard.TryAcquire() {
		return ErrBuildInProgress
	}
	defer b.guard.Release()

	r, w, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "open snapshot pipe failed")
	}

	args := append(append([]string{}, b.helperArgs...), HelperFlag)
	cmd := exec.Command(b.execPath, args...)
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stderr = os.Stderr
	if b.execEnv != nil {
		cmd.Env = b.execEnv
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return errors.Wrap(err, "start snapshot helper failed")
	}
	// The parent's copy of the write end must be closed so the transfer
	// loop sees EOF once the child closes its own copy.
	w.Close()

	watchCtx, cancel := context.WithTimeout(ctx, b.timeout)
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-watchCtx.Done():
			if watchCtx.Err() == context.DeadlineExceeded {
				b.log.Errorf("snapshot: fork helper exceeded snapshot_fork_timeout, killing")
				cmd.Process.Kill()
			}
		case <-watchdogDone:
		}
	}()

	writer, err := b.store.NewWriter(id, codec)
	if err != nil {
		r.Close()
		cmd.Process.Kill()
		cmd.Wait()
		close(watchdogDone)
		cancel()
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(writer, r)
		r.Close()
		return err
	})
	g.Go(func() error {
		return cmd.Wait()
	})

	waitErr := g.Wait()
	close(watchdogDone)
	cancel()

	if waitErr != nil {
		writer.Abort()
		return errors.Wrap(waitErr, "snapshot helper transfer failed")
	}

	if err := writer.Commit(meta); err != nil {
		return err
	}
	return nil
}
