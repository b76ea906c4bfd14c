package errkind

import (
	"errors"
	"testing"
)

func TestOfAndIs(t *testing.T) {
	err := New(Unavailable, "not leader")
	if Of(err) != Unavailable {
		t.Fatalf("Of: got %v", Of(err))
	}
	if !Is(err, Unavailable) {
		t.Fatalf("Is: expected true")
	}
	if Is(err, InvalidEpoch) {
		t.Fatalf("Is: expected false")
	}
}

func TestOfPlainError(t *testing.T) {
	if Of(errors.New("plain")) != Unknown {
		t.Fatalf("expected Unknown for plain error")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ChangelogIOError, cause, "flush failed")
	if Of(err) != ChangelogIOError {
		t.Fatalf("Of: got %v", Of(err))
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be discoverable via errors.Is")
	}
}
