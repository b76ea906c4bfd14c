package automaton

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
	"github.com/liftbridge-io/hydra/internal/hydra/version"
)

// counterAutomaton is a trivial test automaton: state is an int counter,
// ApplyMutation adds the request payload's single byte as an int.
type counterAutomaton struct {
	value int
	reign uint32
}

func (c *counterAutomaton) SaveSnapshot(w io.Writer) error {
	_, err := w.Write([]byte{byte(c.value)})
	return err
}

func (c *counterAutomaton) LoadSnapshot(r io.Reader) error {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}
	c.value = int(b[0])
	return nil
}

func (c *counterAutomaton) ApplyMutation(ctx *mutation.Context) ([]byte, error) {
	if ctx.Request != nil && len(ctx.Request.Data) == 1 {
		c.value += int(ctx.Request.Data[0])
	}
	return []byte{byte(c.value)}, nil
}

func (c *counterAutomaton) Clear()         { c.value = 0 }
func (c *counterAutomaton) SetZeroState()  { c.value = 0 }
func (c *counterAutomaton) GetCurrentReign() uint32 { return c.reign }
func (c *counterAutomaton) GetActionToRecoverFromReign(reign uint32) RecoveryAction {
	if reign != c.reign {
		return RecoveryActionBuildSnapshotAndRestart
	}
	return RecoveryActionNone
}

func makeRecord(v version.Version, id string, payload byte, randomSeed uint64) mutation.Record {
	return mutation.Record{
		Header: mutation.Header{
			Type:       "incr",
			ID:         id,
			Segment:    v.Segment,
			Record:     v.Record,
			RandomSeed: randomSeed,
		},
		Payload: []byte{payload},
	}
}

func TestApplyAdvancesVersionAndState(t *testing.T) {
	inner := &counterAutomaton{}
	d := NewDecorated(inner, NewResponseKeeper(16), nil)

	rec := makeRecord(version.Zero, "", 5, 111)
	ctx, err := d.Apply(rec, &mutation.Request{Data: []byte{5}})
	require.NoError(t, err)
	require.Equal(t, 5, inner.value)
	require.Equal(t, version.Zero, ctx.Version)
	require.Equal(t, version.Version{Segment: 0, Record: 1}, d.Version())
}

func TestApplyRejectsNonSuccessorVersion(t *testing.T) {
	inner := &counterAutomaton{}
	d := NewDecorated(inner, NewResponseKeeper(16), nil)

	bad := version.Version{Segment: 0, Record: 5}
	_, err := d.Apply(makeRecord(bad, "", 1, 1), &mutation.Request{Data: []byte{1}})
	require.ErrorIs(t, err, ErrUnexpectedVersion)
}

func TestApplyAcceptsRotationVersion(t *testing.T) {
	inner := &counterAutomaton{}
	d := NewDecorated(inner, NewResponseKeeper(16), nil)

	_, err := d.Apply(makeRecord(version.Zero, "", 1, 1), &mutation.Request{Data: []byte{1}})
	require.NoError(t, err)

	rotated := version.Version{Segment: 1, Record: 0}
	_, err = d.Apply(makeRecord(rotated, "", 2, 2), &mutation.Request{Data: []byte{2}})
	require.NoError(t, err)
	require.Equal(t, rotated.Advance(), d.Version())
}

func TestApplyPublishesResponseToKeeper(t *testing.T) {
	inner := &counterAutomaton{}
	keeper := NewResponseKeeper(16)
	d := NewDecorated(inner, keeper, nil)

	_, err := d.Apply(makeRecord(version.Zero, "req-1", 3, 9), &mutation.Request{ID: "req-1", Data: []byte{3}})
	require.NoError(t, err)

	got, ok := keeper.Get("req-1")
	require.True(t, ok)
	require.Equal(t, []byte{3}, got)
}

func TestApplyFiresSnapshotTriggerAtExactSequenceNumber(t *testing.T) {
	inner := &counterAutomaton{}
	d := NewDecorated(inner, NewResponseKeeper(16), nil)

	var firedAt int64 = -1
	d.SetSnapshotTrigger(2, func(seq int64) { firedAt = seq })

	v := version.Zero
	_, err := d.Apply(makeRecord(v, "", 1, 1), &mutation.Request{Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, int64(-1), firedAt)

	v = v.Advance()
	_, err = d.Apply(makeRecord(v, "", 1, 1), &mutation.Request{Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, int64(2), firedAt)

	firedAt = -1
	v = v.Advance()
	_, err = d.Apply(makeRecord(v, "", 1, 1), &mutation.Request{Data: []byte{1}})
	require.NoError(t, err)
	require.Equal(t, int64(-1), firedAt) // one-shot: not re-fired
}

func TestApplyDroppedWhileSystemGuardHeld(t *testing.T) {
	inner := &counterAutomaton{}
	d := NewDecorated(inner, NewResponseKeeper(16), nil)

	d.Guard().AcquireSystem()
	_, err := d.Apply(makeRecord(version.Zero, "", 1, 1), &mutation.Request{Data: []byte{1}})
	require.ErrorIs(t, err, ErrDroppedBySystemGuard)
	d.Guard().ReleaseSystem()
}

func TestRegisterHandlerOverridesDefaultDispatch(t *testing.T) {
	inner := &counterAutomaton{}
	d := NewDecorated(inner, NewResponseKeeper(16), nil)

	called := false
	d.RegisterHandler("control", func(ctx *mutation.Context) ([]byte, error) {
		called = true
		return []byte("handled"), nil
	})

	rec := makeRecord(version.Zero, "", 0, 1)
	rec.Header.Type = "control"
	ctx, err := d.Apply(rec, &mutation.Request{Type: "control"})
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, []byte("handled"), ctx.ResponseBytes)
	require.Equal(t, 0, inner.value) // default ApplyMutation never ran
}

func TestSeedAndSetZeroState(t *testing.T) {
	inner := &counterAutomaton{value: 7}
	d := NewDecorated(inner, NewResponseKeeper(16), nil)

	target := version.Version{Segment: 3, Record: 4}
	d.Seed(target, 100, 55, 66, 1234)
	require.Equal(t, target, d.Version())
	seq, hash := d.StateHash()
	require.Equal(t, int64(100), seq)
	require.Equal(t, uint64(66), hash)

	d.SetZeroState()
	require.Equal(t, version.Zero, d.Version())
	require.Equal(t, 0, inner.value)
}
