package kvautomaton

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
)

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}

func TestSetThenGet(t *testing.T) {
	s := New()
	req := &mutation.Request{Type: OpSet, Data: encode(t, SetPayload{Key: "a", Value: "1"})}
	_, err := s.ApplyMutation(&mutation.Context{Request: req})
	require.NoError(t, err)

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestDeleteRemovesKey(t *testing.T) {
	s := New()
	setReq := &mutation.Request{Type: OpSet, Data: encode(t, SetPayload{Key: "a", Value: "1"})}
	_, err := s.ApplyMutation(&mutation.Context{Request: setReq})
	require.NoError(t, err)

	delReq := &mutation.Request{Type: OpDelete, Data: encode(t, DeletePayload{Key: "a"})}
	_, err = s.ApplyMutation(&mutation.Context{Request: delReq})
	require.NoError(t, err)

	_, ok := s.Get("a")
	require.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New()
	req := &mutation.Request{Type: OpSet, Data: encode(t, SetPayload{Key: "a", Value: "1"})}
	_, err := s.ApplyMutation(&mutation.Context{Request: req})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.SaveSnapshot(&buf))

	restored := New()
	require.NoError(t, restored.LoadSnapshot(&buf))
	v, ok := restored.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestClearEmptiesStore(t *testing.T) {
	s := New()
	req := &mutation.Request{Type: OpSet, Data: encode(t, SetPayload{Key: "a", Value: "1"})}
	_, err := s.ApplyMutation(&mutation.Context{Request: req})
	require.NoError(t, err)

	s.Clear()
	_, ok := s.Get("a")
	require.False(t, ok)
}
