// Package kvautomaton is a minimal reference automaton.Automaton
// implementation: an in-memory string key-value store mutated by "set" and
// "delete" requests. It exists so cmd/hydra-agent and cmd/hydra-replay have
// a concrete state machine to boot against, since the embedding
// application's own automaton is outside hydra's scope; the pattern
// follows the generic replicated key-value FSM common to raft-backed
// stores (set/delete applied deterministically, full state gob-encoded for
// snapshots).
package kvautomaton

import (
	"bytes"
	"encoding/gob"
	"io"
	"sync"

	"github.com/liftbridge-io/hydra/internal/hydra/automaton"
	"github.com/liftbridge-io/hydra/internal/hydra/mutation"
)

const (
	OpSet    = "kv.set"
	OpDelete = "kv.delete"
)

// SetPayload is the gob-encoded Data of an OpSet mutation.Request.
type SetPayload struct {
	Key   string
	Value string
}

// DeletePayload is the gob-encoded Data of an OpDelete mutation.Request.
type DeletePayload struct {
	Key string
}

// Store is a trivially small deterministic key-value automaton.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Get reads a key, for use outside the mutation pipeline (e.g. a read-only
// RPC handler); it takes no lease or guard, matching spec §4.3's allowance
// for lock-free reads of already-applied state.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// ApplyMutation implements automaton.Automaton.
func (s *Store) ApplyMutation(ctx *mutation.Context) ([]byte, error) {
	req := ctx.Request
	switch req.Type {
	case OpSet:
		var p SetPayload
		if err := gob.NewDecoder(bytes.NewReader(req.Data)).Decode(&p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.data[p.Key] = p.Value
		s.mu.Unlock()
		return nil, nil
	case OpDelete:
		var p DeletePayload
		if err := gob.NewDecoder(bytes.NewReader(req.Data)).Decode(&p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		delete(s.data, p.Key)
		s.mu.Unlock()
		return nil, nil
	default:
		return nil, nil
	}
}

// SaveSnapshot implements automaton.Automaton.
func (s *Store) SaveSnapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gob.NewEncoder(w).Encode(s.data)
}

// LoadSnapshot implements automaton.Automaton.
func (s *Store) LoadSnapshot(r io.Reader) error {
	data := make(map[string]string)
	if err := gob.NewDecoder(r).Decode(&data); err != nil && err != io.EOF {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Clear implements automaton.Automaton.
func (s *Store) Clear() {
	s.mu.Lock()
	s.data = make(map[string]string)
	s.mu.Unlock()
}

// SetZeroState implements automaton.Automaton.
func (s *Store) SetZeroState() {
	s.Clear()
}

// GetCurrentReign implements automaton.Automaton. The reference store has
// never changed its on-disk representation, so it always reports reign 1.
func (s *Store) GetCurrentReign() uint32 {
	return 1
}

// GetActionToRecoverFromReign implements automaton.Automaton.
func (s *Store) GetActionToRecoverFromReign(uint32) automaton.RecoveryAction {
	return automaton.RecoveryActionNone
}
