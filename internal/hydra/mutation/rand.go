package mutation

import (
	"encoding/binary"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// Rand is the deterministic RNG exposed to mutation handlers via Context.
// Two peers that apply the same mutation with the same RandomSeed and make
// the same sequence of calls against Rand observe identical values (spec
// invariant 4, scenario S6).
type Rand struct {
	src  *rand.Rand
	next uint64
}

// NewRand seeds a deterministic RNG from the given seed.
func NewRand(seed uint64) *Rand {
	return &Rand{src: rand.New(rand.NewSource(int64(seed)))}
}

// Int63 returns a deterministic pseudo-random 63-bit value and folds it into
// this Rand's running contribution to the next mutation's random seed.
func (r *Rand) Int63() int64 {
	v := r.src.Int63()
	r.fold(uint64(v))
	return v
}

// Uint64 returns a deterministic pseudo-random 64-bit value, folded the same
// way as Int63.
func (r *Rand) Uint64() uint64 {
	v := r.src.Uint64()
	r.fold(v)
	return v
}

// Float64 returns a deterministic pseudo-random float64 in [0,1).
func (r *Rand) Float64() float64 {
	v := r.src.Float64()
	r.fold(uint64(v * (1 << 53)))
	return v
}

func (r *Rand) fold(v uint64) {
	r.next ^= v + 0x9e3779b97f4a7c15 + (r.next << 6) + (r.next >> 2)
}

// NextSeed returns the random seed the next mutation should be assigned,
// derived from prevSeed and everything this Rand was asked to produce
// (spec invariant 4: random_seed(N) = f(prev_random_seed(N), mutation N's
// RNG consumption)). If the handler never touched the RNG, NextSeed
// advances prevSeed deterministically so that two consecutive no-RNG
// mutations still get distinct seeds.
func (r *Rand) NextSeed(prevSeed uint64) uint64 {
	h := xxhash.New()
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], prevSeed)
	binary.BigEndian.PutUint64(b[8:16], r.next)
	h.Write(b[:])
	return h.Sum64()
}

// CombineStateHash folds a mutation's random seed into the running state
// hash, implementing state_hash(N) = g(state_hash(N-1), random_seed(N)).
func CombineStateHash(prevHash, randomSeed uint64) uint64 {
	h := xxhash.New()
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], prevHash)
	binary.BigEndian.PutUint64(b[8:16], randomSeed)
	h.Write(b[:])
	return h.Sum64()
}
