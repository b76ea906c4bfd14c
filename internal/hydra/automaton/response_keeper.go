package automaton

import (
	lru "github.com/hashicorp/golang-lru"
)

// entry is what the LRU actually stores per request id: either a resolved
// response (done already closed) or a pending one that a concurrent retry
// can wait on instead of re-executing the mutation.
type entry struct {
	done chan struct{}
	resp []byte
	err  error
}

// ResponseKeeper caches commit responses by request id so a retried commit
// of the same mutation returns the original response instead of applying
// the effect twice (spec §4.5 commit path step 1: "If the request has an
// id, consult the response keeper: if a cached response exists, return it
// immediately").
type ResponseKeeper struct {
	cache *lru.Cache
}

// NewResponseKeeper constructs a ResponseKeeper retaining up to size
// entries.
func NewResponseKeeper(size int) *ResponseKeeper {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New(size)
	if err != nil {
		// Only returned by golang-lru when size <= 0, which is excluded
		// above.
		panic(err)
	}
	return &ResponseKeeper{cache: cache}
}

// Get returns the cached response for id, if any. A still-pending entry
// (registered by TryBeginRequest but not yet ended) is reported as absent:
// Get is for callers that only care about the simple done-or-not case, such
// as the decorated automaton's own bookkeeping.
func (k *ResponseKeeper) Get(id string) ([]byte, bool) {
	if id == "" {
		return nil, false
	}
	v, ok := k.cache.Get(id)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	select {
	case <-e.done:
		return e.resp, true
	default:
		return nil, false
	}
}

// Put records response as the already-resolved result of applying the
// mutation with the given id. If an entry registered by TryBeginRequest for
// id is still pending, Put leaves it for EndRequest to resolve.
func (k *ResponseKeeper) Put(id string, response []byte) {
	if id == "" {
		return
	}
	if v, ok := k.cache.Peek(id); ok {
		select {
		case <-v.(*entry).done:
		default:
			return
		}
	}
	k.cache.Add(id, &entry{done: closedChan, resp: response})
}

// PendingFuture is returned by TryBeginRequest when a commit for the same
// request id is already in flight; Wait blocks until that commit resolves.
type PendingFuture struct {
	e *entry
}

// Wait blocks until the owning commit completes and returns its response
// and error.
func (f *PendingFuture) Wait() ([]byte, error) {
	<-f.e.done
	return f.e.resp, f.e.err
}

// TryBeginRequest implements the response keeper's external dedup contract
// (spec §6: "try_begin_request(id, retry) -> optional pending future"). If
// a commit for id is already tracked (completed or still in flight), it
// returns a future the caller can wait on instead of re-executing the
// mutation. Otherwise it registers a new pending entry for id and returns
// false, signaling the caller to execute the commit and call EndRequest
// when it resolves.
func (k *ResponseKeeper) TryBeginRequest(id string, retry bool) (*PendingFuture, bool) {
	if id == "" {
		return nil, false
	}
	if v, ok := k.cache.Get(id); ok {
		return &PendingFuture{e: v.(*entry)}, true
	}
	k.cache.Add(id, &entry{done: make(chan struct{})})
	return nil, false
}

// EndRequest resolves the pending entry registered by TryBeginRequest for
// id, publishing its response and error to every waiter and to future Get
// calls. It is a no-op if id was never begun (e.g. it aged out of the LRU).
func (k *ResponseKeeper) EndRequest(id string, response []byte, err error) {
	if id == "" {
		return
	}
	v, ok := k.cache.Peek(id)
	if !ok {
		return
	}
	e := v.(*entry)
	e.resp = response
	e.err = err
	close(e.done)
}

// Stop clears every cached response (spec §4.7 recovery step 2: "stop the
// response keeper" before loading a new snapshot, since cached responses
// predate the reseeded state).
func (k *ResponseKeeper) Stop() {
	k.cache.Purge()
}

var closedChan = makeClosedChan()

func makeClosedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
