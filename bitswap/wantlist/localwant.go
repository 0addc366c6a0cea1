package wantlist

import (
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/cassava-labs/ipfsnode/bitswap/message"
)

// LocalWant is this node's own outstanding interest in a CID: at most one
// exists per CID at a time, regardless of how many callers are waiting on
// it (coalescing, per spec §4.4).
type LocalWant struct {
	Cid       cid.Cid
	Priority  int32
	WantType  message.WantType
	CreatedAt time.Time
	waiters   int
}

// LocalWantRegistry tracks this node's in-flight wants, enforcing the
// invariant that at most one inflight want exists per CID: additional
// callers attach as waiters rather than issuing a second WANT.
type LocalWantRegistry struct {
	mu    sync.Mutex
	wants map[string]*LocalWant
}

// NewLocalWantRegistry returns an empty registry.
func NewLocalWantRegistry() *LocalWantRegistry {
	return &LocalWantRegistry{wants: make(map[string]*LocalWant)}
}

// Track registers a new waiter for c. It returns true when this is the
// first waiter for c (the caller must broadcast a WANT to peers) or false
// when a want for c is already inflight, whatever its want type (the
// caller should only subscribe, not re-broadcast).
func (r *LocalWantRegistry) Track(c cid.Cid, priority int32, wantType message.WantType) bool {
	key := c.KeyString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.wants[key]; ok {
		w.waiters++
		if priority > w.Priority {
			w.Priority = priority
		}
		return false
	}
	r.wants[key] = &LocalWant{
		Cid:       c,
		Priority:  priority,
		WantType:  wantType,
		CreatedAt: time.Now(),
		waiters:   1,
	}
	return true
}

// Untrack releases one waiter for c (on arrival, timeout, or cancellation).
// Once the last waiter releases, the want record is removed.
func (r *LocalWantRegistry) Untrack(c cid.Cid) {
	key := c.KeyString()

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.wants[key]
	if !ok {
		return
	}
	w.waiters--
	if w.waiters <= 0 {
		delete(r.wants, key)
	}
}

// ActiveWants reports the number of distinct CIDs this node currently has
// an inflight want for.
func (r *LocalWantRegistry) ActiveWants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wants)
}

// Get returns the current want record for c, if any.
func (r *LocalWantRegistry) Get(c cid.Cid) (*LocalWant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wants[c.KeyString()]
	return w, ok
}
