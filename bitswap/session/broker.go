// Package session implements the broadcast-based want coalescing described
// in spec §4.4: a caller wanting a CID subscribes to a per-CID broadcast
// and races it against a timeout, rather than polling the local store.
package session

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/cassava-labs/ipfsnode/bitswap/message"
	"github.com/cassava-labs/ipfsnode/bitswap/wantlist"
)

// Broker coalesces concurrent want(cid) calls for the same CID into a
// single broadcast subscription, and tracks this node's locally inflight
// wants so that at most one outbound WANT per CID is ever emitted while
// any waiter is live.
type Broker struct {
	mu       sync.Mutex
	waiters  map[string][]chan blocks.Block
	local    *wantlist.LocalWantRegistry
}

// NewBroker returns an empty session broker.
func NewBroker() *Broker {
	return &Broker{
		waiters: make(map[string][]chan blocks.Block),
		local:   wantlist.NewLocalWantRegistry(),
	}
}

// Subscribe registers a one-shot waiter for c and reports whether this is
// the first live subscription for c (the caller is responsible for
// broadcasting a WANT to peers only when isFirst is true).
func (b *Broker) Subscribe(c cid.Cid, priority int32, wantType message.WantType) (ch chan blocks.Block, isFirst bool) {
	ch = make(chan blocks.Block, 1)

	b.mu.Lock()
	b.waiters[c.KeyString()] = append(b.waiters[c.KeyString()], ch)
	b.mu.Unlock()

	isFirst = b.local.Track(c, priority, wantType)
	return ch, isFirst
}

// Unsubscribe drops ch from c's waiter set, releasing the underlying local
// want record if ch was the last live waiter. Safe to call after the
// waiter already fired.
func (b *Broker) Unsubscribe(c cid.Cid, ch chan blocks.Block) {
	key := c.KeyString()

	b.mu.Lock()
	chans := b.waiters[key]
	for i, w := range chans {
		if w == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(b.waiters, key)
	} else {
		b.waiters[key] = chans
	}
	b.mu.Unlock()

	b.local.Untrack(c)
}

// Broadcast fires blk to every live waiter subscribed to its CID. Delivery
// is best-effort: a full or abandoned channel is skipped rather than
// blocking the notifier.
func (b *Broker) Broadcast(blk blocks.Block) {
	key := blk.Cid().KeyString()

	b.mu.Lock()
	chans := b.waiters[key]
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- blk:
		default:
		}
	}
}

// ActiveWants reports the number of distinct CIDs with a live local want.
func (b *Broker) ActiveWants() int {
	return b.local.ActiveWants()
}

// Wait races ch against ctx's cancellation/deadline. It returns the block
// on arrival, or ctx.Err() on timeout/cancellation.
func Wait(ctx context.Context, ch <-chan blocks.Block) (blocks.Block, error) {
	select {
	case blk := <-ch:
		return blk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
