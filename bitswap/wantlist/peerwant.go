// Package wantlist holds the peer and local want registries: the records
// of what remote peers have asked this node for, and what this node is
// currently asking the network for.
package wantlist

import (
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/rs/zerolog/log"

	"github.com/cassava-labs/ipfsnode/bitswap/decision"
	"github.com/cassava-labs/ipfsnode/bitswap/message"
)

var logger = log.With().Str("module", "wantlist").Logger()

// haveUpgradeThreshold is the size, in bytes, at or below which a WantHave is
// upgraded to a full block send rather than a HAVE presence (spec §4.3).
const haveUpgradeThreshold = 1024

// PeerWant is one remote peer's outstanding interest in a CID.
type PeerWant struct {
	Cid          cid.Cid
	Priority     int32
	WantType     message.WantType
	SendDontHave bool
	CreatedAt    time.Time
}

// PeerWantRegistry tracks, per connected peer, the set of CIDs they want
// and under what terms (block vs have, send-dont-have or not).
type PeerWantRegistry struct {
	mu sync.RWMutex
	// peers[p][cidKey] is p's want for that CID.
	peers map[peer.ID]map[string]*PeerWant
	// byCid[cidKey][p] tracks which peers want a given CID, for cheap
	// lookups without scanning every peer.
	byCid map[string]map[peer.ID]struct{}
	order map[string]*decision.Queue
}

// NewPeerWantRegistry returns an empty registry.
func NewPeerWantRegistry() *PeerWantRegistry {
	return &PeerWantRegistry{
		peers: make(map[peer.ID]map[string]*PeerWant),
		byCid: make(map[string]map[peer.ID]struct{}),
		order: make(map[string]*decision.Queue),
	}
}

// AddWant records that p wants c, replacing any prior want for the same
// (p, c) pair.
func (r *PeerWantRegistry) AddWant(p peer.ID, c cid.Cid, priority int32, wantType message.WantType, sendDontHave bool) {
	key := c.KeyString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peers[p] == nil {
		r.peers[p] = make(map[string]*PeerWant)
	}
	if r.byCid[key] == nil {
		r.byCid[key] = make(map[peer.ID]struct{})
	}
	if r.order[key] == nil {
		r.order[key] = decision.NewQueue()
	}

	r.peers[p][key] = &PeerWant{
		Cid:          c,
		Priority:     priority,
		WantType:     wantType,
		SendDontHave: sendDontHave,
		CreatedAt:    time.Now(),
	}
	r.byCid[key][p] = struct{}{}
	r.order[key].Push(&decision.Item{Key: string(p), Priority: priority, CreatedAt: time.Now()})
}

// RemoveWant drops p's want for c, if any.
func (r *PeerWantRegistry) RemoveWant(p peer.ID, c cid.Cid) {
	key := c.KeyString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if wants, ok := r.peers[p]; ok {
		delete(wants, key)
		if len(wants) == 0 {
			delete(r.peers, p)
		}
	}
	if q, ok := r.order[key]; ok {
		q.Remove(string(p))
	}
	if peers, ok := r.byCid[key]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(r.byCid, key)
			delete(r.order, key)
		}
	}
}

// RemovePeer drops all of p's wants, typically on disconnect.
func (r *PeerWantRegistry) RemovePeer(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wants, ok := r.peers[p]
	if !ok {
		return
	}
	for key := range wants {
		if q, ok := r.order[key]; ok {
			q.Remove(string(p))
		}
		if peers, ok := r.byCid[key]; ok {
			delete(peers, p)
			if len(peers) == 0 {
				delete(r.byCid, key)
				delete(r.order, key)
			}
		}
	}
	delete(r.peers, p)
}

// PeersWantingBlock returns the peers with an outstanding want for c, in
// priority order with FIFO tie-break.
func (r *PeerWantRegistry) PeersWantingBlock(c cid.Cid) []peer.ID {
	key := c.KeyString()

	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.order[key]
	if !ok {
		return nil
	}
	items := q.Snapshot()
	out := make([]peer.ID, 0, len(items))
	for _, it := range items {
		out = append(out, peer.ID(it.Key))
	}
	return out
}

// CreateBlockMessages builds the per-peer response for a block that just
// became available, applying the WantBlock/WantHave-upgrade policy of
// spec §4.3: WantBlock always gets the block; WantHave gets the block too
// if it is small enough to make a separate HAVE pointless, else a HAVE
// presence.
func (r *PeerWantRegistry) CreateBlockMessages(c cid.Cid, data []byte) map[peer.ID]*message.Queued {
	out := make(map[peer.ID]*message.Queued)

	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		logger.Error().Err(err).Str("cid", c.String()).Msg("data does not hash to its claimed cid")
		return out
	}

	for _, p := range r.wantersOf(c) {
		want := r.wantFor(p, c)
		if want == nil {
			continue
		}
		q := message.NewQueued()
		switch {
		case want.WantType == message.WantBlock:
			q.AddBlock(blk)
		case len(data) <= haveUpgradeThreshold:
			q.AddBlock(blk)
		default:
			q.AddBlockPresence(c, message.HaveBlock)
		}
		out[p] = q
	}
	return out
}

// CreateDontHaveMessages builds DONT_HAVE responses for peers that asked
// for c and opted into send_dont_have, on a local miss.
func (r *PeerWantRegistry) CreateDontHaveMessages(c cid.Cid) map[peer.ID]*message.Queued {
	out := make(map[peer.ID]*message.Queued)
	for _, p := range r.wantersOf(c) {
		want := r.wantFor(p, c)
		if want == nil || !want.SendDontHave {
			continue
		}
		q := message.NewQueued()
		q.AddBlockPresence(c, message.DoNotHaveBlock)
		out[p] = q
	}
	return out
}

func (r *PeerWantRegistry) wantersOf(c cid.Cid) []peer.ID {
	key := c.KeyString()
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers, ok := r.byCid[key]
	if !ok {
		return nil
	}
	out := make([]peer.ID, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}

func (r *PeerWantRegistry) wantFor(p peer.ID, c cid.Cid) *PeerWant {
	key := c.KeyString()
	r.mu.RLock()
	defer r.mu.RUnlock()
	wants, ok := r.peers[p]
	if !ok {
		return nil
	}
	return wants[key]
}
