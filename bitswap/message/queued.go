package message

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// overhead budgets used by split's bin-packing, per spec §4.2.
const (
	entryOverhead    = 100
	presenceOverhead = 50
)

// Queued is the per-peer merge buffer: a deduplicating accumulator that
// collapses repeated operations on the same CID before a batch of wire
// messages is produced. Its three maps are disjoint by responsibility —
// a CID may appear in more than one, but never twice within the same map.
type Queued struct {
	wants     map[string]Entry
	wantOrder []string

	blockData  map[string]blocks.Block
	blockOrder []string

	presences     map[string]Presence
	presenceOrder []string

	full         bool
	pendingBytes int32
}

// NewQueued returns an empty per-peer merge buffer.
func NewQueued() *Queued {
	return &Queued{
		wants:     make(map[string]Entry),
		blockData: make(map[string]blocks.Block),
		presences: make(map[string]Presence),
	}
}

func (q *Queued) insertWant(e Entry) {
	key := e.Cid.KeyString()
	if _, exists := q.wants[key]; !exists {
		q.wantOrder = append(q.wantOrder, key)
	}
	q.wants[key] = e
}

// AddWantBlock records a want-block entry for cid at the given priority.
func (q *Queued) AddWantBlock(c cid.Cid, priority int32) {
	q.insertWant(Entry{Cid: c, Priority: priority, WantType: WantBlock})
}

// AddWantHave records a want-have entry for cid at the given priority.
func (q *Queued) AddWantHave(c cid.Cid, priority int32) {
	q.insertWant(Entry{Cid: c, Priority: priority, WantType: WantHave})
}

// AddCancel records a cancellation entry for cid, overwriting any pending
// want for the same CID in this buffer.
func (q *Queued) AddCancel(c cid.Cid) {
	q.insertWant(Entry{Cid: c, Cancel: true})
}

// AddBlock records a full block payload, keyed by its CID.
func (q *Queued) AddBlock(b blocks.Block) {
	key := b.Cid().KeyString()
	if _, exists := q.blockData[key]; !exists {
		q.blockOrder = append(q.blockOrder, key)
	}
	q.blockData[key] = b
}

// AddBlockPresence records a HAVE/DONT_HAVE presence, keyed by CID.
func (q *Queued) AddBlockPresence(c cid.Cid, t PresenceType) {
	key := c.KeyString()
	if _, exists := q.presences[key]; !exists {
		q.presenceOrder = append(q.presenceOrder, key)
	}
	q.presences[key] = Presence{Cid: c, Type: t}
}

// SetFull marks whether this buffer represents a full wantlist replacement.
func (q *Queued) SetFull(full bool) { q.full = full }

// AddPendingBytes accumulates the pending-bytes hint.
func (q *Queued) AddPendingBytes(n int32) { q.pendingBytes += n }

// Empty reports whether the buffer holds nothing at all.
func (q *Queued) Empty() bool {
	return len(q.wants) == 0 && len(q.blockData) == 0 && len(q.presences) == 0 && q.pendingBytes == 0
}

// Merge unions other into q: the three maps are unioned (later values for a
// shared key overwrite earlier ones — this call's additions win since they
// are applied last), full is OR'd, and pending_bytes is summed.
func (q *Queued) Merge(other *Queued) {
	for _, key := range other.wantOrder {
		e := other.wants[key]
		if _, exists := q.wants[key]; !exists {
			q.wantOrder = append(q.wantOrder, key)
		}
		q.wants[key] = e
	}
	for _, key := range other.blockOrder {
		b := other.blockData[key]
		if _, exists := q.blockData[key]; !exists {
			q.blockOrder = append(q.blockOrder, key)
		}
		q.blockData[key] = b
	}
	for _, key := range other.presenceOrder {
		p := other.presences[key]
		if _, exists := q.presences[key]; !exists {
			q.presenceOrder = append(q.presenceOrder, key)
		}
		q.presences[key] = p
	}
	q.full = q.full || other.full
	q.pendingBytes += other.pendingBytes
}

// ToMessage projects the three maps into a single high-level Message,
// without regard for size limits. Use Split when a size bound applies.
func (q *Queued) ToMessage() *Message {
	m := New(q.full)
	for _, key := range q.blockOrder {
		m.AddBlock(q.blockData[key])
	}
	for _, key := range q.wantOrder {
		e := q.wants[key]
		if e.Cancel {
			m.AddCancel(e.Cid)
		} else {
			m.AddEntry(e.Cid, e.Priority, e.WantType, e.SendDontHave)
		}
	}
	for _, key := range q.presenceOrder {
		p := q.presences[key]
		if p.Type == HaveBlock {
			m.AddHave(p.Cid)
		} else {
			m.AddDontHave(p.Cid)
		}
	}
	m.SetPendingBytes(q.pendingBytes)
	return m
}

// Split performs greedy bin-packing of the buffer's contents into one or
// more wire messages, starting a new message whenever the next item's
// estimated cost would push the current one past maxSize (a single item
// costlier than maxSize still gets a message of its own). Blocks are packed first
// in insertion order, then wantlist entries (budgeted at ~100B overhead
// each), then presences (~50B each). A wholly empty buffer yields exactly
// one empty message, preserving "we talked" semantics.
func (q *Queued) Split(maxSize int) []*Message {
	if q.Empty() {
		return []*Message{New(q.full)}
	}

	var out []*Message
	cur := New(q.full)
	curSize := 0

	flush := func() {
		if !cur.Empty() {
			out = append(out, cur)
		}
		cur = New(q.full)
		curSize = 0
	}

	for _, key := range q.blockOrder {
		b := q.blockData[key]
		cost := len(b.RawData()) + len(b.Cid().Bytes())
		if curSize > 0 && curSize+cost > maxSize {
			flush()
		}
		cur.AddBlock(b)
		curSize += cost
	}
	for _, key := range q.wantOrder {
		e := q.wants[key]
		if curSize > 0 && curSize+entryOverhead > maxSize {
			flush()
		}
		if e.Cancel {
			cur.AddCancel(e.Cid)
		} else {
			cur.AddEntry(e.Cid, e.Priority, e.WantType, e.SendDontHave)
		}
		curSize += entryOverhead
	}
	for _, key := range q.presenceOrder {
		p := q.presences[key]
		if curSize > 0 && curSize+presenceOverhead > maxSize {
			flush()
		}
		if p.Type == HaveBlock {
			cur.AddHave(p.Cid)
		} else {
			cur.AddDontHave(p.Cid)
		}
		curSize += presenceOverhead
	}
	cur.SetPendingBytes(q.pendingBytes)
	flush()

	if len(out) == 0 {
		return []*Message{New(q.full)}
	}
	return out
}
