// Package message implements the Bitswap wire message: the structured
// wantlist/block/presence payload exchanged over a /ipfs/bitswap/1.2.0
// stream, and the length-prefixed protobuf framing used to move it.
package message

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Entry is one wantlist line: a request (or cancellation of a request) for
// a CID, at a given priority.
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	Cancel       bool
	WantType     WantType
	SendDontHave bool
}

// Presence reports whether the sender has (or does not have) a block,
// without sending its bytes.
type Presence struct {
	Cid  cid.Cid
	Type PresenceType
}

// Message is the decoded, high-level form of a single Bitswap wire
// message. A Message is built with New and the Add* methods, or produced
// by decoding a frame off the wire.
type Message struct {
	full           bool
	wantlist       []Entry
	blocks         []blocks.Block
	blockPresences []Presence
	pendingBytes   int32
}

// New returns an empty message. full marks whether this wantlist is a
// complete replacement of the peer's prior wantlist (true) or an
// incremental diff (false); see spec §3/§4.2.
func New(full bool) *Message {
	return &Message{full: full}
}

// Full reports whether this message's wantlist is a full replacement.
func (m *Message) Full() bool { return m.full }

// Empty reports whether the message carries no content at all: no
// wantlist entries, no blocks, no presences, and no pending-bytes hint.
func (m *Message) Empty() bool {
	return len(m.wantlist) == 0 && len(m.blocks) == 0 && len(m.blockPresences) == 0 && m.pendingBytes == 0
}

// Wantlist returns the message's wantlist entries.
func (m *Message) Wantlist() []Entry { return m.wantlist }

// Blocks returns the message's full block payloads.
func (m *Message) Blocks() []blocks.Block { return m.blocks }

// Presences returns the message's HAVE/DONT_HAVE presence entries.
func (m *Message) Presences() []Presence { return m.blockPresences }

// PendingBytes returns the sender's advertised outstanding response size.
func (m *Message) PendingBytes() int32 { return m.pendingBytes }

// SetPendingBytes sets the advertised outstanding response size.
func (m *Message) SetPendingBytes(n int32) { m.pendingBytes = n }

// AddEntry appends a want-block or want-have entry to the wantlist.
func (m *Message) AddEntry(c cid.Cid, priority int32, wantType WantType, sendDontHave bool) {
	m.wantlist = append(m.wantlist, Entry{
		Cid:          c,
		Priority:     priority,
		WantType:     wantType,
		SendDontHave: sendDontHave,
	})
}

// AddCancel appends a cancellation entry for c.
func (m *Message) AddCancel(c cid.Cid) {
	m.wantlist = append(m.wantlist, Entry{Cid: c, Cancel: true})
}

// AddBlock appends a full block payload.
func (m *Message) AddBlock(b blocks.Block) {
	m.blocks = append(m.blocks, b)
}

// AddHave appends a HAVE presence for c.
func (m *Message) AddHave(c cid.Cid) {
	m.blockPresences = append(m.blockPresences, Presence{Cid: c, Type: HaveBlock})
}

// AddDontHave appends a DONT_HAVE presence for c.
func (m *Message) AddDontHave(c cid.Cid) {
	m.blockPresences = append(m.blockPresences, Presence{Cid: c, Type: DoNotHaveBlock})
}

// marshal encodes the message to raw protobuf bytes (no length prefix).
func (m *Message) marshal() ([]byte, error) {
	pb := &pbMessage{
		Wantlist: &pbWantlist{Full: m.full},
	}
	for _, e := range m.wantlist {
		pb.Wantlist.Entries = append(pb.Wantlist.Entries, pbEntry{
			Cid:          e.Cid.Bytes(),
			Priority:     e.Priority,
			Cancel:       e.Cancel,
			WantType:     int32(e.WantType),
			SendDontHave: e.SendDontHave,
		})
	}
	for _, b := range m.blocks {
		pb.Blocks = append(pb.Blocks, pbBlock{
			Prefix: b.Cid().Prefix().Bytes(),
			Data:   b.RawData(),
		})
	}
	for _, p := range m.blockPresences {
		pb.BlockPresences = append(pb.BlockPresences, pbPresence{
			Cid:  p.Cid.Bytes(),
			Type: int32(p.Type),
		})
	}
	pb.PendingBytes = m.pendingBytes
	return marshalMessage(pb)
}

// fromPB converts a decoded wire message into the high-level Message form,
// skipping (rather than failing on) entries whose CID bytes fail to parse,
// since a single corrupt entry must not sink the whole message.
func fromPB(pb *pbMessage) *Message {
	m := &Message{pendingBytes: pb.PendingBytes}
	if pb.Wantlist != nil {
		m.full = pb.Wantlist.Full
		for _, e := range pb.Wantlist.Entries {
			c, err := cid.Cast(e.Cid)
			if err != nil {
				continue
			}
			m.wantlist = append(m.wantlist, Entry{
				Cid:          c,
				Priority:     e.Priority,
				Cancel:       e.Cancel,
				WantType:     WantType(e.WantType),
				SendDontHave: e.SendDontHave,
			})
		}
	}
	for _, b := range pb.Blocks {
		prefix, err := cid.PrefixFromBytes(b.Prefix)
		if err != nil {
			continue
		}
		c, err := prefix.Sum(b.Data)
		if err != nil {
			continue
		}
		blk, err := blocks.NewBlockWithCid(b.Data, c)
		if err != nil {
			continue
		}
		m.blocks = append(m.blocks, blk)
	}
	for _, p := range pb.BlockPresences {
		c, err := cid.Cast(p.Cid)
		if err != nil {
			continue
		}
		m.blockPresences = append(m.blockPresences, Presence{Cid: c, Type: PresenceType(p.Type)})
	}
	for _, raw := range pb.RawBlocks {
		blk, err := blockFromLegacyRaw(raw)
		if err != nil {
			continue
		}
		m.blocks = append(m.blocks, blk)
	}
	return m
}

// blockFromLegacyRaw rebuilds a block from a legacy raw_blocks entry (wire
// field 2): the bytes carry no CID prefix, so the CID is derived under the
// CIDv0 default (dag-pb codec, sha2-256), matching how pre-1.2.0 bitswap
// peers addressed these blocks.
func blockFromLegacyRaw(data []byte) (blocks.Block, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, cid.NewCidV0(mh))
}
