package message

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// Wire field numbers, fixed by the Bitswap 1.2.0 protocol. These must never
// change: a reordering here breaks interop with every other implementation
// speaking /ipfs/bitswap/1.2.0.
const (
	fieldMessageWantlist       = 1
	fieldMessageRawBlocks      = 2
	fieldMessageBlockPresences = 3
	fieldMessagePendingBytes   = 4
	fieldMessageBlocks         = 5

	fieldWantlistEntries = 1
	fieldWantlistFull    = 2

	fieldEntryCid           = 1
	fieldEntryPriority      = 2
	fieldEntryCancel        = 3
	fieldEntryWantType      = 4
	fieldEntrySendDontHave  = 5

	fieldBlockPrefix = 1
	fieldBlockData   = 2

	fieldPresenceCid  = 1
	fieldPresenceType = 2
)

// WantType mirrors the wire enum; unknown values on ingest are preserved
// rather than rejected (per spec: sum types carry a raw integer for wire
// fidelity on unknown values).
type WantType int32

const (
	WantBlock WantType = 0
	WantHave  WantType = 1
)

// PresenceType mirrors the BlockPresenceType wire enum.
type PresenceType int32

const (
	HaveBlock      PresenceType = 0
	DoNotHaveBlock PresenceType = 1
)

// pbEntry is the wire shape of a WantlistEntry.
type pbEntry struct {
	Cid           []byte
	Priority      int32
	Cancel        bool
	WantType      int32
	SendDontHave  bool
}

// pbWantlist is the wire shape of the wantlist field.
type pbWantlist struct {
	Entries []pbEntry
	Full    bool
}

// pbBlock is the wire shape of a structured block (prefix + data).
type pbBlock struct {
	Prefix []byte
	Data   []byte
}

// pbPresence is the wire shape of a block presence.
type pbPresence struct {
	Cid  []byte
	Type int32
}

// pbMessage is the full wire shape of a BitswapMessage. It is marshaled and
// unmarshaled by hand against the gogo/protobuf wire format rather than
// through generated code, since no .proto toolchain runs in this build.
type pbMessage struct {
	Wantlist       *pbWantlist
	RawBlocks      [][]byte
	BlockPresences []pbPresence
	PendingBytes   int32
	Blocks         []pbBlock
}

func marshalMessage(m *pbMessage) ([]byte, error) {
	buf := proto.NewBuffer(nil)

	if m.Wantlist != nil {
		wl, err := marshalWantlist(m.Wantlist)
		if err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(fieldMessageWantlist)<<3 | 2); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(wl); err != nil {
			return nil, err
		}
	}
	for _, rb := range m.RawBlocks {
		if err := buf.EncodeVarint(uint64(fieldMessageRawBlocks)<<3 | 2); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(rb); err != nil {
			return nil, err
		}
	}
	for _, p := range m.BlockPresences {
		pb, err := marshalPresence(&p)
		if err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(fieldMessageBlockPresences)<<3 | 2); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(pb); err != nil {
			return nil, err
		}
	}
	if m.PendingBytes != 0 {
		if err := buf.EncodeVarint(uint64(fieldMessagePendingBytes)<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(int64(m.PendingBytes))); err != nil {
			return nil, err
		}
	}
	for _, b := range m.Blocks {
		bb, err := marshalBlock(&b)
		if err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(fieldMessageBlocks)<<3 | 2); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(bb); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func marshalWantlist(w *pbWantlist) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	for _, e := range w.Entries {
		eb, err := marshalEntry(&e)
		if err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(fieldWantlistEntries)<<3 | 2); err != nil {
			return nil, err
		}
		if err := buf.EncodeRawBytes(eb); err != nil {
			return nil, err
		}
	}
	if w.Full {
		if err := buf.EncodeVarint(uint64(fieldWantlistFull)<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(1); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func marshalEntry(e *pbEntry) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(uint64(fieldEntryCid)<<3 | 2); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(e.Cid); err != nil {
		return nil, err
	}
	if e.Priority != 0 {
		if err := buf.EncodeVarint(uint64(fieldEntryPriority)<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(int64(e.Priority))); err != nil {
			return nil, err
		}
	}
	if e.Cancel {
		if err := buf.EncodeVarint(uint64(fieldEntryCancel)<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(1); err != nil {
			return nil, err
		}
	}
	if e.WantType != 0 {
		if err := buf.EncodeVarint(uint64(fieldEntryWantType)<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(int64(e.WantType))); err != nil {
			return nil, err
		}
	}
	if e.SendDontHave {
		if err := buf.EncodeVarint(uint64(fieldEntrySendDontHave)<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(1); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func marshalBlock(b *pbBlock) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(uint64(fieldBlockPrefix)<<3 | 2); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(b.Prefix); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(fieldBlockData)<<3 | 2); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(b.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalPresence(p *pbPresence) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	if err := buf.EncodeVarint(uint64(fieldPresenceCid)<<3 | 2); err != nil {
		return nil, err
	}
	if err := buf.EncodeRawBytes(p.Cid); err != nil {
		return nil, err
	}
	if p.Type != 0 {
		if err := buf.EncodeVarint(uint64(fieldPresenceType)<<3 | 0); err != nil {
			return nil, err
		}
		if err := buf.EncodeVarint(uint64(int64(p.Type))); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// unmarshalMessage decodes a pbMessage from raw protobuf bytes, skipping
// (not rejecting) fields with unknown numbers or unexpected wire types so
// that a future field addition never breaks this decoder; a wire type
// skipField cannot step over (groups, or values 6 and 7) is an error.
func unmarshalMessage(data []byte) (*pbMessage, error) {
	buf := proto.NewBuffer(data)
	m := &pbMessage{}
	for buf.Index() < len(data) || hasRemaining(buf, data) {
		if !hasRemaining(buf, data) {
			break
		}
		tag, err := buf.DecodeVarint()
		if err != nil {
			return nil, fmt.Errorf("bitswap message: %w", err)
		}
		field := tag >> 3
		wireType := tag & 7
		switch {
		case field == fieldMessageWantlist && wireType == 2:
			raw, err := buf.DecodeRawBytes(false)
			if err != nil {
				return nil, err
			}
			wl, err := unmarshalWantlist(raw)
			if err != nil {
				return nil, err
			}
			m.Wantlist = wl
		case field == fieldMessageRawBlocks && wireType == 2:
			raw, err := buf.DecodeRawBytes(true)
			if err != nil {
				return nil, err
			}
			m.RawBlocks = append(m.RawBlocks, raw)
		case field == fieldMessageBlockPresences && wireType == 2:
			raw, err := buf.DecodeRawBytes(false)
			if err != nil {
				return nil, err
			}
			p, err := unmarshalPresence(raw)
			if err != nil {
				return nil, err
			}
			m.BlockPresences = append(m.BlockPresences, *p)
		case field == fieldMessagePendingBytes && wireType == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return nil, err
			}
			m.PendingBytes = int32(v)
		case field == fieldMessageBlocks && wireType == 2:
			raw, err := buf.DecodeRawBytes(false)
			if err != nil {
				return nil, err
			}
			b, err := unmarshalBlock(raw)
			if err != nil {
				return nil, err
			}
			m.Blocks = append(m.Blocks, *b)
		default:
			if err := skipField(buf, wireType); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func unmarshalWantlist(data []byte) (*pbWantlist, error) {
	buf := proto.NewBuffer(data)
	w := &pbWantlist{}
	for hasRemaining(buf, data) {
		tag, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		field := tag >> 3
		wireType := tag & 7
		switch {
		case field == fieldWantlistEntries && wireType == 2:
			raw, err := buf.DecodeRawBytes(false)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalEntry(raw)
			if err != nil {
				return nil, err
			}
			w.Entries = append(w.Entries, *e)
		case field == fieldWantlistFull && wireType == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return nil, err
			}
			w.Full = v != 0
		default:
			if err := skipField(buf, wireType); err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}

func unmarshalEntry(data []byte) (*pbEntry, error) {
	buf := proto.NewBuffer(data)
	e := &pbEntry{}
	for hasRemaining(buf, data) {
		tag, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		field := tag >> 3
		wireType := tag & 7
		switch {
		case field == fieldEntryCid && wireType == 2:
			raw, err := buf.DecodeRawBytes(true)
			if err != nil {
				return nil, err
			}
			e.Cid = raw
		case field == fieldEntryPriority && wireType == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return nil, err
			}
			e.Priority = int32(v)
		case field == fieldEntryCancel && wireType == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return nil, err
			}
			e.Cancel = v != 0
		case field == fieldEntryWantType && wireType == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return nil, err
			}
			e.WantType = int32(v)
		case field == fieldEntrySendDontHave && wireType == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return nil, err
			}
			e.SendDontHave = v != 0
		default:
			if err := skipField(buf, wireType); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

func unmarshalBlock(data []byte) (*pbBlock, error) {
	buf := proto.NewBuffer(data)
	b := &pbBlock{}
	for hasRemaining(buf, data) {
		tag, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		field := tag >> 3
		wireType := tag & 7
		switch {
		case field == fieldBlockPrefix && wireType == 2:
			raw, err := buf.DecodeRawBytes(true)
			if err != nil {
				return nil, err
			}
			b.Prefix = raw
		case field == fieldBlockData && wireType == 2:
			raw, err := buf.DecodeRawBytes(true)
			if err != nil {
				return nil, err
			}
			b.Data = raw
		default:
			if err := skipField(buf, wireType); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func unmarshalPresence(data []byte) (*pbPresence, error) {
	buf := proto.NewBuffer(data)
	p := &pbPresence{}
	for hasRemaining(buf, data) {
		tag, err := buf.DecodeVarint()
		if err != nil {
			return nil, err
		}
		field := tag >> 3
		wireType := tag & 7
		switch {
		case field == fieldPresenceCid && wireType == 2:
			raw, err := buf.DecodeRawBytes(true)
			if err != nil {
				return nil, err
			}
			p.Cid = raw
		case field == fieldPresenceType && wireType == 0:
			v, err := buf.DecodeVarint()
			if err != nil {
				return nil, err
			}
			p.Type = int32(v)
		default:
			if err := skipField(buf, wireType); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// hasRemaining reports whether buf still has bytes left to decode. proto.Buffer
// doesn't expose remaining length directly, so this is tracked via Index().
func hasRemaining(buf *proto.Buffer, data []byte) bool {
	return buf.Index() < len(data)
}

// skipField advances past a field of unknown identity so that forward-compatible
// fields never abort decoding (per spec: unknown wire values must not crash decode).
func skipField(buf *proto.Buffer, wireType uint64) error {
	switch wireType {
	case 0:
		_, err := buf.DecodeVarint()
		return err
	case 1:
		_, err := buf.DecodeFixed64()
		return err
	case 2:
		_, err := buf.DecodeRawBytes(false)
		return err
	case 5:
		_, err := buf.DecodeFixed32()
		return err
	default:
		return fmt.Errorf("bitswap message: unsupported wire type %d", wireType)
	}
}
