package message

import (
	"testing"

	blocksutil "github.com/ipfs/go-ipfs-blocksutil"
	"github.com/stretchr/testify/require"
)

func TestQueuedDedup(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	q := NewQueued()
	q.AddWantBlock(blk.Cid(), 1)
	q.AddWantHave(blk.Cid(), 5) // same CID: overwrites the prior entry
	require.Len(t, q.wants, 1)
	require.Equal(t, int32(5), q.wants[blk.Cid().KeyString()].Priority)
	require.Equal(t, WantHave, q.wants[blk.Cid().KeyString()].WantType)
}

func TestQueuedMerge(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blks := gen.Blocks(2)

	a := NewQueued()
	a.AddWantBlock(blks[0].Cid(), 1)
	a.AddPendingBytes(10)

	b := NewQueued()
	b.AddWantBlock(blks[1].Cid(), 1)
	b.AddBlockPresence(blks[0].Cid(), HaveBlock)
	b.SetFull(true)
	b.AddPendingBytes(5)

	a.Merge(b)

	require.True(t, a.full)
	require.Equal(t, int32(15), a.pendingBytes)
	require.Len(t, a.wants, 2)
	require.Len(t, a.presences, 1)
}

func TestQueuedEmptySplitYieldsOneEmptyMessage(t *testing.T) {
	q := NewQueued()
	msgs := q.Split(1000)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Empty())
}

func TestQueuedSplitBinPacks(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blks := gen.Blocks(5)

	q := NewQueued()
	total := 0
	for _, b := range blks {
		q.AddBlock(b)
		total += len(b.RawData()) + len(b.Cid().Bytes())
	}

	// force a split after roughly one block per message.
	perBlock := total / len(blks)
	msgs := q.Split(perBlock + 1)
	require.Greater(t, len(msgs), 1)

	seen := 0
	for _, m := range msgs {
		require.False(t, m.Empty())
		seen += len(m.Blocks())
	}
	require.Equal(t, len(blks), seen)
}

func TestQueuedToMessage(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	q := NewQueued()
	q.AddWantBlock(blk.Cid(), 3)
	q.AddBlock(blk)
	q.AddBlockPresence(blk.Cid(), DoNotHaveBlock)

	m := q.ToMessage()
	require.Len(t, m.Wantlist(), 1)
	require.Len(t, m.Blocks(), 1)
	require.Len(t, m.Presences(), 1)
}
