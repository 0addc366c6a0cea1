package wantlist

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blocksutil "github.com/ipfs/go-ipfs-blocksutil"
	"github.com/libp2p/go-libp2p-core/test"
	"github.com/stretchr/testify/require"

	"github.com/cassava-labs/ipfsnode/bitswap/message"
)

func TestPeerWantRegistryHaveUpgrade(t *testing.T) {
	r := NewPeerWantRegistry()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	p, err := test.RandPeerID()
	require.NoError(t, err)

	r.AddWant(p, blk.Cid(), 1, message.WantHave, false)

	// a small block (well under the 1024B threshold) is sent outright
	// rather than advertised as a HAVE.
	msgs := r.CreateBlockMessages(blk.Cid(), blk.RawData())
	require.Contains(t, msgs, p)
	out := msgs[p].ToMessage()
	require.Len(t, out.Blocks(), 1)
	require.Len(t, out.Presences(), 0)
}

func TestPeerWantRegistryHavePreserved(t *testing.T) {
	r := NewPeerWantRegistry()
	c := mustCid(t, make([]byte, 4096))

	p, err := test.RandPeerID()
	require.NoError(t, err)

	r.AddWant(p, c, 1, message.WantHave, false)

	msgs := r.CreateBlockMessages(c, make([]byte, 4096))
	require.Contains(t, msgs, p)
	out := msgs[p].ToMessage()
	require.Len(t, out.Blocks(), 0)
	require.Len(t, out.Presences(), 1)
	require.Equal(t, message.HaveBlock, out.Presences()[0].Type)
}

func TestPeerWantRegistryWantBlockAlwaysSendsBlock(t *testing.T) {
	r := NewPeerWantRegistry()
	c := mustCid(t, make([]byte, 4096))

	p, err := test.RandPeerID()
	require.NoError(t, err)

	r.AddWant(p, c, 1, message.WantBlock, false)

	msgs := r.CreateBlockMessages(c, make([]byte, 4096))
	out := msgs[p].ToMessage()
	require.Len(t, out.Blocks(), 1)
}

func TestPeerWantRegistryDontHaveOnlyWhenRequested(t *testing.T) {
	r := NewPeerWantRegistry()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	p1, _ := test.RandPeerID()
	p2, _ := test.RandPeerID()
	r.AddWant(p1, blk.Cid(), 1, message.WantBlock, true)
	r.AddWant(p2, blk.Cid(), 1, message.WantBlock, false)

	msgs := r.CreateDontHaveMessages(blk.Cid())
	require.Contains(t, msgs, p1)
	require.NotContains(t, msgs, p2)
}

func TestPeerWantRegistryRemovePeer(t *testing.T) {
	r := NewPeerWantRegistry()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	p, _ := test.RandPeerID()
	r.AddWant(p, blk.Cid(), 1, message.WantBlock, false)
	require.Len(t, r.PeersWantingBlock(blk.Cid()), 1)

	r.RemovePeer(p)
	require.Len(t, r.PeersWantingBlock(blk.Cid()), 0)
}

func TestPeerWantRegistryReAddDoesNotDuplicate(t *testing.T) {
	r := NewPeerWantRegistry()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	p, _ := test.RandPeerID()
	r.AddWant(p, blk.Cid(), 1, message.WantHave, false)
	r.AddWant(p, blk.Cid(), 5, message.WantBlock, true)

	require.Len(t, r.PeersWantingBlock(blk.Cid()), 1)
}

func TestPeerWantRegistryRemoveWantPrunesOnlyThatPeer(t *testing.T) {
	r := NewPeerWantRegistry()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	p1, _ := test.RandPeerID()
	p2, _ := test.RandPeerID()
	r.AddWant(p1, blk.Cid(), 1, message.WantBlock, false)
	r.AddWant(p2, blk.Cid(), 1, message.WantBlock, false)

	r.RemoveWant(p1, blk.Cid())

	peers := r.PeersWantingBlock(blk.Cid())
	require.Len(t, peers, 1)
	require.Equal(t, p2, peers[0])
}

func TestPeerWantRegistryRemovePeerPrunesOnlyThatPeerWhenOthersRemain(t *testing.T) {
	r := NewPeerWantRegistry()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	p1, _ := test.RandPeerID()
	p2, _ := test.RandPeerID()
	r.AddWant(p1, blk.Cid(), 1, message.WantBlock, false)
	r.AddWant(p2, blk.Cid(), 1, message.WantBlock, false)

	r.RemovePeer(p1)

	peers := r.PeersWantingBlock(blk.Cid())
	require.Len(t, peers, 1)
	require.Equal(t, p2, peers[0])
}

func mustCid(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	return blocks.NewBlock(data).Cid()
}
