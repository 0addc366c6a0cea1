package session

import (
	"context"
	"testing"
	"time"

	blocksutil "github.com/ipfs/go-ipfs-blocksutil"
	"github.com/stretchr/testify/require"

	"github.com/cassava-labs/ipfsnode/bitswap/message"
)

func TestBrokerCoalescesSubscriptions(t *testing.T) {
	b := NewBroker()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	ch1, first1 := b.Subscribe(blk.Cid(), 1, message.WantBlock)
	ch2, first2 := b.Subscribe(blk.Cid(), 1, message.WantBlock)

	require.True(t, first1)
	require.False(t, first2, "second waiter for the same CID must not trigger a re-broadcast")
	require.Equal(t, 1, b.ActiveWants())

	b.Broadcast(blk)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got1, err := Wait(ctx, ch1)
	require.NoError(t, err)
	require.Equal(t, blk.Cid(), got1.Cid())

	got2, err := Wait(ctx, ch2)
	require.NoError(t, err)
	require.Equal(t, blk.Cid(), got2.Cid())
}

func TestBrokerTimeout(t *testing.T) {
	b := NewBroker()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	ch, _ := b.Subscribe(blk.Cid(), 1, message.WantBlock)
	defer b.Unsubscribe(blk.Cid(), ch)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Wait(ctx, ch)
	require.Error(t, err)
}

func TestBrokerUnsubscribeReleasesLocalWant(t *testing.T) {
	b := NewBroker()
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	ch, _ := b.Subscribe(blk.Cid(), 1, message.WantBlock)
	require.Equal(t, 1, b.ActiveWants())

	b.Unsubscribe(blk.Cid(), ch)
	require.Equal(t, 0, b.ActiveWants())
}
