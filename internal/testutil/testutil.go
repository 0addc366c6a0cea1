// Package testutil provides mocknet-backed node fixtures for the bitswap
// test suite.
package testutil

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
)

// TestNode bundles a libp2p host with a backing datastore, the minimal
// fixture most component tests need.
type TestNode struct {
	Host host.Host
	Ds   ds.Batching
}

// NewTestNode generates a new peer identity on mn and applies any opts
// before returning the resulting node. An opt that sets tn.Host overrides
// the mocknet-generated host (used when a test needs a real swarm for
// stream-handler registration, e.g. via swarmt.GenSwarm + bhost.NewBlankHost).
func NewTestNode(mn mocknet.Mocknet, t *testing.T, opts ...func(*TestNode)) *TestNode {
	t.Helper()

	tn := &TestNode{
		Ds: dssync.MutexWrap(ds.NewMapDatastore()),
	}
	for _, opt := range opts {
		opt(tn)
	}
	if tn.Host == nil {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		tn.Host = h
	}
	return tn
}

// Connect links two test nodes: each learns the other's address, then a
// dials b directly. Works for both mocknet-generated hosts and real
// swarm-backed ones.
func Connect(a, b *TestNode) {
	aInfo := peer.AddrInfo{ID: a.Host.ID(), Addrs: a.Host.Addrs()}
	bInfo := peer.AddrInfo{ID: b.Host.ID(), Addrs: b.Host.Addrs()}
	a.Host.Peerstore().AddAddrs(bInfo.ID, bInfo.Addrs, peerstore.PermanentAddrTTL)
	b.Host.Peerstore().AddAddrs(aInfo.ID, aInfo.Addrs, peerstore.PermanentAddrTTL)

	if err := a.Host.Connect(context.Background(), bInfo); err != nil {
		panic(err)
	}
}
