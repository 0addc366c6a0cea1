// Package network implements the Bitswap stream behaviour (spec §4.5): a
// long-lived substream per peer, held open by a writer/reader goroutine
// pair, rather than the legacy one-stream-per-message request/response
// style some older bitswap implementations use.
package network

import (
	"context"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"github.com/cassava-labs/ipfsnode/bitswap/message"
)

var logger = log.With().Str("module", "bitswap/network").Logger()

// ProtocolBitswap is the substream protocol identifier for this module.
const ProtocolBitswap = protocol.ID("/ipfs/bitswap/1.2.0")

// Receiver is the delegate notified of inbound messages and connectivity
// changes. The bitswap coordinator implements this interface.
type Receiver interface {
	ReceiveMessage(ctx context.Context, from peer.ID, msg *message.Message)
	ReceiveError(from peer.ID, err error)
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// BitSwapNetwork is the transport capability the coordinator depends on:
// send a message to a peer (via its long-lived connection handle) and
// register to receive inbound ones.
type BitSwapNetwork interface {
	SendMessage(ctx context.Context, p peer.ID, m *message.Message) error
	SetDelegate(r Receiver)
	ConnectTo(ctx context.Context, p peer.ID) error
	Stop()
}

// Network adapts a libp2p host into a BitSwapNetwork, maintaining one
// PeerManager-owned connection handle per peer.
type Network struct {
	host     host.Host
	receiver Receiver
	peers    *PeerManager
}

// New returns a Network bound to h. It registers the bitswap stream
// handler and a network notifiee for connect/disconnect events.
func New(h host.Host) *Network {
	n := &Network{host: h}
	n.peers = NewPeerManager(h, n.handleInbound)
	h.SetStreamHandler(ProtocolBitswap, n.handleNewStream)
	h.Network().Notify(n.notifiee())
	return n
}

// SetDelegate registers the receiver of inbound messages and connectivity
// events.
func (n *Network) SetDelegate(r Receiver) {
	n.receiver = r
	n.peers.SetReceiver(r)
}

// SendMessage enqueues m on p's per-peer write queue, opening the
// connection handle if necessary.
func (n *Network) SendMessage(ctx context.Context, p peer.ID, m *message.Message) error {
	return n.peers.Send(ctx, p, m)
}

// ConnectTo dials p if not already connected.
func (n *Network) ConnectTo(ctx context.Context, p peer.ID) error {
	return n.host.Connect(ctx, peer.AddrInfo{ID: p})
}

// Stop tears down every peer connection handle.
func (n *Network) Stop() {
	n.peers.CloseAll()
}

func (n *Network) handleInbound(from peer.ID, msg *message.Message) {
	if n.receiver == nil {
		return
	}
	n.receiver.ReceiveMessage(context.Background(), from, msg)
}

// handleNewStream accepts an inbound substream and hands it to the
// PeerManager as that peer's established connection handle.
func (n *Network) handleNewStream(s network.Stream) {
	p := s.Conn().RemotePeer()
	n.peers.AdoptInbound(p, s)
}

type notifieeImpl struct {
	n *Network
}

func (n *Network) notifiee() network.Notifiee { return &notifieeImpl{n: n} }

func (nn *notifieeImpl) Connected(network.Network, network.Conn) {}
func (nn *notifieeImpl) Disconnected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()
	if nn.n.host.Network().Connectedness(p) != network.Connected {
		nn.n.peers.Close(p)
		if nn.n.receiver != nil {
			nn.n.receiver.PeerDisconnected(p)
		}
	}
}
func (nn *notifieeImpl) Listen(network.Network, multiaddr.Multiaddr)      {}
func (nn *notifieeImpl) ListenClose(network.Network, multiaddr.Multiaddr) {}
func (nn *notifieeImpl) OpenedStream(network.Network, network.Stream)    {}
func (nn *notifieeImpl) ClosedStream(network.Network, network.Stream)    {}
