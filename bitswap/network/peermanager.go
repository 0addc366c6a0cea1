package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/cassava-labs/ipfsnode/bitswap/message"
)

// connState is a connection handle's lifecycle state (spec §4.5).
type connState int

const (
	stateAbsent connState = iota
	stateOpening
	stateEstablished
	stateClosed
)

// connHandle is the per-peer mutable record backing a single logical
// substream: a write queue buffered to 32 messages (Send blocks while it
// is full) feeding a writer goroutine, and a
// reader goroutine decoding inbound frames. It exists only while a
// substream is open.
type connHandle struct {
	peer  peer.ID
	state connState
	send  chan *message.Message
	done  chan struct{}
	once  sync.Once
}

func (c *connHandle) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// PeerManager owns the set of connection handles, opening them lazily on
// first send and tearing them down on write/read failure or disconnect.
type PeerManager struct {
	host     host.Host
	deliver  func(from peer.ID, msg *message.Message)
	receiver Receiver

	mu    sync.Mutex
	conns map[peer.ID]*connHandle
}

// NewPeerManager returns a PeerManager bound to h. deliver is invoked for
// every successfully decoded inbound message.
func NewPeerManager(h host.Host, deliver func(peer.ID, *message.Message)) *PeerManager {
	return &PeerManager{
		host:    h,
		deliver: deliver,
		conns:   make(map[peer.ID]*connHandle),
	}
}

// SetReceiver registers the delegate notified of stream-level errors.
func (pm *PeerManager) SetReceiver(r Receiver) {
	pm.mu.Lock()
	pm.receiver = r
	pm.mu.Unlock()
}

// Send enqueues m for delivery to p, opening an outbound substream if no
// live handle exists; a newly opened handle starts out Established.
func (pm *PeerManager) Send(ctx context.Context, p peer.ID, m *message.Message) error {
	h, err := pm.handleFor(ctx, p)
	if err != nil {
		return err
	}
	select {
	case h.send <- m:
		return nil
	case <-h.done:
		// the handle died between acquisition and enqueue; the caller's
		// next send will lazily reopen it.
		return errStaleHandle
	}
}

var errStaleHandle = errors.New("bitswap network: connection handle closed")

func (pm *PeerManager) handleFor(ctx context.Context, p peer.ID) (*connHandle, error) {
	pm.mu.Lock()
	if h, ok := pm.conns[p]; ok && h.state != stateClosed {
		pm.mu.Unlock()
		return h, nil
	}
	pm.mu.Unlock()

	s, err := pm.host.NewStream(ctx, p, ProtocolBitswap)
	if err != nil {
		logger.Warn().Err(err).Str("peer", p.String()).Msg("opening bitswap stream failed")
		return nil, err
	}
	return pm.adopt(p, s), nil
}

// AdoptInbound registers s, received via the stream handler, as p's
// connection handle.
func (pm *PeerManager) AdoptInbound(p peer.ID, s network.Stream) *connHandle {
	return pm.adopt(p, s)
}

func (pm *PeerManager) adopt(p peer.ID, s network.Stream) *connHandle {
	h := &connHandle{
		peer:  p,
		state: stateEstablished,
		send:  make(chan *message.Message, 32),
		done:  make(chan struct{}),
	}

	pm.mu.Lock()
	pm.conns[p] = h
	pm.mu.Unlock()

	go pm.writeLoop(h, s)
	go pm.readLoop(h, s)

	return h
}

// writeLoop is the single consumer of h.send: it serializes every queued
// message to s in FIFO order. A write error drops the handle.
func (pm *PeerManager) writeLoop(h *connHandle, s network.Stream) {
	for {
		select {
		case msg := <-h.send:
			if err := message.WriteFrame(s, msg); err != nil {
				logger.Warn().Err(err).Str("peer", h.peer.String()).Msg("bitswap send error")
				pm.closeHandle(h, s)
				return
			}
		case <-h.done:
			return
		}
	}
}

// readLoop decodes inbound frames until the stream closes or a
// frame-length error occurs; a payload decode error is logged and
// skipped without tearing down the stream (spec §4.5).
func (pm *PeerManager) readLoop(h *connHandle, s network.Stream) {
	br := bufio.NewReader(s)
	for {
		msg, err := message.ReadFrame(br)
		if err != nil {
			if err == io.EOF || errors.Is(err, message.ErrFrameLength) {
				pm.closeHandle(h, s)
				pm.mu.Lock()
				r := pm.receiver
				pm.mu.Unlock()
				if r != nil {
					r.ReceiveError(h.peer, err)
				}
				return
			}
			// payload decode failure: io.ReadFull already consumed exactly
			// the declared frame length, so the stream is still aligned.
			// Log and keep reading instead of tearing the handle down.
			logger.Warn().Err(err).Str("peer", h.peer.String()).Msg("dropping malformed bitswap frame")
			continue
		}
		pm.deliver(h.peer, msg)
	}
}

func (pm *PeerManager) closeHandle(h *connHandle, s network.Stream) {
	h.state = stateClosed
	h.close()
	_ = s.Close()

	pm.mu.Lock()
	if cur, ok := pm.conns[h.peer]; ok && cur == h {
		delete(pm.conns, h.peer)
	}
	pm.mu.Unlock()
}

// Close tears down p's connection handle, if one exists.
func (pm *PeerManager) Close(p peer.ID) {
	pm.mu.Lock()
	h, ok := pm.conns[p]
	delete(pm.conns, p)
	pm.mu.Unlock()
	if ok {
		h.close()
	}
}

// CloseAll tears down every connection handle.
func (pm *PeerManager) CloseAll() {
	pm.mu.Lock()
	conns := pm.conns
	pm.conns = make(map[peer.ID]*connHandle)
	pm.mu.Unlock()
	for _, h := range conns {
		h.close()
	}
}
