// Package blockstore implements the layered block store (C8): a local
// key-value block backend with Bitswap network fallback and mandatory
// cache-on-fetch, giving an at-most-once-network-fetch-per-CID guarantee
// together with the bitswap session broker's coalescing.
package blockstore

import (
	"context"
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/rs/zerolog/log"

	"github.com/cassava-labs/ipfsnode/bitswap"
)

var logger = log.With().Str("module", "blockstore").Logger()

// ErrBlockNotFound is returned when a CID is absent locally and every
// retrieval path (network want, in this layer) has been exhausted.
var ErrBlockNotFound = errors.New("blockstore: block not found")

// Coordinator is the subset of *bitswap.Bitswap the store depends on,
// named so tests can substitute a fake.
type Coordinator interface {
	Want(ctx context.Context, c cid.Cid, opts bitswap.WantOptions) ([]byte, error)
	NotifyNewBlocks(ctx context.Context, blks []blocks.Block, opts bitswap.NotifyOptions) error
}

// Blockstore wraps a local blockstore.Blockstore with network fallback via
// a bitswap.Bitswap coordinator.
type Blockstore struct {
	local blockstore.Blockstore
	bs    Coordinator
}

// New returns a layered Blockstore over local, falling back to bs on a
// local miss.
func New(local blockstore.Blockstore, bs Coordinator) *Blockstore {
	return &Blockstore{local: local, bs: bs}
}

// Get performs a local read; on miss, it delegates to the coordinator's
// Want and caches the result locally before returning.
func (s *Blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	blk, err := s.local.Get(c)
	if err == nil {
		return blk, nil
	}
	if !errors.Is(err, blockstore.ErrNotFound) {
		return nil, fmt.Errorf("blockstore: local read: %w", err)
	}

	data, werr := s.bs.Want(ctx, c, bitswap.WantOptions{})
	if werr != nil {
		if errors.Is(werr, bitswap.ErrTimeout) || errors.Is(werr, bitswap.ErrNoPeers) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("blockstore: network fetch: %w", werr)
	}

	fetched, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, bitswap.DataIntegrityError{Cid: c}
	}
	if err := s.local.Put(fetched); err != nil {
		logger.Warn().Err(err).Str("cid", c.String()).Msg("failed to cache fetched block")
	}
	return fetched, nil
}

// Put writes b to the local store, then announces it to the network. A
// failure to announce is logged but does not fail the Put.
func (s *Blockstore) Put(ctx context.Context, b blocks.Block) error {
	if err := s.local.Put(b); err != nil {
		return fmt.Errorf("blockstore: local write: %w", err)
	}
	if err := s.bs.NotifyNewBlocks(ctx, []blocks.Block{b}, bitswap.NotifyOptions{Broadcast: true}); err != nil {
		logger.Warn().Err(err).Str("cid", b.Cid().String()).Msg("failed to announce new block")
	}
	return nil
}

// Has reports local presence only; it never queries the network, to avoid
// amplification.
func (s *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.local.Has(c)
}

// GetMany streams results for each requested CID.
func (s *Blockstore) GetMany(ctx context.Context, cids []cid.Cid) <-chan blocks.Block {
	out := make(chan blocks.Block)
	go func() {
		defer close(out)
		for _, c := range cids {
			blk, err := s.Get(ctx, c)
			if err != nil {
				continue
			}
			select {
			case out <- blk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// PutMany writes every block in blks, returning the first error
// encountered (if any), after attempting all of them.
func (s *Blockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	var firstErr error
	for _, b := range blks {
		if err := s.Put(ctx, b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteMany removes each CID from the local store.
func (s *Blockstore) DeleteMany(ctx context.Context, cids []cid.Cid) error {
	var firstErr error
	for _, c := range cids {
		if err := s.local.DeleteBlock(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
