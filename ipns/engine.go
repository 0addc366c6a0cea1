package ipns

import (
	"context"
	"fmt"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	gopath "github.com/ipfs/go-path"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("module", "ipns").Logger()

// Defaults for the publish/resolve engine (C10), per spec §9.
const (
	DefaultRecordLifetime     = 48 * time.Hour
	DefaultTTL                = time.Hour
	DefaultRepublishInterval  = time.Hour
	DefaultRepublishThreshold = 4 * time.Hour
	DefaultDHTExpiry          = 24 * time.Hour
)

// publishedEntry tracks a name this node owns, so the republish ticker
// knows what to keep alive.
type publishedEntry struct {
	priv     crypto.PrivKey
	value    string
	sequence uint64
	lastPub  time.Time
}

// Engine implements publish/resolve/unpublish and a background republish
// ticker over a Router and LocalStore.
type Engine struct {
	router Router
	cache  *LocalStore

	mu        sync.Mutex
	published map[string]*publishedEntry

	stopCh chan struct{}
	once   sync.Once
}

// NewEngine constructs an Engine publishing to/resolving via router and
// caching through cache.
func NewEngine(router Router, cache *LocalStore) *Engine {
	return &Engine{
		router:    router,
		cache:     cache,
		published: make(map[string]*publishedEntry),
		stopCh:    make(chan struct{}),
	}
}

// Publish signs a new record for value under priv's key at the next
// sequence number for that key, and puts it to the router and local cache.
// The sequence is derived from the existing stored record (spec §4.9 step
// 2: sequence = existing.sequence + 1, or 1 if none is found), not from
// in-memory state alone, so a publish after a process restart still
// advances monotonically.
func (e *Engine) Publish(ctx context.Context, priv crypto.PrivKey, value string) error {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return fmt.Errorf("ipns: marshaling public key: %w", err)
	}
	rk, err := RoutingKey(pub)
	if err != nil {
		return err
	}

	seq, err := e.nextSequence(ctx, rk)
	if err != nil {
		return err
	}

	r, err := CreateRecord(priv, value, seq, DefaultRecordLifetime, DefaultTTL)
	if err != nil {
		return err
	}

	raw, err := marshalEnvelope(r)
	if err != nil {
		return fmt.Errorf("ipns: marshaling envelope: %w", err)
	}

	if err := e.router.PutValue(ctx, rk, raw); err != nil {
		return fmt.Errorf("ipns: publishing to router: %w", err)
	}
	if err := e.cache.Put(ctx, rk, r, raw); err != nil {
		logger.Warn().Err(err).Msg("failed to cache published record")
	}

	e.mu.Lock()
	e.published[string(rk)] = &publishedEntry{priv: priv, value: value, sequence: seq, lastPub: time.Now()}
	e.mu.Unlock()

	return nil
}

// nextSequence returns one past the sequence of the existing record stored
// under rk, checked in the local cache and then the router, or 1 if no
// record is found anywhere.
func (e *Engine) nextSequence(ctx context.Context, rk []byte) (uint64, error) {
	if raw, err := e.cache.Get(ctx, rk); err == nil {
		if r, err := unmarshalEnvelope(raw); err == nil {
			return r.Sequence + 1, nil
		}
	}
	if raw, err := e.router.GetValue(ctx, rk); err == nil {
		if r, err := unmarshalEnvelope(raw); err == nil {
			return r.Sequence + 1, nil
		}
	}
	return 1, nil
}

// Resolve fetches and verifies the record for pubKeyBytes, returning its
// value as a path string (e.g. "/ipfs/<cid>/a/b"); use ParseValue to split
// it into CID and subpath. It tries the local cache first, falling back to
// the router on a miss.
func (e *Engine) Resolve(ctx context.Context, pubKeyBytes []byte) (string, error) {
	rk, err := RoutingKey(pubKeyBytes)
	if err != nil {
		return "", err
	}

	raw, err := e.cache.Get(ctx, rk)
	if err != nil {
		raw, err = e.router.GetValue(ctx, rk)
		if err != nil {
			return "", fmt.Errorf("ipns: resolving from router: %w", err)
		}
	}

	r, err := unmarshalEnvelope(raw)
	if err != nil {
		return "", fmt.Errorf("ipns: decoding record: %w", err)
	}
	if err := Verify(r, rk); err != nil {
		return "", err
	}
	if err := e.cache.Put(ctx, rk, r, raw); err != nil {
		logger.Warn().Err(err).Msg("failed to refresh cached record")
	}

	if _, err := gopath.ParsePath(r.Value); err != nil {
		return "", fmt.Errorf("ipns: resolved value is not a valid path: %w", err)
	}
	return r.Value, nil
}

// Unpublish removes the locally cached record for priv's key. The router
// entry is left to expire naturally per its TTL/validity, matching how the
// DHT itself has no delete operation.
func (e *Engine) Unpublish(ctx context.Context, priv crypto.PrivKey) error {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return fmt.Errorf("ipns: marshaling public key: %w", err)
	}
	rk, err := RoutingKey(pub)
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.published, string(rk))
	e.mu.Unlock()

	return e.cache.Delete(ctx, rk)
}

// StartRepublishing spawns a background ticker that re-publishes any owned
// name whose last publish is older than DefaultRepublishThreshold, checking
// every DefaultRepublishInterval. Stop() ends the loop.
func (e *Engine) StartRepublishing(ctx context.Context) {
	go e.republishLoop(ctx)
}

func (e *Engine) republishLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultRepublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.republishDue(ctx)
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) republishDue(ctx context.Context) {
	e.mu.Lock()
	due := make([]*publishedEntry, 0, len(e.published))
	now := time.Now()
	for _, entry := range e.published {
		if now.Sub(entry.lastPub) >= DefaultRepublishThreshold {
			due = append(due, entry)
		}
	}
	e.mu.Unlock()

	if keys, err := e.cache.Keys(ctx); err != nil {
		logger.Warn().Err(err).Msg("listing locally stored records for republish")
	} else {
		e.warnOrphanedRecords(keys)
	}

	for _, entry := range due {
		if err := e.Publish(ctx, entry.priv, entry.value); err != nil {
			logger.Warn().Err(err).Msg("republish failed")
		}
	}
}

// warnOrphanedRecords cross-checks LocalStore.Keys (every record this node
// currently holds in its local cache) against the in-memory set of owned names
// this process holds a signing key for. A record with no matching entry was
// published by an earlier process on this key's repo and can't be
// republished until its key is reloaded (e.g. via the keystore).
func (e *Engine) warnOrphanedRecords(keys []ds.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		owned := false
		for rk := range e.published {
			if recordKey([]byte(rk)).String() == k.String() {
				owned = true
				break
			}
		}
		if !owned {
			logger.Debug().Str("key", k.String()).Msg("locally cached record has no loaded signing key; skipping republish")
		}
	}
}

// Stop terminates the republish loop. Idempotent.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
}
