package ipns

import (
	"context"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/stretchr/testify/require"
)

// memRouter is an in-process Router fake for engine tests.
type memRouter struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemRouter() *memRouter {
	return &memRouter{data: make(map[string][]byte)}
}

func (r *memRouter) PutValue(ctx context.Context, key []byte, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[string(key)] = value
	return nil
}

func (r *memRouter) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[string(key)]
	if !ok {
		return nil, ds.ErrNotFound
	}
	return v, nil
}

func newEngine() *Engine {
	return NewEngine(newMemRouter(), NewLocalStore(dssync.MutexWrap(ds.NewMapDatastore())))
}

func TestEnginePublishThenResolve(t *testing.T) {
	e := newEngine()
	priv := genKey(t)
	value := "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

	require.NoError(t, e.Publish(context.Background(), priv, value))

	pub, err := pubKeyBytes(priv)
	require.NoError(t, err)
	got, err := e.Resolve(context.Background(), pub)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestEnginePublishIncrementsSequence(t *testing.T) {
	e := newEngine()
	priv := genKey(t)

	require.NoError(t, e.Publish(context.Background(), priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"))
	require.NoError(t, e.Publish(context.Background(), priv, "/ipfs/bafybeihykld7uyxzogax6vgyvag42y7464eywpf55gxi5qprnk7j2gwtzi"))

	pub, err := pubKeyBytes(priv)
	require.NoError(t, err)
	rk, err := RoutingKey(pub)
	require.NoError(t, err)

	raw, err := e.cache.Get(context.Background(), rk)
	require.NoError(t, err)
	r, err := unmarshalEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.Sequence)
}

func TestEnginePublishFirstCallUsesSequenceOne(t *testing.T) {
	e := newEngine()
	priv := genKey(t)
	require.NoError(t, e.Publish(context.Background(), priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"))

	pub, err := pubKeyBytes(priv)
	require.NoError(t, err)
	rk, err := RoutingKey(pub)
	require.NoError(t, err)

	raw, err := e.cache.Get(context.Background(), rk)
	require.NoError(t, err)
	r, err := unmarshalEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(1), r.Sequence)
}

func TestEnginePublishSeedsSequenceFromPersistedRecordAcrossEngines(t *testing.T) {
	priv := genKey(t)
	backing := dssync.MutexWrap(ds.NewMapDatastore())
	router := newMemRouter()

	e1 := NewEngine(router, NewLocalStore(backing))
	require.NoError(t, e1.Publish(context.Background(), priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"))

	// A second, unrelated Engine sharing the same backing store and router
	// (standing in for a process restart) must still advance the sequence
	// instead of restarting it at 1, since its in-memory e.published map is
	// empty.
	e2 := NewEngine(router, NewLocalStore(backing))
	require.NoError(t, e2.Publish(context.Background(), priv, "/ipfs/bafybeihykld7uyxzogax6vgyvag42y7464eywpf55gxi5qprnk7j2gwtzi"))

	pub, err := pubKeyBytes(priv)
	require.NoError(t, err)
	rk, err := RoutingKey(pub)
	require.NoError(t, err)

	raw, err := e2.cache.Get(context.Background(), rk)
	require.NoError(t, err)
	r, err := unmarshalEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.Sequence)
}

func TestEngineResolveFallsBackToRouterOnCacheMiss(t *testing.T) {
	router := newMemRouter()
	e := NewEngine(router, NewLocalStore(dssync.MutexWrap(ds.NewMapDatastore())))
	priv := genKey(t)
	value := "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
	require.NoError(t, e.Publish(context.Background(), priv, value))

	pub, err := pubKeyBytes(priv)
	require.NoError(t, err)
	rk, err := RoutingKey(pub)
	require.NoError(t, err)
	require.NoError(t, e.cache.Delete(context.Background(), rk))

	got, err := e.Resolve(context.Background(), pub)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestEngineUnpublishClearsLocalCache(t *testing.T) {
	e := newEngine()
	priv := genKey(t)
	require.NoError(t, e.Publish(context.Background(), priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"))

	require.NoError(t, e.Unpublish(context.Background(), priv))

	pub, err := pubKeyBytes(priv)
	require.NoError(t, err)
	rk, err := RoutingKey(pub)
	require.NoError(t, err)
	_, err = e.cache.Get(context.Background(), rk)
	require.ErrorIs(t, err, ds.ErrNotFound)
}

func TestEngineRepublishDueRepublishesOldEntries(t *testing.T) {
	e := newEngine()
	priv := genKey(t)
	require.NoError(t, e.Publish(context.Background(), priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"))

	pub, err := pubKeyBytes(priv)
	require.NoError(t, err)
	rk, err := RoutingKey(pub)
	require.NoError(t, err)

	e.mu.Lock()
	e.published[string(rk)].lastPub = time.Now().Add(-2 * DefaultRepublishThreshold)
	e.mu.Unlock()

	e.republishDue(context.Background())

	e.mu.Lock()
	seq := e.published[string(rk)].sequence
	e.mu.Unlock()
	require.Equal(t, uint64(2), seq)
}

func pubKeyBytes(priv crypto.PrivKey) ([]byte, error) {
	return crypto.MarshalPublicKey(priv.GetPublic())
}
