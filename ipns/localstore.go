package ipns

import (
	"context"
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// NB: github.com/ipfs/go-datastore is pinned at v0.4.5, which predates the
// context-aware Datastore/Batching API (added later); Put/Get/Delete/Query
// below therefore take no ctx, though LocalStore's own methods keep ctx in
// their signatures for the spec-mandated context-respecting public surface.

// localStoreNamespace isolates cached records from any other use of the
// backing datastore.
var localStoreNamespace = ds.NewKey("ipns-records")

// cachedRecord pairs a raw (still-serialized) record with the local time it
// was stored, the basis for the TTL-aware expiry rule.
type cachedRecord struct {
	raw      []byte
	storedAt time.Time
	ttl      time.Duration
	validity time.Time
}

// LocalStore caches resolved/published records keyed by routing key, with
// expiry governed by whichever is sooner of the record's own TTL and its
// validity deadline, per SPEC_FULL's local-store supplement (grounded in
// helia-ipns's local_store.rs).
type LocalStore struct {
	ds ds.Batching
}

// NewLocalStore wraps backing with the ipns-records namespace.
func NewLocalStore(backing ds.Batching) *LocalStore {
	return &LocalStore{ds: namespace.Wrap(backing, localStoreNamespace)}
}

func recordKey(routingKey []byte) ds.Key {
	return ds.NewKey(fmt.Sprintf("/%x", routingKey))
}

// Put caches raw under routingKey, recording the current time as the
// freshness basis for later expiry checks.
func (s *LocalStore) Put(ctx context.Context, routingKey []byte, r *Record, raw []byte) error {
	cr := cachedRecord{raw: raw, storedAt: time.Now(), ttl: r.TTL, validity: r.Validity}
	encoded, err := encodeCachedRecord(cr)
	if err != nil {
		return fmt.Errorf("ipns: encoding cached record: %w", err)
	}
	return s.ds.Put(recordKey(routingKey), encoded)
}

// Get returns the cached raw record for routingKey, or ds.ErrNotFound if
// absent or expired. An expired entry is evicted on read.
func (s *LocalStore) Get(ctx context.Context, routingKey []byte) ([]byte, error) {
	key := recordKey(routingKey)
	encoded, err := s.ds.Get(key)
	if err != nil {
		return nil, err
	}
	cr, err := decodeCachedRecord(encoded)
	if err != nil {
		return nil, fmt.Errorf("ipns: decoding cached record: %w", err)
	}
	if s.expired(cr) {
		_ = s.ds.Delete(key)
		return nil, ds.ErrNotFound
	}
	return cr.raw, nil
}

func (s *LocalStore) expired(cr cachedRecord) bool {
	ttlDeadline := cr.storedAt.Add(cr.ttl)
	deadline := ttlDeadline
	if cr.validity.Before(deadline) {
		deadline = cr.validity
	}
	return time.Now().After(deadline)
}

// Delete removes any cached entry for routingKey.
func (s *LocalStore) Delete(ctx context.Context, routingKey []byte) error {
	return s.ds.Delete(recordKey(routingKey))
}

// Keys lists every routing key currently cached, used by the republish
// ticker to find records this node owns.
func (s *LocalStore) Keys(ctx context.Context) ([]ds.Key, error) {
	results, err := s.ds.Query(query.Query{KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("ipns: querying cached records: %w", err)
	}
	defer results.Close()

	var keys []ds.Key
	for entry := range results.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		keys = append(keys, ds.NewKey(entry.Key))
	}
	return keys, nil
}

// cachedRecordWire is the on-disk projection of a cachedRecord, encoded via
// go-ipld-cbor the same way record.go's cborData is.
type cachedRecordWire struct {
	Raw      []byte
	StoredAt int64
	TTL      int64
	Validity int64
}

func init() {
	cbor.RegisterCborType(cachedRecordWire{})
}

func encodeCachedRecord(cr cachedRecord) ([]byte, error) {
	w := cachedRecordWire{
		Raw:      cr.raw,
		StoredAt: cr.storedAt.UnixNano(),
		TTL:      cr.ttl.Nanoseconds(),
		Validity: cr.validity.UnixNano(),
	}
	return cbor.DumpObject(w)
}

func decodeCachedRecord(data []byte) (cachedRecord, error) {
	var w cachedRecordWire
	if err := cbor.DecodeInto(data, &w); err != nil {
		return cachedRecord{}, err
	}
	return cachedRecord{
		raw:      w.Raw,
		storedAt: time.Unix(0, w.StoredAt),
		ttl:      time.Duration(w.TTL),
		validity: time.Unix(0, w.Validity),
	}, nil
}
