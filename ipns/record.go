// Package ipns implements the IPNS record engine (C9) and publish/resolve
// engine (C10): signed mutable pointers to a CID, with dual V1/V2
// signatures over a deterministic DAG-CBOR projection.
package ipns

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/multiformats/go-multihash"
)

// signaturePrefixV2 is prepended to the CBOR payload before V2 signing, per
// spec §4.8.
const signaturePrefixV2 = "ipns-signature:"

// ErrValidationFailed reports an IPNS record that failed signature,
// routing-key, or schema validation.
type ErrValidationFailed struct {
	Detail string
}

func (e ErrValidationFailed) Error() string {
	return fmt.Sprintf("ipns: validation failed: %s", e.Detail)
}

// ErrRecordExpired reports a record that parsed correctly but whose
// validity already elapsed.
type ErrRecordExpired struct {
	Validity time.Time
}

func (e ErrRecordExpired) Error() string {
	return fmt.Sprintf("ipns: record expired at %s", e.Validity.Format(time.RFC3339))
}

// ErrNoValid is returned by SelectBest when no candidate record verifies.
var ErrNoValid = errors.New("ipns: no valid record among candidates")

// Record is the decoded form of an IPNS entry: a signed pointer from a
// public key to a value (usually an /ipfs/<cid> path).
type Record struct {
	Value        string
	Sequence     uint64
	Validity     time.Time
	ValidityType int64
	TTL          time.Duration
	PubKey       []byte
	SignatureV1  []byte
	SignatureV2  []byte
}

// cborData is the deterministic DAG-CBOR projection signed for V2, with
// fields in alphabetical order per spec §3/§4.8.
type cborData struct {
	Sequence     uint64
	TTL          uint64
	Validity     []byte
	ValidityType int64
	Value        []byte
}

func init() {
	cbor.RegisterCborType(cborData{})
}

func (r *Record) cborProjection() cborData {
	return cborData{
		Sequence:     r.Sequence,
		TTL:          uint64(r.TTL.Nanoseconds()),
		Validity:     []byte(r.Validity.UTC().Format(time.RFC3339)),
		ValidityType: r.ValidityType,
		Value:        []byte(r.Value),
	}
}

func (r *Record) cborBytes() ([]byte, error) {
	return cbor.DumpObject(r.cborProjection())
}

func v1SigningInput(value string, validity time.Time) []byte {
	var buf []byte
	buf = append(buf, []byte(value)...)
	buf = append(buf, []byte(validity.UTC().Format(time.RFC3339))...)
	buf = append(buf, '0')
	return buf
}

func v2SigningInput(cborBytes []byte) []byte {
	out := make([]byte, 0, len(signaturePrefixV2)+len(cborBytes))
	out = append(out, []byte(signaturePrefixV2)...)
	out = append(out, cborBytes...)
	return out
}

// CreateRecord builds and signs a new record pointing value, at the given
// sequence, expiring after lifetime with the given TTL advertised to
// caches.
func CreateRecord(priv crypto.PrivKey, value string, sequence uint64, lifetime time.Duration, ttl time.Duration) (*Record, error) {
	pub, err := crypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("ipns: marshaling public key: %w", err)
	}

	r := &Record{
		Value:        value,
		Sequence:     sequence,
		Validity:     time.Now().Add(lifetime),
		ValidityType: 0,
		TTL:          ttl,
		PubKey:       pub,
	}

	cborBytes, err := r.cborBytes()
	if err != nil {
		return nil, fmt.Errorf("ipns: building cbor projection: %w", err)
	}

	sigV2, err := priv.Sign(v2SigningInput(cborBytes))
	if err != nil {
		return nil, fmt.Errorf("ipns: v2 signing: %w", err)
	}
	sigV1, err := priv.Sign(v1SigningInput(r.Value, r.Validity))
	if err != nil {
		return nil, fmt.Errorf("ipns: v1 signing: %w", err)
	}

	r.SignatureV2 = sigV2
	r.SignatureV1 = sigV1
	return r, nil
}

// RoutingKey derives the DHT/router index for a public key: the "/ipns/"
// namespace prefix followed by the SHA-256 multihash of the public key's
// protobuf encoding.
func RoutingKey(pubKeyBytes []byte) ([]byte, error) {
	mh, err := multihash.Sum(pubKeyBytes, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("ipns: hashing public key: %w", err)
	}
	out := append([]byte("/ipns/"), []byte(mh)...)
	return out, nil
}

// Verify checks r's signatures, routing key (if provided), and temporal
// validity, per spec §4.8.
func Verify(r *Record, expectedRoutingKey []byte) error {
	pub, err := crypto.UnmarshalPublicKey(r.PubKey)
	if err != nil {
		return ErrValidationFailed{Detail: fmt.Sprintf("unmarshaling public key: %v", err)}
	}

	if expectedRoutingKey != nil {
		rk, err := RoutingKey(r.PubKey)
		if err != nil {
			return ErrValidationFailed{Detail: err.Error()}
		}
		if string(rk) != string(expectedRoutingKey) {
			return ErrValidationFailed{Detail: "routing key mismatch"}
		}
	}

	if len(r.SignatureV2) == 0 {
		return ErrValidationFailed{Detail: "missing v2 signature"}
	}
	cborBytes, err := r.cborBytes()
	if err != nil {
		return ErrValidationFailed{Detail: err.Error()}
	}
	ok, err := pub.Verify(v2SigningInput(cborBytes), r.SignatureV2)
	if err != nil || !ok {
		return ErrValidationFailed{Detail: "v2 signature verification failed"}
	}

	if len(r.SignatureV1) > 0 {
		ok, err := pub.Verify(v1SigningInput(r.Value, r.Validity), r.SignatureV1)
		if err != nil || !ok {
			return ErrValidationFailed{Detail: "v1 signature verification failed"}
		}
	}

	if r.Validity.Before(time.Now()) {
		return ErrRecordExpired{Validity: r.Validity}
	}

	if !strings.HasPrefix(r.Value, "/ipfs/") && !strings.HasPrefix(r.Value, "/ipns/") {
		return ErrValidationFailed{Detail: "value must begin with /ipfs/ or /ipns/"}
	}

	return nil
}

// SelectBest picks the authoritative record among candidates: highest
// sequence wins; ties broken by later validity, then by the
// lexicographically greater V2 signature. Records that fail Verify are
// excluded. Returns the winning index, or ErrNoValid if none verify.
func SelectBest(records []*Record, expectedRoutingKey []byte) (int, error) {
	type candidate struct {
		idx int
		rec *Record
	}
	var valid []candidate
	for i, r := range records {
		if err := Verify(r, expectedRoutingKey); err == nil {
			valid = append(valid, candidate{idx: i, rec: r})
		}
	}
	if len(valid) == 0 {
		return -1, ErrNoValid
	}

	sort.Slice(valid, func(i, j int) bool {
		a, b := valid[i].rec, valid[j].rec
		if a.Sequence != b.Sequence {
			return a.Sequence > b.Sequence
		}
		if !a.Validity.Equal(b.Validity) {
			return a.Validity.After(b.Validity)
		}
		return string(a.SignatureV2) > string(b.SignatureV2)
	})
	return valid[0].idx, nil
}

// ParseValue splits a resolved record value into its CID and any trailing
// subpath, e.g. "/ipfs/<cid>/a/b" -> (<cid>, "a/b").
func ParseValue(value string) (cid.Cid, string, error) {
	trimmed := strings.TrimPrefix(value, "/ipfs/")
	if trimmed == value {
		return cid.Cid{}, "", ErrValidationFailed{Detail: "value is not an /ipfs/ path"}
	}
	parts := strings.SplitN(trimmed, "/", 2)
	c, err := cid.Decode(parts[0])
	if err != nil {
		return cid.Cid{}, "", fmt.Errorf("ipns: parsing cid from value: %w", err)
	}
	if len(parts) == 2 {
		return c, parts[1], nil
	}
	return c, "", nil
}
