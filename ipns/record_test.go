package ipns

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	return priv
}

func TestCreateRecordRoundTripsVerify(t *testing.T) {
	priv := genKey(t)
	r, err := CreateRecord(priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", 1, time.Hour, 5*time.Minute)
	require.NoError(t, err)

	rk, err := RoutingKey(r.PubKey)
	require.NoError(t, err)
	require.NoError(t, Verify(r, rk))
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	priv := genKey(t)
	r, err := CreateRecord(priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", 1, time.Hour, time.Minute)
	require.NoError(t, err)

	r.Value = "/ipfs/bafybeihykld7uyxzogax6vgyvag42y7464eywpf55gxi5qprnk7j2gwtzi"
	require.Error(t, Verify(r, nil))
}

func TestVerifyRejectsWrongRoutingKey(t *testing.T) {
	priv := genKey(t)
	r, err := CreateRecord(priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", 1, time.Hour, time.Minute)
	require.NoError(t, err)

	other := genKey(t)
	otherPub, err := crypto.MarshalPublicKey(other.GetPublic())
	require.NoError(t, err)
	wrongKey, err := RoutingKey(otherPub)
	require.NoError(t, err)

	err = Verify(r, wrongKey)
	require.Error(t, err)
	require.IsType(t, ErrValidationFailed{}, err)
}

func TestVerifyRejectsExpiredRecord(t *testing.T) {
	priv := genKey(t)
	r, err := CreateRecord(priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", 1, time.Hour, time.Minute)
	require.NoError(t, err)

	r.Validity = time.Now().Add(-time.Minute)
	cborBytes, err := r.cborBytes()
	require.NoError(t, err)
	sigV2, err := priv.Sign(v2SigningInput(cborBytes))
	require.NoError(t, err)
	r.SignatureV2 = sigV2
	sigV1, err := priv.Sign(v1SigningInput(r.Value, r.Validity))
	require.NoError(t, err)
	r.SignatureV1 = sigV1

	err = Verify(r, nil)
	require.Error(t, err)
	require.IsType(t, ErrRecordExpired{}, err)
}

func TestSelectBestPrefersHigherSequence(t *testing.T) {
	priv := genKey(t)
	older, err := CreateRecord(priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", 1, time.Hour, time.Minute)
	require.NoError(t, err)
	newer, err := CreateRecord(priv, "/ipfs/bafybeihykld7uyxzogax6vgyvag42y7464eywpf55gxi5qprnk7j2gwtzi", 2, time.Hour, time.Minute)
	require.NoError(t, err)

	idx, err := SelectBest([]*Record{older, newer}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestSelectBestSkipsInvalidAndFallsBackToValid(t *testing.T) {
	priv := genKey(t)
	valid, err := CreateRecord(priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", 1, time.Hour, time.Minute)
	require.NoError(t, err)
	broken, err := CreateRecord(priv, "/ipfs/bafybeihykld7uyxzogax6vgyvag42y7464eywpf55gxi5qprnk7j2gwtzi", 2, time.Hour, time.Minute)
	require.NoError(t, err)
	broken.SignatureV2 = []byte("not a real signature")

	idx, err := SelectBest([]*Record{valid, broken}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestSelectBestNoValidReturnsErrNoValid(t *testing.T) {
	priv := genKey(t)
	r, err := CreateRecord(priv, "/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", 1, time.Hour, time.Minute)
	require.NoError(t, err)
	r.SignatureV2 = []byte("garbage")

	_, err = SelectBest([]*Record{r}, nil)
	require.ErrorIs(t, err, ErrNoValid)
}

func TestParseValueSplitsSubpath(t *testing.T) {
	c, sub, err := ParseValue("/ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi/a/b")
	require.NoError(t, err)
	require.Equal(t, "a/b", sub)
	require.Equal(t, "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi", c.String())
}

func TestParseValueRejectsNonIpfsValue(t *testing.T) {
	_, _, err := ParseValue("/ipns/someothername")
	require.Error(t, err)
}
