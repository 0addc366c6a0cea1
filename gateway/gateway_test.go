package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	blocksutil "github.com/ipfs/go-ipfs-blocksutil"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsBodyOn200(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/vnd.ipld.raw", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusOK)
		w.Write(blk.RawData())
	}))
	defer srv.Close()

	c := New([]string{srv.URL}, 3)
	got, err := c.Get(context.Background(), blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got)
}

func TestGet404ShortCircuitsNoRetries(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New([]string{srv.URL}, 5)
	_, err := c.Get(context.Background(), blk.Cid())
	require.ErrorIs(t, err, ErrBlockNotFound)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestGetFallsBackToNextGatewayOnFailure(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(blk.RawData())
	}))
	defer good.Close()

	c := New([]string{bad.URL, good.URL}, 1)
	got, err := c.Get(context.Background(), blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got)
}

func TestGetWithZeroMaxRetriesStillTriesEveryGateway(t *testing.T) {
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]

	var badHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	var goodHits int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		w.WriteHeader(http.StatusOK)
		w.Write(blk.RawData())
	}))
	defer good.Close()

	c := New([]string{bad.URL, good.URL}, 0)
	got, err := c.Get(context.Background(), blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got)
	require.EqualValues(t, 1, atomic.LoadInt32(&badHits))
	require.EqualValues(t, 1, atomic.LoadInt32(&goodHits))

	c.mu.Lock()
	badStats := c.gateways[bad.URL]
	goodStats := c.gateways[good.URL]
	c.mu.Unlock()
	require.EqualValues(t, 1, badStats.consecutiveFailures)
	require.EqualValues(t, 1, goodStats.successes)
}

func TestAnnounceIsUnsupported(t *testing.T) {
	c := New([]string{"https://example.invalid"}, 1)
	gen := blocksutil.NewBlockGenerator()
	blk := gen.Blocks(1)[0]
	err := c.Announce(context.Background(), blk.Cid(), blk.RawData())
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestRankedGatewaysPrefersHigherScoreAfterFailures(t *testing.T) {
	c := New([]string{"https://a.invalid", "https://b.invalid"}, 1)
	c.gateways["https://a.invalid"].recordFailure()
	c.gateways["https://a.invalid"].recordFailure()
	c.gateways["https://b.invalid"].recordSuccess()

	ranked := c.rankedGateways()
	require.Equal(t, "https://b.invalid", ranked[0])
}
