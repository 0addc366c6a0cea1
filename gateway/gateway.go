// Package gateway implements the HTTP trustless-gateway read-only fallback
// (C11): a block fetch path usable when no libp2p peers are reachable.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("module", "gateway").Logger()

// ErrUnsupported is returned by Announce: gateways are read-only.
var ErrUnsupported = errors.New("gateway: announce is unsupported")

// ErrBlockNotFound is returned when a gateway responds 404 for a CID.
var ErrBlockNotFound = errors.New("gateway: block not found")

// backoffBase is the base delay for the exponential retry schedule.
const backoffBase = 100 * time.Millisecond

// failureDecay shrinks a gateway's reliability score per consecutive
// failure, per spec §4.10.
const failureDecay = 0.9

// stats tracks per-gateway reliability bookkeeping.
type stats struct {
	requests            uint64
	successes           uint64
	consecutiveFailures uint64
}

func (s *stats) score() float64 {
	if s.requests == 0 {
		return 1 // untried gateways sort first
	}
	successRate := float64(s.successes) / float64(s.requests)
	return successRate * math.Pow(failureDecay, float64(s.consecutiveFailures))
}

func (s *stats) recordSuccess() {
	s.requests++
	s.successes++
	s.consecutiveFailures = 0
}

func (s *stats) recordFailure() {
	s.requests++
	s.consecutiveFailures++
}

// Client fetches blocks from a pool of trustless HTTP gateways, preferring
// the most reliable one observed so far.
type Client struct {
	httpClient *http.Client
	maxRetries int

	mu       sync.Mutex
	gateways map[string]*stats
	order    []string
}

// New constructs a Client over the given gateway base URLs (e.g.
// "https://ipfs.io"), retrying each up to maxRetries times before moving to
// the next.
func New(gatewayURLs []string, maxRetries int) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: maxRetries,
		gateways:   make(map[string]*stats, len(gatewayURLs)),
	}
	for _, g := range gatewayURLs {
		if _, dup := c.gateways[g]; dup {
			continue
		}
		c.gateways[g] = &stats{}
		c.order = append(c.order, g)
	}
	return c
}

// rankedGateways returns gateway URLs sorted by descending reliability
// score; gateways with equal scores keep their configured order.
func (c *Client) rankedGateways() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	urls := append([]string(nil), c.order...)
	sort.SliceStable(urls, func(i, j int) bool {
		return c.gateways[urls[i]].score() > c.gateways[urls[j]].score()
	})
	return urls
}

// Get fetches the raw bytes for c from the first gateway that serves it,
// trying gateways in reliability order and retrying transient failures
// within each gateway with exponential backoff.
func (g *Client) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	var lastErr error
	for _, gatewayURL := range g.rankedGateways() {
		data, err := g.getFromGateway(ctx, gatewayURL, c)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, ErrBlockNotFound) {
			lastErr = err
			continue
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("gateway: no gateways configured")
	}
	return nil, lastErr
}

func (g *Client) getFromGateway(ctx context.Context, gatewayURL string, c cid.Cid) ([]byte, error) {
	b := &backoff.Backoff{Min: backoffBase, Factor: 2, Jitter: true}

	g.mu.Lock()
	st := g.gateways[gatewayURL]
	g.mu.Unlock()

	var lastErr error
	// maxRetries counts retries after the first attempt, so the first
	// attempt always runs even when maxRetries is 0.
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, status, err := g.doRequest(ctx, gatewayURL, c)
		if err != nil {
			st.recordFailure()
			lastErr = err
			continue
		}
		if status == http.StatusNotFound {
			st.recordFailure()
			return nil, ErrBlockNotFound
		}
		if status/100 != 2 {
			st.recordFailure()
			lastErr = fmt.Errorf("gateway %s: unexpected status %d", gatewayURL, status)
			continue
		}

		st.recordSuccess()
		return data, nil
	}
	return nil, lastErr
}

func (g *Client) doRequest(ctx context.Context, gatewayURL string, c cid.Cid) ([]byte, int, error) {
	url := fmt.Sprintf("%s/ipfs/%s?format=raw", gatewayURL, c.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway: building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.ipld.raw")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway: request to %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, resp.StatusCode, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway: reading body from %s: %w", gatewayURL, err)
	}
	return data, resp.StatusCode, nil
}

// Announce is unsupported: gateways are a read-only fallback.
func (g *Client) Announce(ctx context.Context, c cid.Cid, data []byte) error {
	return ErrUnsupported
}
