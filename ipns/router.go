package ipns

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/libp2p/go-libp2p-core/routing"
)

// Router is the storage substrate IPNS records are published to and
// resolved from, keyed by the routing key derived via RoutingKey.
type Router interface {
	PutValue(ctx context.Context, key []byte, value []byte) error
	GetValue(ctx context.Context, key []byte) ([]byte, error)
}

// DHTRouter adapts a libp2p routing.ValueStore (normally a *dht.IpfsDHT) to
// Router.
type DHTRouter struct {
	vs routing.ValueStore
}

// NewDHTRouter wraps vs, typically the DHT handed to the node at startup.
func NewDHTRouter(vs routing.ValueStore) *DHTRouter {
	return &DHTRouter{vs: vs}
}

// PutValue stores value under key in the DHT.
func (r *DHTRouter) PutValue(ctx context.Context, key []byte, value []byte) error {
	return r.vs.PutValue(ctx, string(key), value)
}

// GetValue fetches the value stored under key from the DHT.
func (r *DHTRouter) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	return r.vs.GetValue(ctx, string(key))
}

// HTTPRouter delegates routing to a remote delegated-routing endpoint over
// plain HTTP. No delegated-routing client exists anywhere in the example
// pack, so this is the one component in the ipns package built directly on
// net/http rather than a third-party client.
type HTTPRouter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRouter targets the delegated routing server at endpoint (e.g.
// "https://delegated-ipfs.dev").
func NewHTTPRouter(endpoint string, client *http.Client) *HTTPRouter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRouter{endpoint: endpoint, client: client}
}

// PutValue PUTs value to the router's /routing/v1/ipns/{key} endpoint.
func (r *HTTPRouter) PutValue(ctx context.Context, key []byte, value []byte) error {
	url := fmt.Sprintf("%s/routing/v1/ipns/%s", r.endpoint, routingKeyPath(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("ipns: building http put: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.ipfs.ipns-record")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("ipns: http put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ipns: http put returned status %d", resp.StatusCode)
	}
	return nil
}

// GetValue GETs the record for key from the router's delegated endpoint.
func (r *HTTPRouter) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/routing/v1/ipns/%s", r.endpoint, routingKeyPath(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ipns: building http get: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.ipfs.ipns-record")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipns: http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipns: http get returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func routingKeyPath(key []byte) string {
	// the path segment is the lowercase hex of the full routing key as
	// returned by RoutingKey ("/ipns/" prefix bytes included), not an IPNS
	// name in peer-ID or CID form.
	return fmt.Sprintf("%x", key)
}
