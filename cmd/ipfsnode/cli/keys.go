package cli

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p-core/crypto"
)

// loadOrCreateKey returns the named keystore entry, generating and
// persisting a fresh ed25519 identity the first time name is used.
func loadOrCreateKey(n *node, name string) (crypto.PrivKey, error) {
	priv, err := n.ks.Get(name)
	if err == nil {
		return priv, nil
	}

	priv, _, genErr := crypto.GenerateEd25519Key(rand.Reader)
	if genErr != nil {
		return nil, fmt.Errorf("generating key %q: %w", name, genErr)
	}
	if putErr := n.ks.Put(name, priv); putErr != nil {
		return nil, fmt.Errorf("persisting key %q: %w", name, putErr)
	}
	return priv, nil
}

// errKeyNotFound is returned by resolve when the given name isn't a known
// local key and doesn't parse as a raw public key.
var errKeyNotFound = errors.New("cli: key not found")
