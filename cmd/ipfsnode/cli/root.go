// Package cli implements the ipfsnode command-line driver: a thin
// ffcli-based wrapper over the bitswap coordinator, layered block store,
// and IPNS engine.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger"
	gobs "github.com/ipfs/go-ipfs-blockstore"
	keystore "github.com/ipfs/go-ipfs-keystore"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/host"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog/log"

	"github.com/cassava-labs/ipfsnode/bitswap"
	"github.com/cassava-labs/ipfsnode/blockstore"
	"github.com/cassava-labs/ipfsnode/gateway"
	"github.com/cassava-labs/ipfsnode/ipns"
)

var logger = log.With().Str("module", "cli").Logger()

// rootConfig carries flags shared across every subcommand.
type rootConfig struct {
	repoPath    string
	gatewayURLs string
}

// node bundles everything a subcommand needs to act on the local repo.
type node struct {
	host  host.Host
	store *blockstore.Blockstore
	bs    *bitswap.Bitswap
	ipns  *ipns.Engine
	gw    *gateway.Client
	ks    keystore.Keystore
}

// Root builds the top-level ipfsnode command tree.
func Root() *ffcli.Command {
	cfg := &rootConfig{}
	fs := flag.NewFlagSet("ipfsnode", flag.ExitOnError)
	fs.StringVar(&cfg.repoPath, "repo", defaultRepoPath(), "path to the node's data repository")
	fs.StringVar(&cfg.gatewayURLs, "gateways", "https://ipfs.io,https://dweb.link", "comma-separated trustless gateway base URLs")

	return &ffcli.Command{
		Name:       "ipfsnode",
		ShortUsage: "ipfsnode <subcommand> [flags] [args...]",
		ShortHelp:  "a content-addressed node: bitswap exchange, layered block store, and IPNS",
		FlagSet:    fs,
		Subcommands: []*ffcli.Command{
			newGetCmd(cfg),
			newPublishCmd(cfg),
			newResolveCmd(cfg),
			newUnpublishCmd(cfg),
			newStatsCmd(cfg),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}
}

func defaultRepoPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ipfsnode"
	}
	return home + "/.ipfsnode"
}

// openNode wires a node's full stack: libp2p host, badger-backed datastore,
// layered block store, bitswap coordinator, IPNS engine, and gateway
// fallback client.
func openNode(ctx context.Context, cfg *rootConfig) (*node, error) {
	if err := os.MkdirAll(cfg.repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating repo at %s: %w", cfg.repoPath, err)
	}

	h, err := libp2p.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting libp2p host: %w", err)
	}

	dsOpts := badger.DefaultOptions
	backing, err := badger.NewDatastore(cfg.repoPath+"/blocks", &dsOpts)
	if err != nil {
		return nil, fmt.Errorf("opening block datastore: %w", err)
	}
	local := gobs.NewBlockstore(dssync.MutexWrap(backing))

	bs := bitswap.New(h, local)
	if err := bs.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting bitswap: %w", err)
	}

	store := blockstore.New(local, bs)

	idht, err := dht.New(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("starting DHT: %w", err)
	}
	router := ipns.NewDHTRouter(idht)

	ipnsDs, err := badger.NewDatastore(cfg.repoPath+"/ipns", &dsOpts)
	if err != nil {
		return nil, fmt.Errorf("opening ipns datastore: %w", err)
	}
	cache := ipns.NewLocalStore(dssync.MutexWrap(ipnsDs))
	engine := ipns.NewEngine(router, cache)
	engine.StartRepublishing(ctx)

	ksPath := cfg.repoPath + "/keystore"
	if err := os.MkdirAll(ksPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating keystore dir: %w", err)
	}
	ks, err := keystore.NewFSKeystore(ksPath)
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	gw := gateway.New(splitGatewayURLs(cfg.gatewayURLs), 3)

	return &node{host: h, store: store, bs: bs, ipns: engine, gw: gw, ks: ks}, nil
}

func splitGatewayURLs(csv string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}
