package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/multiformats/go-multibase"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func newResolveCmd(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("ipfsnode resolve", flag.ExitOnError)

	return &ffcli.Command{
		Name:       "resolve",
		ShortUsage: "ipfsnode resolve <key-name-or-pubkey>",
		ShortHelp:  "resolve an IPNS name to its current path",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("resolve: expected exactly one key name or multibase-encoded public key")
			}

			n, err := openNode(ctx, cfg)
			if err != nil {
				return err
			}

			pub, err := resolveKeyArg(n, args[0])
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}

			value, err := n.ipns.Resolve(ctx, pub)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}

			fmt.Println(value)
			return nil
		},
	}
}

// resolveKeyArg accepts either a local keystore entry name or a
// multibase-encoded marshaled public key, returning the latter form.
func resolveKeyArg(n *node, arg string) ([]byte, error) {
	if priv, err := n.ks.Get(arg); err == nil {
		return crypto.MarshalPublicKey(priv.GetPublic())
	}

	_, data, err := multibase.Decode(arg)
	if err != nil {
		return nil, errKeyNotFound
	}
	return data, nil
}
