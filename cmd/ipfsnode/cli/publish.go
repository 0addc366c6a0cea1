package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"
)

func newPublishCmd(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("ipfsnode publish", flag.ExitOnError)
	var keyName string
	fs.StringVar(&keyName, "key", "self", "keystore entry to sign the record with (generated if absent)")

	return &ffcli.Command{
		Name:       "publish",
		ShortUsage: "ipfsnode publish [flags] <ipfs-path>",
		ShortHelp:  "publish an IPNS record pointing at a path",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("publish: expected exactly one /ipfs/<cid>[/...] argument")
			}

			n, err := openNode(ctx, cfg)
			if err != nil {
				return err
			}

			priv, err := loadOrCreateKey(n, keyName)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			if err := n.ipns.Publish(ctx, priv, args[0]); err != nil {
				return fmt.Errorf("publish: %w", err)
			}

			logger.Info().Str("key", keyName).Str("value", args[0]).Msg("published ipns record")
			return nil
		},
	}
}
