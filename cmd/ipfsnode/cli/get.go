package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-cid"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/cassava-labs/ipfsnode/blockstore"
)

func newGetCmd(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("ipfsnode get", flag.ExitOnError)
	var out string
	fs.StringVar(&out, "o", "", "write the block to this file instead of stdout")

	return &ffcli.Command{
		Name:       "get",
		ShortUsage: "ipfsnode get [flags] <cid>",
		ShortHelp:  "fetch a block by CID, falling back to a gateway if no peers answer",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("get: expected exactly one CID argument")
			}
			c, err := cid.Decode(args[0])
			if err != nil {
				return fmt.Errorf("get: parsing cid: %w", err)
			}

			n, err := openNode(ctx, cfg)
			if err != nil {
				return err
			}

			blk, err := n.store.Get(ctx, c)
			if err != nil {
				if errors.Is(err, blockstore.ErrBlockNotFound) {
					data, gerr := n.gw.Get(ctx, c)
					if gerr != nil {
						return fmt.Errorf("get: no peers and gateway fallback failed: %w", gerr)
					}
					return writeOutput(out, data)
				}
				return fmt.Errorf("get: %w", err)
			}

			logger.Info().Str("cid", c.String()).Str("size", humanize.Bytes(uint64(len(blk.RawData())))).Msg("fetched block")
			return writeOutput(out, blk.RawData())
		},
	}
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
