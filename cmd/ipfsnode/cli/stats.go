package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func newStatsCmd(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("ipfsnode stats", flag.ExitOnError)

	return &ffcli.Command{
		Name:       "stats",
		ShortUsage: "ipfsnode stats",
		ShortHelp:  "print bitswap coordinator counters",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			n, err := openNode(ctx, cfg)
			if err != nil {
				return err
			}

			s := n.bs.Stats()
			fmt.Printf("peers connected:    %d\n", s.PeersConnected)
			fmt.Printf("active wants:       %d\n", s.ActiveWants)
			fmt.Printf("blocks sent:        %d (%s)\n", s.BlocksSent, humanize.Bytes(s.DataSent))
			fmt.Printf("blocks received:    %d (%s)\n", s.BlocksReceived, units.HumanSize(float64(s.DataReceived)))
			fmt.Printf("duplicate blocks:   %d\n", s.DupBlocksReceived)
			fmt.Printf("messages sent:      %d\n", s.MessagesSent)
			fmt.Printf("messages received:  %d\n", s.MessagesReceived)
			return nil
		},
	}
}
