package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func newUnpublishCmd(cfg *rootConfig) *ffcli.Command {
	fs := flag.NewFlagSet("ipfsnode unpublish", flag.ExitOnError)
	var yes bool
	fs.BoolVar(&yes, "y", false, "skip the confirmation prompt")

	return &ffcli.Command{
		Name:       "unpublish",
		ShortUsage: "ipfsnode unpublish [flags] <key-name>",
		ShortHelp:  "remove a locally cached IPNS record",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return errors.New("unpublish: expected exactly one key name")
			}

			n, err := openNode(ctx, cfg)
			if err != nil {
				return err
			}

			priv, err := n.ks.Get(args[0])
			if err != nil {
				return fmt.Errorf("unpublish: unknown key %q: %w", args[0], err)
			}

			if !yes {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("remove the locally cached IPNS record for %q?", args[0]),
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return fmt.Errorf("unpublish: %w", err)
				}
				if !confirmed {
					return nil
				}
			}

			if err := n.ipns.Unpublish(ctx, priv); err != nil {
				return fmt.Errorf("unpublish: %w", err)
			}
			logger.Info().Str("key", args[0]).Msg("unpublished ipns record")
			return nil
		},
	}
}
