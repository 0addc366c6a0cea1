// Command ipfsnode is a content-addressed node: a Bitswap exchange, a
// layered local/network block store, and an IPNS publish/resolve engine,
// fronted by a small CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cassava-labs/ipfsnode/cmd/ipfsnode/cli"
)

func main() {
	root := cli.Root()
	if err := root.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
