package main

import (
	"fmt"
	"os"

	"github.com/strefethen/upnp-core-go/cmd/upnpcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
