// Command xdcshop syncs, inspects and relays a webxdc app store catalog.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/xdcshop/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
