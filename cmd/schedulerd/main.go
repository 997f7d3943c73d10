// Command schedulerd runs the adaptive HTTP job scheduler daemon.
package main

import (
	"fmt"
	"os"

	"github.com/cronicorn/scheduler/cmd/schedulerd/commands"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
