// Command lockstep runs the checkpoint coordinator, workers and the
// operator commands that drive them.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lockstep/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
