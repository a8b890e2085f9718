// Command gtfsbatch registers GTFS combinations and drives their processing
// under a global concurrency ceiling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/gtfsbatch/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
