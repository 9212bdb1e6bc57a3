// Command annometa manages annotation entities and their typed attributes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/annometa/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
