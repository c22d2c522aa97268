// Command rowsync synchronizes SQL tables between databases.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/rowsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands report their own failures; cobra's errors (unknown
		// flags, bad arguments) still need printing.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(cli.ExitCommandError)
		}
		os.Exit(exitErr.Code)
	}
}
