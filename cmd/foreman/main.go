package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/forgecrew/foreman/internal/cli"
	"github.com/forgecrew/foreman/internal/shellexec"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := cli.New()
	app.SetVersion(version, commit, date)

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, shellexec.ErrCliUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
