package main

import (
	"context"
	"os"

	"github.com/3leaps/gotap/internal/cmd"
)

// Set by the linker.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute(context.Background(), os.Args[1:]))
}
