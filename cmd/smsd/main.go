package main

import (
	"fmt"
	"os"

	"github.com/allyourbase/smsd/internal/cli"
	"github.com/allyourbase/smsd/internal/cli/ui"
	"github.com/joho/godotenv"
)

// Set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A .env in the working directory may carry SMSD_* credentials.
	// Variables already set in the environment win.
	_ = godotenv.Load()

	cli.SetVersion(version, commit, date)
	if err := cli.Execute(); err != nil {
		fmt.Fprint(os.Stderr, ui.FormatError(err.Error(), cli.ErrorHints(err)...))
		os.Exit(1)
	}
}
