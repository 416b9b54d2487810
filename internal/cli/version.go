package cli

import (
	"fmt"
	"runtime"

	"github.com/allyourbase/smsd/internal/cli/ui"
	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Date     string `json:"date"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print smsd version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := versionInfo{
			Version:  buildVersion,
			Commit:   buildCommit,
			Date:     buildDate,
			Go:       runtime.Version(),
			Platform: runtime.GOOS + "/" + runtime.GOARCH,
		}
		w := cmd.OutOrStdout()
		if outputFormat(cmd) == "json" {
			return writeJSON(w, v)
		}
		_, err := fmt.Fprintf(w, "%s smsd %s (commit: %s, built: %s, %s %s)\n",
			ui.BrandEmoji, v.Version, v.Commit, v.Date, v.Go, v.Platform)
		return err
	},
}
