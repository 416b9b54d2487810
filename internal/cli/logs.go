package cli

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent smsd server logs",
	Long: `Display recent log entries buffered by the running server.

Examples:
  smsd logs                   # Show last 100 entries
  smsd logs -n 20             # Show last 20 entries
  smsd logs --level warn      # Only warnings and errors`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 100, "Number of log entries to show")
	logsCmd.Flags().String("level", "", "Minimum log level (debug, info, warn, error)")
}

// logLine mirrors the server's buffered log entry.
type logLine struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func runLogs(cmd *cobra.Command, args []string) error {
	lines, _ := cmd.Flags().GetInt("lines")
	level, _ := cmd.Flags().GetString("level")

	path := "/api/logs"
	if level != "" {
		path += "?level=" + url.QueryEscape(level)
	}

	var body struct {
		Items []logLine `json:"items"`
	}
	if err := getJSON(cmd, path, &body); err != nil {
		return err
	}

	items := body.Items
	if lines > 0 && len(items) > lines {
		items = items[len(items)-lines:]
	}

	if outputFormat(cmd) == "json" {
		return writeJSON(os.Stdout, items)
	}

	c := colorEnabledFd(os.Stdout.Fd())
	for _, e := range items {
		fmt.Printf("%s %s %s%s\n",
			dim(e.Time.Local().Format("15:04:05.000"), c),
			levelLabel(e.Level, c),
			e.Message,
			dim(formatAttrs(e.Attrs), c))
	}
	return nil
}

func levelLabel(level string, c bool) string {
	label := fmt.Sprintf("%-5s", level)
	switch level {
	case "WARN":
		return yellow(label, c)
	case "ERROR":
		return red(label, c)
	default:
		return label
	}
}

// formatAttrs renders attrs as sorted key=value pairs.
func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, attrs[k])
	}
	return b.String()
}
