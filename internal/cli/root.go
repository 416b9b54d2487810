package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/allyourbase/smsd/internal/config"
	"github.com/spf13/cobra"
)

// cliHTTPClient is the shared HTTP client for all client commands.
// Vendor calls behind a send may retry, so the timeout is generous.
var cliHTTPClient = &http.Client{Timeout: 60 * time.Second}

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "smsd",
	Short: "smsd - SMS delivery service for Aliyun and Tencent Cloud",
	Long: `smsd sends template SMS through Aliyun or Tencent Cloud behind one HTTP API,
with per-number rate limiting, retries and delivery status queries.

Start the server (logs messages instead of sending them until a vendor is configured):
  smsd start

Send through a running server:
  smsd send 13800138000 --template SMS_123 --param code=123456`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format (shorthand for --output json)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table, json, or csv")
	rootCmd.PersistentFlags().String("url", "", "smsd server URL (default from SMSD_URL or smsd.toml)")
	rootCmd.PersistentFlags().String("token", "", "API token (default from SMSD_API_TOKEN or smsd.toml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(rateLimitCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	initHelp()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// outputFormat returns the resolved output format from flags.
// --json is a shorthand for --output json.
func outputFormat(cmd *cobra.Command) string {
	jsonFlag, _ := cmd.Flags().GetBool("json")
	if jsonFlag {
		return "json"
	}
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		return "table"
	}
	return out
}

// writeCSV writes rows as CSV to the given writer.
// cols is the list of column headers; rows is a slice of string slices.
func writeCSV(w io.Writer, cols []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeJSON pretty-prints v to w.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// clientConfig loads smsd.toml (plus SMSD_* env) for client commands. A
// missing or invalid file is not an error here; flags and env still apply.
func clientConfig() *config.Config {
	cfg, err := config.Load("", nil)
	if err != nil {
		return config.Default()
	}
	return cfg
}

// serverURL resolves the server URL from --url, SMSD_URL, or smsd.toml.
func serverURL(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		return strings.TrimRight(v, "/")
	}
	if v := os.Getenv("SMSD_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return clientConfig().BaseURL()
}

// apiToken resolves the bearer token from --token, SMSD_API_TOKEN, or smsd.toml.
func apiToken(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		return v
	}
	if v := os.Getenv("SMSD_API_TOKEN"); v != "" {
		return v
	}
	return clientConfig().Server.APIToken
}

// apiRequest makes an authenticated HTTP request to the smsd server and
// returns the response with its body already read.
func apiRequest(cmd *cobra.Command, method, path string, body io.Reader) (*http.Response, []byte, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, serverURL(cmd)+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := apiToken(cmd); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := cliHTTPClient.Do(req)
	if err != nil {
		return nil, nil, &unreachableError{url: serverURL(cmd), err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, respBody, nil
}

// unreachableError is returned when no smsd server answers at url.
type unreachableError struct {
	url string
	err error
}

func (e *unreachableError) Error() string {
	return fmt.Sprintf("connecting to server at %s: %v", e.url, e.err)
}

func (e *unreachableError) Unwrap() error { return e.err }

var errUnauthorized = errors.New("authentication required (401): the server has an API token configured")

// ErrorHints suggests follow-up commands for errors returned by Execute.
func ErrorHints(err error) []string {
	var unreachable *unreachableError
	var inUse *portInUseError
	switch {
	case errors.As(err, &inUse):
		return []string{
			fmt.Sprintf("smsd start --port %d", inUse.port+1),
			"smsd health    # check whether smsd is already running",
		}
	case errors.As(err, &unreachable):
		return []string{
			"smsd start",
			"smsd health --url " + unreachable.url,
		}
	case errors.Is(err, errUnauthorized):
		return []string{
			"smsd <command> --token <token>",
			"export SMSD_API_TOKEN=<token>",
		}
	}
	return nil
}

// serverError turns a non-2xx response into a readable error.
func serverError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return errUnauthorized
	}
	var errResp map[string]any
	if json.Unmarshal(body, &errResp) == nil {
		if msg, ok := errResp["message"].(string); ok {
			return fmt.Errorf("server error (%d): %s", status, msg)
		}
	}
	return fmt.Errorf("server error (%d): %s", status, strings.TrimSpace(string(body)))
}
