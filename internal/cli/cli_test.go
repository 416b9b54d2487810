package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/allyourbase/smsd/internal/config"
	"github.com/allyourbase/smsd/internal/ratelimit"
	"github.com/allyourbase/smsd/internal/server"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/allyourbase/smsd/internal/testutil"
	"github.com/pelletier/go-toml/v2"
)

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	if buildVersion != "1.2.3" {
		t.Fatalf("expected 1.2.3, got %q", buildVersion)
	}
	if buildCommit != "abc123" {
		t.Fatalf("expected abc123, got %q", buildCommit)
	}
	if buildDate != "2026-01-01" {
		t.Fatalf("expected 2026-01-01, got %q", buildDate)
	}
	SetVersion("dev", "none", "unknown")
}

// resetJSONFlag ensures the persistent output flags are reset between tests.
func resetJSONFlag() {
	rootCmd.PersistentFlags().Set("json", "false")
	rootCmd.PersistentFlags().Set("output", "table")
	rootCmd.PersistentFlags().Set("url", "")
	rootCmd.PersistentFlags().Set("token", "")
}

// resetHelpFlag clears --help on the command args resolve to; flag values
// outlive a single Execute.
func resetHelpFlag(args []string) {
	c, _, err := rootCmd.Find(args)
	if err != nil {
		return
	}
	c.Flags().Set("help", "false")
}

// freePort allocates and returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// captureStdout captures stdout output from the given function.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	buf := make([]byte, 64*1024)
	n, _ := r.Read(buf)
	r.Close()
	return string(buf[:n])
}

// captureStderr captures stderr output from the given function.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old

	buf := make([]byte, 64*1024)
	n, _ := r.Read(buf)
	r.Close()
	return string(buf[:n])
}

// chdirTemp runs the test from an empty directory so no smsd.toml leaks in.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

type cliTestServer struct {
	url    string
	vendor *sms.CaptureProvider
}

// newCLITestServer serves the real router over httptest, backed by a
// capturing provider and an in-memory limiter.
func newCLITestServer(t *testing.T, modify func(*config.Config)) *cliTestServer {
	t.Helper()
	cfg := config.Default()
	cfg.SMS.VerificationTemplate = "SMS_VERIFY"
	cfg.Retry.MaxRetries = 0
	if modify != nil {
		modify(cfg)
	}

	vendor := &sms.CaptureProvider{}
	store, err := ratelimit.NewMemoryStore(ratelimit.Config{
		Window:        cfg.RateLimit.Window(),
		MaxRequests:   cfg.RateLimit.MaxRequests,
		SweepInterval: -1,
	})
	testutil.NoError(t, err)
	svc, err := sms.NewService(vendor, store, serviceConfig(cfg), testutil.DiscardLogger())
	testutil.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	ts := httptest.NewServer(server.New(cfg, testutil.DiscardLogger(), svc).Router())
	t.Cleanup(ts.Close)
	return &cliTestServer{url: ts.URL, vendor: vendor}
}

// run executes the CLI against the test server and returns stdout.
func (s *cliTestServer) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetJSONFlag()
	t.Cleanup(resetJSONFlag)
	var err error
	out := captureStdout(t, func() {
		rootCmd.SetArgs(append(args, "--url", s.url))
		err = rootCmd.Execute()
	})
	return out, err
}

func TestVersionCommand(t *testing.T) {
	resetJSONFlag()
	SetVersion("0.1.0", "deadbeef", "2026-02-07")
	defer SetVersion("dev", "none", "unknown")

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"version"})
		_ = rootCmd.Execute()
	})

	if !strings.Contains(output, "smsd 0.1.0") {
		t.Fatalf("expected version in output, got %q", output)
	}
	if !strings.Contains(output, "deadbeef") {
		t.Fatalf("expected commit in output, got %q", output)
	}
}

func TestVersionCommandJSON(t *testing.T) {
	resetJSONFlag()
	defer resetJSONFlag()
	SetVersion("0.1.0", "deadbeef", "2026-02-07")
	defer SetVersion("dev", "none", "unknown")

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"version", "--json"})
		_ = rootCmd.Execute()
	})

	var v map[string]string
	if err := json.Unmarshal([]byte(output), &v); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, output)
	}
	if v["version"] != "0.1.0" || v["commit"] != "deadbeef" {
		t.Fatalf("unexpected version JSON: %v", v)
	}
	if !strings.HasPrefix(v["go"], "go") || !strings.Contains(v["platform"], "/") {
		t.Fatalf("expected go toolchain and platform, got %v", v)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	expected := []string{"start", "send", "batch", "verify", "status", "history", "ratelimit", "logs", "health", "config", "version"}

	commands := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		commands[cmd.Name()] = true
	}
	for _, name := range expected {
		if !commands[name] {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestEveryCommandHasGroup(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		if !cmd.IsAvailableCommand() || cmd.Name() == "completion" {
			continue
		}
		if cmd.GroupID == "" {
			t.Errorf("command %q has no help group", cmd.Name())
		}
	}
}

func TestAllCommandsHelpDoesNotError(t *testing.T) {
	commands := [][]string{
		{"--help"},
		{"start", "--help"},
		{"send", "--help"},
		{"batch", "--help"},
		{"verify", "--help"},
		{"status", "--help"},
		{"history", "--help"},
		{"ratelimit", "--help"},
		{"ratelimit", "status", "--help"},
		{"logs", "--help"},
		{"health", "--help"},
		{"config", "--help"},
		{"config", "set", "--help"},
		{"version", "--help"},
	}
	for _, args := range commands {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			resetJSONFlag()
			out := captureStderr(t, func() {
				rootCmd.SetArgs(args)
				if err := rootCmd.Execute(); err != nil {
					t.Fatalf("%v should not error, got %v", args, err)
				}
			})
			resetHelpFlag(args)
			if !strings.Contains(out, "USAGE") {
				t.Fatalf("expected styled help, got %q", out)
			}
		})
	}
}

func TestRootHelpListsGroups(t *testing.T) {
	resetJSONFlag()
	out := captureStderr(t, func() {
		rootCmd.SetArgs([]string{"--help"})
		_ = rootCmd.Execute()
	})
	resetHelpFlag(nil)
	for _, heading := range []string{"SERVER", "MESSAGING", "CONFIGURATION"} {
		if !strings.Contains(out, heading) {
			t.Errorf("expected %s group in root help", heading)
		}
	}
}

func TestHelpEnvironmentSection(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"--help"}, true},
		{[]string{"send", "--help"}, true},
		{[]string{"ratelimit", "reset", "--help"}, true},
		{[]string{"start", "--help"}, false},
		{[]string{"config", "init", "--help"}, false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			resetJSONFlag()
			out := captureStderr(t, func() {
				rootCmd.SetArgs(tt.args)
				_ = rootCmd.Execute()
			})
			resetHelpFlag(tt.args)
			testutil.Equal(t, tt.want, strings.Contains(out, "SMSD_API_TOKEN"))
		})
	}
}

func TestColorizeFlag(t *testing.T) {
	line := "  -t, --template string   Template ID (required)"
	testutil.Equal(t, line, colorizeFlag(line, false))

	out := colorizeFlag(line, true)
	testutil.True(t, strings.HasPrefix(out, "  "), "indent should be preserved")
	testutil.True(t, hasSGR(out, "36"), "flag should be cyan")
	testutil.Contains(t, out, "Template ID (required)")
}

func TestStartFlagDefinitions(t *testing.T) {
	flags := startCmd.Flags()
	for _, name := range []string{"port", "host", "config", "provider", "redis-url"} {
		if flags.Lookup(name) == nil {
			t.Errorf("expected flag %q on start command", name)
		}
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	resetJSONFlag()
	chdirTemp(t)

	rootCmd.SetArgs([]string{"start", "--provider", "aliyun"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for aliyun without credentials")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("expected config error, got %q", err.Error())
	}
	rootCmd.SetArgs(nil)
	startCmd.Flags().Set("provider", "")
}

// --- Config commands ---

func TestConfigCommandProducesValidTOML(t *testing.T) {
	resetJSONFlag()
	chdirTemp(t)

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config"})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	var parsed map[string]any
	if err := toml.Unmarshal([]byte(output), &parsed); err != nil {
		t.Fatalf("config output is not valid TOML: %v\noutput:\n%s", err, output)
	}
	for _, section := range []string{"server", "sms", "rate_limit", "retry", "logging"} {
		if _, ok := parsed[section]; !ok {
			t.Errorf("expected %q section in config output", section)
		}
	}
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	resetJSONFlag()
	dir := chdirTemp(t)
	path := filepath.Join(dir, "smsd.toml")
	os.WriteFile(path, []byte("[server]\napi_token = \"tok-123\"\n"), 0o644)

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "--config", path})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if strings.Contains(output, "tok-123") {
		t.Fatalf("api token leaked into config output:\n%s", output)
	}

	output = captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "--config", path, "--show-secrets"})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	configCmd.Flags().Set("show-secrets", "false")
	if !strings.Contains(output, "tok-123") {
		t.Fatalf("expected token with --show-secrets:\n%s", output)
	}
}

func TestConfigCommandJSON(t *testing.T) {
	resetJSONFlag()
	defer resetJSONFlag()
	chdirTemp(t)

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "--json"})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	var tree map[string]map[string]any
	if err := json.Unmarshal([]byte(output), &tree); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, output)
	}
	if port, _ := tree["server"]["port"].(float64); port != 8090 {
		t.Fatalf("expected default port 8090 under server.port, got %v", tree["server"]["port"])
	}
	if _, ok := tree["rate_limit"]["max_requests"]; !ok {
		t.Fatalf("expected snake_case keys, got %v", tree["rate_limit"])
	}
}

func TestConfigGetListValueIsCommaSeparated(t *testing.T) {
	resetJSONFlag()
	dir := chdirTemp(t)
	path := filepath.Join(dir, "smsd.toml")

	out := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "get", "retry.retry_on", "--config", path})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("get: %v", err)
		}
	})
	testutil.Equal(t, "TIMEOUT,NETWORK_ERROR,SERVICE_UNAVAILABLE", strings.TrimSpace(out))
}

func TestConfigInitWritesLoadableFile(t *testing.T) {
	resetJSONFlag()
	dir := chdirTemp(t)

	out := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "init"})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	testutil.Contains(t, out, "smsd.toml")

	cfg, err := config.Load(filepath.Join(dir, "smsd.toml"), nil)
	testutil.NoError(t, err)
	testutil.Equal(t, "log", cfg.SMS.Provider)

	rootCmd.SetArgs([]string{"config", "init"})
	err = rootCmd.Execute()
	testutil.ErrorContains(t, err, "already exists")
}

func TestConfigSetAndGet(t *testing.T) {
	resetJSONFlag()
	dir := chdirTemp(t)
	path := filepath.Join(dir, "smsd.toml")

	captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "set", "rate_limit.max_requests", "9", "--config", path})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("set: %v", err)
		}
	})

	out := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "get", "rate_limit.max_requests", "--config", path})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("get: %v", err)
		}
	})
	testutil.Equal(t, "9", strings.TrimSpace(out))
}

func TestConfigSetListValue(t *testing.T) {
	resetJSONFlag()
	dir := chdirTemp(t)
	path := filepath.Join(dir, "smsd.toml")

	captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "set", "sms.allowed_countries", "CN,HK", "--config", path})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("set: %v", err)
		}
	})

	cfg, err := config.Load(path, nil)
	testutil.NoError(t, err)
	testutil.SliceLen(t, cfg.SMS.AllowedCountries, 2)
	testutil.Equal(t, "HK", cfg.SMS.AllowedCountries[1])
}

func TestConfigSetUnknownKey(t *testing.T) {
	resetJSONFlag()
	chdirTemp(t)

	rootCmd.SetArgs([]string{"config", "set", "server.nope", "1"})
	err := rootCmd.Execute()
	testutil.ErrorContains(t, err, "unknown configuration key")
}

func TestConfigSetWarnsOnIncompleteConfig(t *testing.T) {
	resetJSONFlag()
	dir := chdirTemp(t)
	path := filepath.Join(dir, "smsd.toml")

	var stderr string
	captureStdout(t, func() {
		stderr = captureStderr(t, func() {
			rootCmd.SetArgs([]string{"config", "set", "sms.provider", "tencent", "--config", path})
			if err := rootCmd.Execute(); err != nil {
				t.Fatalf("set should only warn, got %v", err)
			}
		})
	})
	testutil.Contains(t, stderr, "Note:")
	testutil.Contains(t, stderr, "tencent")
}

// --- Output helpers ---

func TestOutputFormatJSON(t *testing.T) {
	resetJSONFlag()
	rootCmd.PersistentFlags().Set("json", "true")
	defer resetJSONFlag()

	if got := outputFormat(rootCmd); got != "json" {
		t.Errorf("expected 'json', got %q", got)
	}
}

func TestOutputFormatCSV(t *testing.T) {
	resetJSONFlag()
	rootCmd.PersistentFlags().Set("output", "csv")
	defer resetJSONFlag()

	if got := outputFormat(rootCmd); got != "csv" {
		t.Errorf("expected 'csv', got %q", got)
	}
}

func TestOutputFormatDefault(t *testing.T) {
	resetJSONFlag()
	if got := outputFormat(rootCmd); got != "table" {
		t.Errorf("expected 'table', got %q", got)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf strings.Builder
	cols := []string{"PHONE", "SUCCESS"}
	rows := [][]string{
		{"+8613800138000", "true"},
		{"+8613900139000", "false"},
	}
	if err := writeCSV(&buf, cols, rows); err != nil {
		t.Fatalf("writeCSV error: %v", err)
	}
	result := buf.String()
	for _, want := range []string{"PHONE,SUCCESS", "+8613800138000,true", "+8613900139000,false"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q in CSV output, got %q", want, result)
		}
	}
}

func TestServerErrorWithJSON(t *testing.T) {
	err := serverError(404, []byte(`{"code":404,"message":"not found"}`))
	testutil.Contains(t, err.Error(), "not found")
	testutil.Contains(t, err.Error(), "404")
}

func TestServerErrorWithPlainText(t *testing.T) {
	err := serverError(500, []byte("plain text error\n"))
	testutil.Equal(t, "server error (500): plain text error", err.Error())
}

func TestServerErrorUnauthorizedHint(t *testing.T) {
	err := serverError(http.StatusUnauthorized, nil)
	testutil.True(t, errors.Is(err, errUnauthorized), "expected errUnauthorized")
	hints := ErrorHints(err)
	testutil.SliceLen(t, hints, 2)
	testutil.Contains(t, hints[1], "SMSD_API_TOKEN")
}

func TestErrorHintsUnreachable(t *testing.T) {
	err := fmt.Errorf("health: %w", &unreachableError{url: "http://127.0.0.1:1", err: errors.New("connection refused")})
	hints := ErrorHints(err)
	testutil.SliceLen(t, hints, 2)
	testutil.Equal(t, "smsd start", hints[0])
	testutil.Contains(t, hints[1], "--url http://127.0.0.1:1")
	testutil.SliceLen(t, ErrorHints(errors.New("other")), 0)
}

func TestServerURLResolution(t *testing.T) {
	resetJSONFlag()
	chdirTemp(t)
	t.Setenv("SMSD_URL", "")

	testutil.Equal(t, "http://localhost:8090", serverURL(sendCmd))

	t.Setenv("SMSD_URL", "http://sms.internal:9000/")
	testutil.Equal(t, "http://sms.internal:9000", serverURL(sendCmd))

	rootCmd.PersistentFlags().Set("url", "http://flag:1")
	defer resetJSONFlag()
	testutil.Equal(t, "http://flag:1", serverURL(sendCmd))
}

// --- Client commands against a live router ---

func TestSendCommand(t *testing.T) {
	ts := newCLITestServer(t, nil)

	out, err := ts.run(t, "send", "13800138000", "--template", "SMS_1", "--param", "code=4321")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "Sent to")
	testutil.Contains(t, out, "captured-1")

	testutil.Equal(t, 1, ts.vendor.SendCount())
	testutil.Equal(t, "SMS_1", ts.vendor.Calls[0].TemplateID)
	testutil.Equal(t, "4321", ts.vendor.LastCode())
}

func TestSendCommandFailureIsError(t *testing.T) {
	ts := newCLITestServer(t, nil)

	out, err := ts.run(t, "send", "12345", "--template", "SMS_1", "--json")
	testutil.ErrorContains(t, err, sms.CodeInvalidPhoneNumber)
	testutil.Equal(t, 0, ts.vendor.SendCount())

	var res sms.SendResult
	testutil.NoError(t, json.Unmarshal([]byte(out), &res))
	testutil.False(t, res.Success)
	testutil.Equal(t, sms.CodeInvalidPhoneNumber, res.Code)
}

func TestSendCommandRateLimited(t *testing.T) {
	ts := newCLITestServer(t, func(c *config.Config) { c.RateLimit.MaxRequests = 1 })

	_, err := ts.run(t, "send", "13800138000", "--template", "SMS_1")
	testutil.NoError(t, err)

	_, err = ts.run(t, "send", "13800138000", "--template", "SMS_1")
	testutil.ErrorContains(t, err, sms.CodeRateLimitExceeded)
	testutil.Equal(t, 1, ts.vendor.SendCount())
}

func TestSendCommandToken(t *testing.T) {
	ts := newCLITestServer(t, func(c *config.Config) { c.Server.APIToken = "s3cret" })
	t.Setenv("SMSD_API_TOKEN", "")

	_, err := ts.run(t, "send", "13800138000", "--template", "SMS_1")
	testutil.ErrorContains(t, err, "authentication required")

	_, err = ts.run(t, "send", "13800138000", "--template", "SMS_1", "--token", "s3cret")
	testutil.NoError(t, err)

	t.Setenv("SMSD_API_TOKEN", "s3cret")
	_, err = ts.run(t, "send", "13800138000", "--template", "SMS_1")
	testutil.NoError(t, err)
	testutil.Equal(t, 2, ts.vendor.SendCount())
}

func TestBatchCommandCSV(t *testing.T) {
	ts := newCLITestServer(t, nil)

	out, err := ts.run(t, "batch", "13800138000", "13900139000", "--template", "SMS_1", "--output", "csv")
	testutil.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	testutil.SliceLen(t, lines, 3)
	testutil.Contains(t, lines[0], "PHONE,SUCCESS,MESSAGE_ID")
	testutil.Contains(t, lines[1], "true")
	testutil.SliceLen(t, ts.vendor.BatchCalls, 1)
}

func TestBatchCommandParamsFile(t *testing.T) {
	ts := newCLITestServer(t, nil)
	path := filepath.Join(t.TempDir(), "params.json")
	os.WriteFile(path, []byte(`[{"name":"Li"},{"name":"Wang"}]`), 0o644)

	out, err := ts.run(t, "batch", "13800138000", "13900139000", "--template", "SMS_1", "--params-file", path)
	batchCmd.Flags().Set("params-file", "")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "2 sent, 0 failed")

	testutil.SliceLen(t, ts.vendor.BatchCalls, 1)
	sent := ts.vendor.BatchCalls[0].TemplateParams
	testutil.SliceLen(t, sent, 2)
	testutil.Equal(t, "Wang", sent[1]["name"])
}

func TestBatchCommandParamsFileMismatch(t *testing.T) {
	ts := newCLITestServer(t, nil)
	path := filepath.Join(t.TempDir(), "params.json")
	os.WriteFile(path, []byte(`[{"name":"Li"}]`), 0o644)

	_, err := ts.run(t, "batch", "13800138000", "13900139000", "--template", "SMS_1", "--params-file", path)
	batchCmd.Flags().Set("params-file", "")
	testutil.ErrorContains(t, err, "1 parameter sets for 2 phone numbers")
	testutil.SliceLen(t, ts.vendor.BatchCalls, 0)
}

func TestVerifyCommand(t *testing.T) {
	ts := newCLITestServer(t, nil)

	_, err := ts.run(t, "verify", "13800138000", "908172")
	testutil.NoError(t, err)
	testutil.Equal(t, "908172", ts.vendor.LastCode())
	testutil.Equal(t, "SMS_VERIFY", ts.vendor.Calls[0].TemplateID)
}

func TestStatusCommand(t *testing.T) {
	ts := newCLITestServer(t, nil)
	sent := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	var gotQuery sms.StatusQuery
	ts.vendor.StatusFunc = func(q sms.StatusQuery) (sms.DeliveryStatusResult, error) {
		gotQuery = q
		return sms.DeliveryStatusResult{MessageID: q.MessageID, PhoneNumber: q.PhoneNumber, Status: sms.StatusDelivered, SendTime: &sent}, nil
	}

	out, err := ts.run(t, "status", "biz-77", "--phone", "13800138000", "--date", "2026-10-18")
	statusCmd.Flags().Set("phone", "")
	statusCmd.Flags().Set("date", "")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "DELIVERED")
	testutil.Contains(t, out, "biz-77")
	testutil.Equal(t, "biz-77", gotQuery.MessageID)
	testutil.Equal(t, 18, gotQuery.SendDate.Day())
}

func TestStatusCommandVendorError(t *testing.T) {
	ts := newCLITestServer(t, nil)
	ts.vendor.StatusFunc = func(sms.StatusQuery) (sms.DeliveryStatusResult, error) {
		return sms.DeliveryStatusResult{}, &sms.VendorError{Code: "isv.BUSINESS_LIMIT_CONTROL", Message: "throttled"}
	}

	_, err := ts.run(t, "status", "biz-1", "--phone", "13800138000")
	statusCmd.Flags().Set("phone", "")
	testutil.ErrorContains(t, err, "502")
}

func TestStatusCommandWithoutReceipts(t *testing.T) {
	ts := newCLITestServer(t, nil)

	_, err := ts.run(t, "status", "never-sent", "--phone", "13800138000")
	statusCmd.Flags().Set("phone", "")
	testutil.ErrorContains(t, err, "not supported")
}

func TestHistoryCommandJSON(t *testing.T) {
	ts := newCLITestServer(t, nil)
	ts.vendor.HistoryFunc = func(phone string, start, end time.Time) ([]sms.DeliveryStatusResult, error) {
		return []sms.DeliveryStatusResult{
			{MessageID: "a", PhoneNumber: phone, Status: sms.StatusDelivered},
			{MessageID: "b", PhoneNumber: phone, Status: sms.StatusFailed, ErrorCode: "MOBILE_NOT_ON_SERVICE"},
		}, nil
	}

	out, err := ts.run(t, "history", "13800138000", "--start", "2026-10-01", "--end", "2026-10-02", "--json")
	historyCmd.Flags().Set("start", "")
	historyCmd.Flags().Set("end", "")
	testutil.NoError(t, err)

	var items []sms.DeliveryStatusResult
	testutil.NoError(t, json.Unmarshal([]byte(out), &items))
	testutil.SliceLen(t, items, 2)
	testutil.Equal(t, "MOBILE_NOT_ON_SERVICE", items[1].ErrorCode)
}

func TestHistoryCommandEmptyTable(t *testing.T) {
	ts := newCLITestServer(t, nil)
	ts.vendor.HistoryFunc = func(string, time.Time, time.Time) ([]sms.DeliveryStatusResult, error) {
		return nil, nil
	}

	out, err := ts.run(t, "history", "13800138000")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "MESSAGE_ID")
	testutil.Contains(t, out, "0 receipt(s)")
}

func TestRateLimitCommands(t *testing.T) {
	ts := newCLITestServer(t, func(c *config.Config) { c.RateLimit.MaxRequests = 2 })

	_, err := ts.run(t, "send", "+8613800138000", "--template", "SMS_1")
	testutil.NoError(t, err)

	out, err := ts.run(t, "ratelimit", "status", "+8613800138000", "--json")
	testutil.NoError(t, err)
	var st rateLimitStatus
	testutil.NoError(t, json.Unmarshal([]byte(out), &st))
	testutil.Equal(t, 1, st.Count)
	testutil.Equal(t, 1, st.Remaining)
	testutil.True(t, st.Allowed, "expected allowed")
	testutil.NotNil(t, st.ResetAt)

	out, err = ts.run(t, "ratelimit", "reset", "+8613800138000")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "Rate limit reset")

	out, err = ts.run(t, "ratelimit", "status", "+8613800138000")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "0 of 2 used")
}

func TestHealthCommand(t *testing.T) {
	ts := newCLITestServer(t, nil)

	out, err := ts.run(t, "health")
	testutil.NoError(t, err)
	testutil.Contains(t, out, "ok")
	testutil.Contains(t, out, "provider capture")
}

func TestHealthCommandConnectionError(t *testing.T) {
	resetJSONFlag()
	defer resetJSONFlag()

	rootCmd.SetArgs([]string{"health", "--url", "http://127.0.0.1:" + strconv.Itoa(freePort(t))})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !strings.Contains(err.Error(), "connecting to server") {
		t.Fatalf("expected connection error, got %q", err.Error())
	}
}

func TestLogsCommandDisabledOnServer(t *testing.T) {
	ts := newCLITestServer(t, nil)

	_, err := ts.run(t, "logs")
	testutil.ErrorContains(t, err, "log buffering is not enabled")
}
