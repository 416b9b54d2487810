package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/allyourbase/smsd/internal/cli/ui"
	"github.com/allyourbase/smsd/internal/config"
	"github.com/allyourbase/smsd/internal/ratelimit"
	"github.com/allyourbase/smsd/internal/server"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/spf13/cobra"
)

// logBufferSize is how many recent entries GET /api/logs can return.
const logBufferSize = 500

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the smsd server",
	Long: `Start the smsd HTTP server in the foreground.

Configuration is merged from defaults, smsd.toml, SMSD_* environment
variables and flags, in that order. With no vendor configured, messages
are written to the log instead of being sent.

Share rate limits between several instances:
  smsd start --redis-url redis://localhost:6379/0

Send SIGUSR1 to toggle debug logging at runtime.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().Int("port", 0, "Server port (default 8090)")
	startCmd.Flags().String("host", "", "Server host (default 0.0.0.0)")
	startCmd.Flags().String("config", "", "Path to smsd.toml config file")
	startCmd.Flags().String("provider", "", "SMS provider: aliyun, tencent, webhook, or log")
	startCmd.Flags().String("redis-url", "", "Redis URL for shared rate limiting (switches the backend to redis)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Collect CLI flag overrides.
	flags := make(map[string]string)
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		flags["port"] = fmt.Sprintf("%d", v)
	}
	for _, name := range []string{"host", "provider", "redis-url"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			flags[name] = v
		}
	}

	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	isTTY := colorEnabled()
	sp := newStartupProgress(os.Stderr, isTTY, isTTY)

	// In TTY mode, INFO is suppressed until the server is up; the progress
	// lines replace it.
	logger, logLevel, logPath, closeLog := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer closeLog()
	logBuf := server.NewLogBuffer(logger.Handler(), logBufferSize)
	logger = slog.New(logBuf)
	if isTTY {
		logLevel.Set(slog.LevelWarn)
	}

	sp.header(bannerVersion(buildVersion))

	// Fail fast before touching vendors or Redis.
	if ln, err := net.Listen("tcp", cfg.Address()); err != nil {
		return portError(cfg.Server.Port, err)
	} else {
		ln.Close()
	}

	if configPath == "" {
		if _, err := os.Stat(config.DefaultPath); os.IsNotExist(err) {
			if err := config.GenerateDefault(config.DefaultPath); err != nil {
				logger.Warn("could not generate default config", "path", config.DefaultPath, "error", err)
			} else {
				logger.Info("generated default config", "path", config.DefaultPath)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sp.step(fmt.Sprintf("Configuring %s provider...", cfg.SMS.Provider))
	provider, err := buildProvider(cfg, logger)
	if err != nil {
		sp.fail()
		return fmt.Errorf("configuring sms provider: %w", err)
	}
	sp.done()

	sp.step(fmt.Sprintf("Opening %s rate limiter...", cfg.RateLimit.Backend))
	limiter, err := buildLimiter(ctx, cfg)
	if err != nil {
		sp.fail()
		return fmt.Errorf("opening rate limiter: %w", err)
	}
	sp.done()

	svc, err := sms.NewService(provider, limiter, serviceConfig(cfg), logger)
	if err != nil {
		limiter.Close()
		return fmt.Errorf("creating sms service: %w", err)
	}

	srv := server.New(cfg, logger, svc)
	srv.SetLogBuffer(logBuf)

	sp.step("Starting server...")
	errCh := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		errCh <- srv.StartWithReady(ready)
	}()

	select {
	case <-ready:
		sp.done()

		if isTTY {
			logLevel.Set(parseSlogLevel(cfg.Logging.Level))
			printBannerBodyTo(os.Stderr, cfg, true, logPath)
		} else {
			printBanner(cfg, logPath)
		}

		stopToggle := watchDebugToggle(logLevel, parseSlogLevel(cfg.Logging.Level), logger)
		defer stopToggle()
	case err := <-errCh:
		sp.fail()
		svc.Close()
		return portError(cfg.Server.Port, err)
	}

	select {
	case err := <-errCh:
		svc.Close()
		return err
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		fmt.Fprintf(os.Stderr, "\n  Shutting down... (press Ctrl-C again to force)\n")
		signal.Stop(sigCh) // Second Ctrl-C triggers Go default (immediate exit).

		shutdownCtx, stop := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	}
}

// buildProvider returns the vendor adapter selected by sms.provider.
func buildProvider(cfg *config.Config, logger *slog.Logger) (sms.Provider, error) {
	switch cfg.SMS.Provider {
	case "aliyun":
		p, err := sms.NewAliyunProvider(sms.AliyunConfig{
			AccessKeyID:     cfg.SMS.Aliyun.AccessKeyID,
			AccessKeySecret: cfg.SMS.Aliyun.AccessKeySecret,
			SignName:        cfg.SMS.SignName,
			Region:          cfg.SMS.Region,
			BaseURL:         cfg.SMS.Aliyun.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "tencent":
		p, err := sms.NewTencentProvider(sms.TencentConfig{
			SecretID:  cfg.SMS.Tencent.SecretID,
			SecretKey: cfg.SMS.Tencent.SecretKey,
			AppID:     cfg.SMS.Tencent.AppID,
			SignName:  cfg.SMS.SignName,
			Region:    cfg.SMS.Region,
			BaseURL:   cfg.SMS.Tencent.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "webhook":
		p, err := sms.NewWebhookProvider(cfg.SMS.Webhook.URL, cfg.SMS.Webhook.Secret)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		logger.Warn("sms provider is 'log': messages are written to the log, not sent")
		return sms.NewLogProvider(logger), nil
	}
}

// buildLimiter opens the rate-limit store selected by rate_limit.backend.
func buildLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Store, error) {
	rcfg := ratelimit.Config{
		Window:        cfg.RateLimit.Window(),
		MaxRequests:   cfg.RateLimit.MaxRequests,
		SweepInterval: time.Duration(cfg.RateLimit.SweepInterval) * time.Second,
	}
	if cfg.RateLimit.SweepInterval == 0 {
		rcfg.SweepInterval = -1
	}

	if cfg.RateLimit.Backend == "redis" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s, err := ratelimit.OpenRedisStore(pingCtx, cfg.RateLimit.RedisURL, rcfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := ratelimit.NewMemoryStore(rcfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func serviceConfig(cfg *config.Config) sms.ServiceConfig {
	return sms.ServiceConfig{
		SignName:             cfg.SMS.SignName,
		VerificationTemplate: cfg.SMS.VerificationTemplate,
		AllowedCountries:     cfg.SMS.AllowedCountries,
		DefaultCountryCode:   cfg.SMS.DefaultCountryCode,
		Retry: sms.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			RetryDelay: cfg.Retry.Delay(),
			RetryOn:    cfg.Retry.RetryOn,
		},
	}
}

// startupProgress provides human-readable startup steps for interactive terminals.
// In TTY mode it shows animated spinners; in non-TTY mode all methods are no-ops.
type startupProgress struct {
	w        io.Writer
	spinner  *ui.StepSpinner
	active   bool
	useColor bool
}

func newStartupProgress(w io.Writer, active bool, useColor bool) *startupProgress {
	return &startupProgress{
		w:        w,
		spinner:  ui.NewStepSpinner(w, !active),
		active:   active,
		useColor: useColor,
	}
}

func (sp *startupProgress) header(version string) {
	if !sp.active {
		return
	}
	fmt.Fprintf(sp.w, "\n  %s %s\n\n",
		ui.BrandEmoji,
		boldCyan(fmt.Sprintf("smsd v%s", version), sp.useColor))
}

func (sp *startupProgress) step(msg string) {
	if !sp.active {
		return
	}
	sp.spinner.Start(msg)
}

func (sp *startupProgress) done() {
	if !sp.active {
		return
	}
	sp.spinner.Done()
}

func (sp *startupProgress) fail() {
	if !sp.active {
		return
	}
	sp.spinner.Fail()
}

// portInUseError reports that the configured port is taken. ErrorHints turns
// it into suggestions.
type portInUseError struct {
	port int
	err  error
}

func (e *portInUseError) Error() string { return fmt.Sprintf("port %d is already in use", e.port) }
func (e *portInUseError) Unwrap() error { return e.err }

// portError recognizes "address already in use" listen failures.
func portError(port int, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use") {
		return &portInUseError{port: port, err: err}
	}
	return err
}

// printBanner writes a human-readable startup summary to stderr.
func printBanner(cfg *config.Config, logPath string) {
	printBannerTo(os.Stderr, cfg, colorEnabled(), logPath)
}

// printBannerTo writes the full banner (header + body) to w.
func printBannerTo(w io.Writer, cfg *config.Config, useColor bool, logPath string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %s\n", ui.BrandEmoji,
		boldCyan(fmt.Sprintf("smsd v%s", bannerVersion(buildVersion)), useColor))
	printBannerBodyTo(w, cfg, useColor, logPath)
}

// printBannerBodyTo writes everything after the header. TTY mode prints the
// header early, during startup progress.
func printBannerBodyTo(w io.Writer, cfg *config.Config, useColor bool, logPath string) {
	apiURL := cfg.BaseURL() + "/api"

	// Pad labels before colorizing so ANSI codes don't break alignment.
	padLabel := func(label string, width int) string {
		return bold(fmt.Sprintf("%-*s", width, label), useColor)
	}

	limits := fmt.Sprintf("%d per %s (%s)", cfg.RateLimit.MaxRequests, cfg.RateLimit.Window(), cfg.RateLimit.Backend)
	if cfg.RateLimit.Backend == "redis" {
		limits += " " + dim(cfg.Redacted().RateLimit.RedisURL, useColor)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %s\n", padLabel("API:", 10), cyan(apiURL, useColor))
	fmt.Fprintf(w, "  %s %s\n", padLabel("Provider:", 10), cfg.SMS.Provider)
	fmt.Fprintf(w, "  %s %s\n", padLabel("Limits:", 10), limits)
	fmt.Fprintf(w, "  %s %d (delay %s)\n", padLabel("Retries:", 10), cfg.Retry.MaxRetries, cfg.Retry.Delay())
	if logPath != "" {
		fmt.Fprintf(w, "  %s %s\n", padLabel("Logs:", 10), dim(logPath, useColor))
	}

	if cfg.SMS.Provider == "log" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s\n", yellow(ui.SymbolWarning+" No SMS vendor configured: messages are logged, not sent.", useColor))
	}
	if cfg.Server.APIToken == "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %s\n", yellow(ui.SymbolWarning+" server.api_token is empty; the API accepts unauthenticated requests.", useColor))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s\n", dim("Try:", useColor))
	fmt.Fprintf(w, "%s\n", green("smsd send 13800138000 --template SMS_123 --param code=123456", useColor))
	fmt.Fprintf(w, "%s\n", green("smsd ratelimit status 13800138000", useColor))
	fmt.Fprintln(w)
}

// bannerVersion extracts a clean semver string for the startup banner.
// Release builds (e.g. "v0.1.0") → "0.1.0".
// Dev builds (e.g. "v0.1.0-43-ge534c04-dirty") → "0.1.0-dev".
// Full version is always available via `smsd version`.
func bannerVersion(raw string) string {
	v := strings.TrimPrefix(raw, "v")
	// Git-describe appends "-<N>-g<hash>" when commits exist past the tag;
	// a pre-release label like "-beta.1" starts with a letter.
	parts := strings.SplitN(v, "-", 2)
	if len(parts) == 1 {
		return v
	}
	if len(parts[1]) > 0 && parts[1][0] >= '0' && parts[1][0] <= '9' {
		return parts[0] + "-dev"
	}
	return v
}
