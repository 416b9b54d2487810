package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/allyourbase/smsd/internal/config"
	"github.com/allyourbase/smsd/internal/ratelimit"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/allyourbase/smsd/internal/testutil"
)

func newBufferedLogger(size int) (*slog.Logger, *LogBuffer) {
	lb := NewLogBuffer(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}), size)
	return slog.New(lb), lb
}

func TestLogBufferCapturesInOrder(t *testing.T) {
	logger, lb := newBufferedLogger(10)

	logger.Info("first", "n", 1)
	logger.Warn("second")

	entries := lb.Entries(slog.LevelDebug)
	testutil.SliceLen(t, entries, 2)
	testutil.Equal(t, "first", entries[0].Message)
	testutil.Equal(t, "INFO", entries[0].Level)
	testutil.Equal(t, int64(1), entries[0].Attrs["n"].(int64))
	testutil.Equal(t, "WARN", entries[1].Level)
}

func TestLogBufferWraps(t *testing.T) {
	logger, lb := newBufferedLogger(3)

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		logger.Info(msg)
	}

	entries := lb.Entries(slog.LevelDebug)
	testutil.SliceLen(t, entries, 3)
	testutil.Equal(t, "c", entries[0].Message)
	testutil.Equal(t, "e", entries[2].Message)
}

func TestLogBufferLevelFilter(t *testing.T) {
	logger, lb := newBufferedLogger(10)

	logger.Debug("noise")
	logger.Info("info")
	logger.Error("boom")

	entries := lb.Entries(slog.LevelWarn)
	testutil.SliceLen(t, entries, 1)
	testutil.Equal(t, "boom", entries[0].Message)
}

func TestLogBufferDerivedHandlersShareRing(t *testing.T) {
	logger, lb := newBufferedLogger(10)

	logger.With("provider", "aliyun").Info("sent")
	logger.WithGroup("sms").With("to", "+86138****8000").Info("queued", "attempt", 2)
	logger.Info("plain")

	entries := lb.Entries(slog.LevelDebug)
	testutil.SliceLen(t, entries, 3)
	testutil.Equal(t, "aliyun", entries[0].Attrs["provider"].(string))
	testutil.Equal(t, "+86138****8000", entries[1].Attrs["sms.to"].(string))
	testutil.Equal(t, int64(2), entries[1].Attrs["sms.attempt"].(int64))
	testutil.Equal(t, "plain", entries[2].Message)
}

func TestLogsEndpoint(t *testing.T) {
	logger, lb := newBufferedLogger(50)

	store, err := ratelimit.NewMemoryStore(ratelimit.Config{SweepInterval: -1})
	testutil.NoError(t, err)
	svc, err := sms.NewService(sms.NewLogProvider(logger), store, sms.ServiceConfig{}, logger)
	testutil.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	srv := New(config.Default(), logger, svc)
	srv.SetLogBuffer(lb)

	logger.Warn("vendor slow")

	req := httptest.NewRequest(http.MethodGet, "/api/logs?level=warn", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusOK, w.Code)

	var body struct {
		Items []LogEntry `json:"items"`
	}
	testutil.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	testutil.SliceLen(t, body.Items, 1)
	testutil.Equal(t, "vendor slow", body.Items[0].Message)

	req = httptest.NewRequest(http.MethodGet, "/api/logs?level=loud", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusBadRequest, w.Code)
}
