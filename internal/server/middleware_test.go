package server_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/allyourbase/smsd/internal/config"
	"github.com/allyourbase/smsd/internal/ratelimit"
	"github.com/allyourbase/smsd/internal/server"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/allyourbase/smsd/internal/testutil"
)

func TestAPITokenAuth(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.APIToken = "s3cret" })

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"prefix of token", "Bearer s3c", http.StatusUnauthorized},
		{"basic auth", "Basic czNjcmV0", http.StatusUnauthorized},
		{"valid token", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sms/rate-limit/13800138000", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.srv.Router().ServeHTTP(w, req)

			testutil.StatusCode(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				testutil.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestAPITokenAuthBlocksSends(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.APIToken = "s3cret" })

	w := ts.do(t, http.MethodPost, "/api/sms/send", `{"phone_number":"13800138000","template_id":"SMS_1"}`)

	testutil.StatusCode(t, http.StatusUnauthorized, w.Code)
	testutil.Equal(t, 0, ts.vendor.SendCount())
}

func TestAPITokenEmptyLeavesAPIOpen(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/sms/rate-limit/13800138000", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
}

func TestRequestLoggerMasksPathParams(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	store, err := ratelimit.NewMemoryStore(ratelimit.Config{SweepInterval: -1})
	testutil.NoError(t, err)
	svc, err := sms.NewService(&sms.CaptureProvider{}, store, sms.ServiceConfig{}, testutil.DiscardLogger())
	testutil.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	srv := server.New(config.Default(), logger, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/sms/rate-limit/13800138000", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusOK, w.Code)

	var line map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		testutil.NoError(t, json.Unmarshal([]byte(l), &m))
		if m["msg"] == "request" {
			line = m
		}
	}
	testutil.NotNil(t, line)
	testutil.Equal(t, "/api/sms/rate-limit/{phone}", line["route"].(string))
	testutil.Equal(t, float64(200), line["status"].(float64))
	testutil.False(t, strings.Contains(buf.String(), "13800138000"), "phone number leaked into request log")
}
