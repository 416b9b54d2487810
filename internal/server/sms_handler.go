package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allyourbase/smsd/internal/httputil"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/go-chi/chi/v5"
)

const (
	dateLayout         = "2006-01-02"
	defaultHistorySpan = 24 * time.Hour
)

// Send endpoints answer 200 with the structured result whether or not the
// message went out; only undecodable bodies are HTTP errors.

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sms.SendRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.sms.Send(r.Context(), req))
}

func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req sms.BatchSendRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.sms.SendBatch(r.Context(), req))
}

type verificationCodeRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

func (s *Server) handleVerificationCode(w http.ResponseWriter, r *http.Request) {
	var req verificationCodeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httputil.WriteFieldError(w, http.StatusBadRequest, "code is required", "code", "required", "verification code must not be empty")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.sms.SendVerificationCode(r.Context(), req.PhoneNumber, req.Code))
}

// handleDeliveryStatus handles GET /api/sms/messages/{id}/status?phone=&date=YYYY-MM-DD.
func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	q := sms.StatusQuery{
		MessageID:   chi.URLParam(r, "id"),
		PhoneNumber: r.URL.Query().Get("phone"),
	}
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			httputil.WriteFieldError(w, http.StatusBadRequest, "invalid query", "date", "invalid_format", "expected YYYY-MM-DD")
			return
		}
		q.SendDate = d
	}

	res, err := s.sms.GetDeliveryStatus(r.Context(), q)
	if err != nil {
		s.writeQueryError(w, "delivery status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// handleSendHistory handles GET /api/sms/history?phone=&start=&end=.
// start and end accept RFC 3339 timestamps or YYYY-MM-DD dates; the window
// defaults to the 24 hours before end (or now).
func (s *Server) handleSendHistory(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		httputil.WriteFieldError(w, http.StatusBadRequest, "phone is required", "phone", "required", "phone query parameter is required")
		return
	}

	end := time.Now()
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			httputil.WriteFieldError(w, http.StatusBadRequest, "invalid query", "end", "invalid_format", err.Error())
			return
		}
		end = t
	}
	start := end.Add(-defaultHistorySpan)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			httputil.WriteFieldError(w, http.StatusBadRequest, "invalid query", "start", "invalid_format", err.Error())
			return
		}
		start = t
	}
	if end.Before(start) {
		httputil.WriteError(w, http.StatusBadRequest, "start must not be after end")
		return
	}

	items, err := s.sms.QuerySendHistory(r.Context(), phone, start, end)
	if err != nil {
		s.writeQueryError(w, "send history", err)
		return
	}
	if items == nil {
		items = []sms.DeliveryStatusResult{}
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

type rateLimitResponse struct {
	Allowed   bool       `json:"allowed"`
	Count     int        `json:"count"`
	Remaining int        `json:"remaining"`
	Total     int        `json:"total"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sms.GetRateLimitStatus(r.Context(), phoneParam(r))
	if err != nil {
		s.writeQueryError(w, "rate limit status", err)
		return
	}
	resp := rateLimitResponse{
		Allowed:   st.Allowed(),
		Count:     st.Count,
		Remaining: st.Remaining,
		Total:     st.Total,
	}
	if !st.ResetAt.IsZero() {
		resp.ResetAt = &st.ResetAt
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sms.ResetRateLimit(r.Context(), phoneParam(r)); err != nil {
		s.writeQueryError(w, "rate limit reset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeQueryError maps service errors onto HTTP statuses.
func (s *Server) writeQueryError(w http.ResponseWriter, op string, err error) {
	var vendorErr *sms.VendorError
	switch {
	case errors.Is(err, sms.ErrInvalidPhoneNumber):
		httputil.WriteFieldError(w, http.StatusBadRequest, err.Error(), "phone", sms.CodeInvalidPhoneNumber, err.Error())
	case errors.Is(err, sms.ErrNotSupported):
		httputil.WriteError(w, http.StatusNotImplemented, op+" is not supported by provider "+s.sms.ProviderName())
	case errors.As(err, &vendorErr):
		s.logger.Warn("sms vendor query failed", "op", op, "code", vendorErr.Code, "error", err)
		httputil.WriteVendorError(w, err.Error(), vendorErr.Code, vendorErr.RequestID)
	case errors.Is(err, sms.ErrInvalidQuery):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("sms query failed", "op", op, "error", err)
		httputil.WriteError(w, http.StatusBadGateway, op+" failed: "+err.Error())
	}
}

// phoneParam returns the {phone} path segment. chi matches on the raw path,
// so an escaped "+" arrives as "%2B".
func phoneParam(r *http.Request) string {
	raw := chi.URLParam(r, "phone")
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	return t, nil
}
