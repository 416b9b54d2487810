// Package httputil holds the JSON request and response helpers shared by the
// smsd HTTP handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// MaxBodySize caps request bodies. A full batch of numbers with per-recipient
// parameters fits well inside it.
const MaxBodySize = 1 << 20

// ErrorResponse is the error envelope for every non-2xx smsd API reply.
type ErrorResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// DecodeJSON decodes a size-limited JSON body into v. On failure it writes the
// error reply itself (400, or 413 for oversized bodies) and returns false.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		WriteError(w, http.StatusBadRequest, "request body is required")
	default:
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
	}
	return false
}

// ExtractBearerToken returns the credentials of an "Authorization: Bearer"
// header. The scheme is matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Code: status, Message: message})
}

// WriteFieldError reports a problem with one request field, e.g. a malformed
// date query parameter.
func WriteFieldError(w http.ResponseWriter, status int, message string, field, fieldCode, fieldMsg string) {
	WriteJSON(w, status, ErrorResponse{
		Code:    status,
		Message: message,
		Data: map[string]any{
			field: map[string]string{
				"code":    fieldCode,
				"message": fieldMsg,
			},
		},
	})
}

// WriteVendorError reports a failure returned by the SMS vendor. The vendor's
// own error code and request id travel in data so callers can correlate them
// with the vendor console.
func WriteVendorError(w http.ResponseWriter, message, vendorCode, requestID string) {
	data := map[string]any{"vendor_code": vendorCode}
	if requestID != "" {
		data["request_id"] = requestID
	}
	WriteJSON(w, http.StatusBadGateway, ErrorResponse{
		Code:    http.StatusBadGateway,
		Message: message,
		Data:    data,
	})
}
