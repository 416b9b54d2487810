package sms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// defaultHTTPTimeout bounds a single vendor round trip.
const defaultHTTPTimeout = 15 * time.Second

// chinaTZ is the zone both vendors use for receipt timestamps.
var chinaTZ = time.FixedZone("CST", 8*60*60)

const vendorTimeLayout = "2006-01-02 15:04:05"

func newHTTPClient() http.Client {
	return http.Client{Timeout: defaultHTTPTimeout}
}

// transportError classifies a failed round trip so the retry policy can tell
// transient faults apart from vendor rejections.
func transportError(vendor string, err error) *VendorError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &VendorError{Code: CodeTimeout, Message: fmt.Sprintf("%s: request timed out", vendor), Err: err}
	}
	return &VendorError{Code: CodeNetworkError, Message: fmt.Sprintf("%s: send request: %v", vendor, err), Err: err}
}

// statusError maps a 5xx response to SERVICE_UNAVAILABLE.
func statusError(vendor string, status int, body []byte) *VendorError {
	return &VendorError{
		Code:    CodeServiceUnavailable,
		Message: fmt.Sprintf("%s: error %d: %s", vendor, status, truncate(string(body), 200)),
	}
}

func localError(vendor, step string, err error) *VendorError {
	return &VendorError{Code: CodeSendError, Message: fmt.Sprintf("%s: %s: %v", vendor, step, err), Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseVendorTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(vendorTimeLayout, s, chinaTZ)
	if err != nil {
		return nil
	}
	return &t
}
