package sms

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result codes reported in SendResult.Code. Vendor codes are passed through
// verbatim alongside these.
const (
	CodeInvalidPhoneNumber            = "INVALID_PHONE_NUMBER"
	CodeRateLimitExceeded             = "RATE_LIMIT_EXCEEDED"
	CodeSendError                     = "SEND_ERROR"
	CodeMaxRetriesExceeded            = "MAX_RETRIES_EXCEEDED"
	CodeBatchFailed                   = "BATCH_FAILED"
	CodeInvalidTemplateParams         = "INVALID_TEMPLATE_PARAMS"
	CodeCountryNotAllowed             = "COUNTRY_NOT_ALLOWED"
	CodeTimeout                       = "TIMEOUT"
	CodeNetworkError                  = "NETWORK_ERROR"
	CodeServiceUnavailable            = "SERVICE_UNAVAILABLE"
	CodeUnsupportedPerRecipientParams = "UNSUPPORTED_PER_RECIPIENT_PARAMS"
)

// ErrInvalidConfig is returned by provider and service constructors when a
// required setting is missing.
var ErrInvalidConfig = errors.New("invalid sms configuration")

// ErrInvalidQuery marks delivery and history queries rejected before reaching
// the vendor, such as a missing phone number or an out-of-range window.
var ErrInvalidQuery = errors.New("invalid sms query")

// ErrNotSupported is returned by providers that cannot answer a query.
var ErrNotSupported = errors.New("not supported by provider")

// SendRequest is one templated message to one recipient.
type SendRequest struct {
	PhoneNumber    string            `json:"phone_number"`
	TemplateID     string            `json:"template_id"`
	TemplateParams map[string]string `json:"template_params,omitempty"`
	SignName       string            `json:"sign_name,omitempty"`
}

// BatchSendRequest sends one template to many recipients. TemplateParams is
// either empty, a single map shared by every recipient, or one map per
// recipient in PhoneNumbers order.
type BatchSendRequest struct {
	PhoneNumbers   []string            `json:"phone_numbers"`
	TemplateID     string              `json:"template_id"`
	TemplateParams []map[string]string `json:"template_params,omitempty"`
	SignName       string              `json:"sign_name,omitempty"`
}

// paramsFor returns the template parameters for recipient i.
func (r BatchSendRequest) paramsFor(i int) map[string]string {
	switch len(r.TemplateParams) {
	case 0:
		return nil
	case 1:
		return r.TemplateParams[0]
	default:
		return r.TemplateParams[i]
	}
}

// validParamCount reports whether TemplateParams lines up with PhoneNumbers.
func (r BatchSendRequest) validParamCount() bool {
	n := len(r.TemplateParams)
	return n <= 1 || n == len(r.PhoneNumbers)
}

// SendResult is the outcome for one recipient.
type SendResult struct {
	Success     bool   `json:"success"`
	MessageID   string `json:"message_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

// BatchSendResult holds one SendResult per requested recipient, in request order.
type BatchSendResult struct {
	Success      bool         `json:"success"`
	Results      []SendResult `json:"results"`
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
}

// NewBatchSendResult tallies results. A batch is successful when at least one
// recipient was sent to.
func NewBatchSendResult(results []SendResult) BatchSendResult {
	out := BatchSendResult{Results: results}
	for _, r := range results {
		if r.Success {
			out.SuccessCount++
		} else {
			out.FailedCount++
		}
	}
	out.Success = out.SuccessCount > 0
	return out
}

// DeliveryStatus is the vendor-reported state of a sent message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusFailed    DeliveryStatus = "FAILED"
	StatusRejected  DeliveryStatus = "REJECTED"
	StatusUnknown   DeliveryStatus = "UNKNOWN"
)

// DeliveryStatusResult is one delivery receipt as reported by the vendor.
type DeliveryStatusResult struct {
	MessageID   string         `json:"message_id,omitempty"`
	PhoneNumber string         `json:"phone_number"`
	Status      DeliveryStatus `json:"status"`
	SendTime    *time.Time     `json:"send_time,omitempty"`
	ReceiveTime *time.Time     `json:"receive_time,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
}

// StatusQuery identifies a sent message. Both supported vendors index receipts
// by recipient, so the number (and, when known, the send date) narrow the lookup.
type StatusQuery struct {
	MessageID   string
	PhoneNumber string
	SendDate    time.Time
}

// Provider sends templated SMS through one vendor. Implementations perform
// network I/O and protocol translation only: no retries, no rate limiting.
// Send failures are reported in the result, never as a panic or error.
type Provider interface {
	Name() string
	Send(ctx context.Context, req SendRequest) SendResult
	SendBatch(ctx context.Context, req BatchSendRequest) BatchSendResult
	QueryDeliveryStatus(ctx context.Context, q StatusQuery) (DeliveryStatusResult, error)
	QuerySendHistory(ctx context.Context, phoneNumber string, start, end time.Time) ([]DeliveryStatusResult, error)
}

// VendorError describes a failed vendor call: either a code the vendor
// returned or a local classification of a transport fault.
type VendorError struct {
	Code      string
	Message   string
	RequestID string
	Err       error
}

func (e *VendorError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *VendorError) Unwrap() error { return e.Err }

// failure builds a failed SendResult for phone from err.
func failure(phone string, err error) SendResult {
	var ve *VendorError
	if errors.As(err, &ve) {
		return SendResult{
			Code:        ve.Code,
			Message:     ve.Message,
			RequestID:   ve.RequestID,
			PhoneNumber: phone,
		}
	}
	return SendResult{Code: CodeSendError, Message: err.Error(), PhoneNumber: phone}
}

// failAll returns one failed result per phone, all carrying err.
func failAll(phones []string, err error) []SendResult {
	results := make([]SendResult, len(phones))
	for i, p := range phones {
		results[i] = failure(p, err)
	}
	return results
}
