package sms

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookProvider hands sends to an in-house gateway by POSTing JSON to a
// URL. The body is signed with HMAC-SHA256 in the X-Webhook-Signature header.
type WebhookProvider struct {
	url    string
	secret string
	client http.Client
	now    func() time.Time
}

// NewWebhookProvider creates a WebhookProvider.
func NewWebhookProvider(url, secret string) (*WebhookProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: webhook url is required", ErrInvalidConfig)
	}
	return &WebhookProvider{
		url:    url,
		secret: secret,
		client: newHTTPClient(),
		now:    time.Now,
	}, nil
}

func (p *WebhookProvider) Name() string { return "webhook" }

type webhookPayload struct {
	To             string            `json:"to"`
	TemplateID     string            `json:"template_id"`
	TemplateParams map[string]string `json:"template_params,omitempty"`
	SignName       string            `json:"sign_name,omitempty"`
	Timestamp      string            `json:"timestamp"`
}

func (p *WebhookProvider) Send(ctx context.Context, req SendRequest) SendResult {
	reqBody, err := json.Marshal(webhookPayload{
		To:             req.PhoneNumber,
		TemplateID:     req.TemplateID,
		TemplateParams: req.TemplateParams,
		SignName:       req.SignName,
		Timestamp:      p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return failure(req.PhoneNumber, localError("webhook", "marshal request", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return failure(req.PhoneNumber, localError("webhook", "build request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Webhook-Signature", webhookSignature(p.secret, reqBody))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return failure(req.PhoneNumber, transportError("webhook", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(req.PhoneNumber, transportError("webhook", err))
	}
	if resp.StatusCode >= 500 {
		return failure(req.PhoneNumber, statusError("webhook", resp.StatusCode, respBody))
	}

	var parsed struct {
		MessageID string `json:"message_id"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	}
	// A gateway may accept with an empty body (204); there is no message id then.
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode < 300 {
			return failure(req.PhoneNumber, localError("webhook", "parse response", err))
		}
	}
	if resp.StatusCode >= 300 {
		code := parsed.Code
		if code == "" {
			code = CodeSendError
		}
		msg := parsed.Message
		if msg == "" {
			msg = fmt.Sprintf("webhook: error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		}
		return SendResult{Code: code, Message: msg, PhoneNumber: req.PhoneNumber}
	}
	return SendResult{
		Success:     true,
		MessageID:   parsed.MessageID,
		Code:        "OK",
		PhoneNumber: req.PhoneNumber,
	}
}

// SendBatch posts one request per recipient.
func (p *WebhookProvider) SendBatch(ctx context.Context, req BatchSendRequest) BatchSendResult {
	if !req.validParamCount() {
		return NewBatchSendResult(failAll(req.PhoneNumbers, &VendorError{
			Code:    CodeInvalidTemplateParams,
			Message: "template params must be shared or given once per recipient",
		}))
	}
	results := make([]SendResult, len(req.PhoneNumbers))
	for i, phone := range req.PhoneNumbers {
		results[i] = p.Send(ctx, SendRequest{
			PhoneNumber:    phone,
			TemplateID:     req.TemplateID,
			TemplateParams: req.paramsFor(i),
			SignName:       req.SignName,
		})
	}
	return NewBatchSendResult(results)
}

func (p *WebhookProvider) QueryDeliveryStatus(context.Context, StatusQuery) (DeliveryStatusResult, error) {
	return DeliveryStatusResult{}, fmt.Errorf("webhook: delivery status: %w", ErrNotSupported)
}

func (p *WebhookProvider) QuerySendHistory(context.Context, string, time.Time, time.Time) ([]DeliveryStatusResult, error) {
	return nil, fmt.Errorf("webhook: send history: %w", ErrNotSupported)
}

func webhookSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
