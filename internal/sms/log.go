package sms

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// LogProvider logs SMS sends instead of delivering them. Useful for development.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a LogProvider. If logger is nil, slog.Default() is used.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(_ context.Context, req SendRequest) SendResult {
	id := uuid.NewString()
	// Parameter values carry verification codes; only their names are logged.
	p.logger.Info("sms.LogProvider",
		"to", MaskPhone(req.PhoneNumber),
		"template", req.TemplateID,
		"param_keys", slices.Sorted(maps.Keys(req.TemplateParams)),
		"message_id", id,
	)
	return SendResult{Success: true, MessageID: id, Code: "OK", PhoneNumber: req.PhoneNumber}
}

func (p *LogProvider) SendBatch(ctx context.Context, req BatchSendRequest) BatchSendResult {
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

// Nothing is delivered, so there are no receipts to report.
func (p *LogProvider) QueryDeliveryStatus(context.Context, StatusQuery) (DeliveryStatusResult, error) {
	return DeliveryStatusResult{}, fmt.Errorf("log: delivery status: %w", ErrNotSupported)
}

func (p *LogProvider) QuerySendHistory(context.Context, string, time.Time, time.Time) ([]DeliveryStatusResult, error) {
	return nil, fmt.Errorf("log: send history: %w", ErrNotSupported)
}
