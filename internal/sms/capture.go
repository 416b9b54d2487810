package sms

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CaptureProvider records SMS sends for use in tests. Send results can be
// scripted with SendFunc and BatchFunc; by default every send succeeds.
// Queries answer ErrNotSupported unless StatusFunc or HistoryFunc is set.
type CaptureProvider struct {
	SendFunc    func(req SendRequest, attempt int) SendResult
	BatchFunc   func(req BatchSendRequest, attempt int) BatchSendResult
	StatusFunc  func(q StatusQuery) (DeliveryStatusResult, error)
	HistoryFunc func(phone string, start, end time.Time) ([]DeliveryStatusResult, error)

	mu         sync.Mutex
	Calls      []SendRequest
	BatchCalls []BatchSendRequest
}

func (c *CaptureProvider) Name() string { return "capture" }

func (c *CaptureProvider) Send(_ context.Context, req SendRequest) SendResult {
	c.mu.Lock()
	c.Calls = append(c.Calls, req)
	n := len(c.Calls)
	fn := c.SendFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(req, n)
	}
	return SendResult{
		Success:     true,
		MessageID:   fmt.Sprintf("captured-%d", n),
		Code:        "OK",
		PhoneNumber: req.PhoneNumber,
	}
}

func (c *CaptureProvider) SendBatch(_ context.Context, req BatchSendRequest) BatchSendResult {
	c.mu.Lock()
	c.BatchCalls = append(c.BatchCalls, req)
	n := len(c.BatchCalls)
	fn := c.BatchFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(req, n)
	}
	results := make([]SendResult, len(req.PhoneNumbers))
	for i, phone := range req.PhoneNumbers {
		results[i] = SendResult{
			Success:     true,
			MessageID:   fmt.Sprintf("captured-%d-%d", n, i),
			Code:        "OK",
			PhoneNumber: phone,
		}
	}
	return NewBatchSendResult(results)
}

func (c *CaptureProvider) QueryDeliveryStatus(_ context.Context, q StatusQuery) (DeliveryStatusResult, error) {
	if c.StatusFunc != nil {
		return c.StatusFunc(q)
	}
	return DeliveryStatusResult{}, fmt.Errorf("capture: delivery status: %w", ErrNotSupported)
}

func (c *CaptureProvider) QuerySendHistory(_ context.Context, phone string, start, end time.Time) ([]DeliveryStatusResult, error) {
	if c.HistoryFunc != nil {
		return c.HistoryFunc(phone, start, end)
	}
	return nil, fmt.Errorf("capture: send history: %w", ErrNotSupported)
}

// SendCount returns the number of single sends recorded.
func (c *CaptureProvider) SendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// LastCode returns the "code" parameter of the last captured send, which is
// where verification codes travel.
func (c *CaptureProvider) LastCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Calls) == 0 {
		return ""
	}
	return c.Calls[len(c.Calls)-1].TemplateParams["code"]
}

// Reset clears all recorded calls.
func (c *CaptureProvider) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
	c.BatchCalls = nil
}
