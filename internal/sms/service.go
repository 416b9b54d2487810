package sms

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/allyourbase/smsd/internal/ratelimit"
)

// RetryConfig controls how often a failed send is repeated. Only failures
// whose code is listed in RetryOn are retried. The zero value disables retries.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	RetryOn    []string
}

// DefaultRetryConfig retries transient transport failures three times, ten
// seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: 10 * time.Second,
		RetryOn:    []string{CodeTimeout, CodeNetworkError, CodeServiceUnavailable},
	}
}

// ServiceConfig is fixed when the Service is built.
type ServiceConfig struct {
	// SignName is used when a request does not carry its own.
	SignName             string
	VerificationTemplate string
	// AllowedCountries lists ISO 3166-1 alpha-2 regions. Empty allows all.
	AllowedCountries   []string
	DefaultCountryCode string
	Retry              RetryConfig
}

// Service is the entry point for sending SMS. It validates numbers, enforces
// per-recipient rate limits and retries transient vendor failures before
// delegating to its Provider. It is safe for concurrent use.
type Service struct {
	provider Provider
	limiter  ratelimit.Store
	cfg      ServiceConfig
	parser   PhoneParser
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSleep replaces the delay between retries. The function must return
// ctx.Err() when ctx ends before d elapses.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ServiceOption {
	return func(s *Service) { s.sleep = sleep }
}

// NewService builds a Service. The limiter is owned by the Service and is
// closed by Close.
func NewService(provider Provider, limiter ratelimit.Store, cfg ServiceConfig, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if limiter == nil {
		return nil, fmt.Errorf("%w: rate limit store is required", ErrInvalidConfig)
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidConfig, cfg.Retry.MaxRetries)
	}
	if cfg.Retry.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: retry delay must be >= 0, got %s", ErrInvalidConfig, cfg.Retry.RetryDelay)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		provider: provider,
		limiter:  limiter,
		cfg:      cfg,
		parser:   PhoneParser{DefaultCountryCode: cfg.DefaultCountryCode},
		logger:   logger,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ProviderName returns the active vendor's name.
func (s *Service) ProviderName() string { return s.provider.Name() }

// Close releases the rate limit store.
func (s *Service) Close() error { return s.limiter.Close() }

// Send delivers one templated message. Failures are reported in the result.
func (s *Service) Send(ctx context.Context, req SendRequest) SendResult {
	phone, err := s.parser.Normalize(req.PhoneNumber)
	if err != nil {
		return SendResult{
			Code:        CodeInvalidPhoneNumber,
			Message:     fmt.Sprintf("invalid phone number %q", req.PhoneNumber),
			PhoneNumber: req.PhoneNumber,
		}
	}
	if res, blocked := s.admit(ctx, phone); blocked {
		s.logger.Warn("sms send blocked", "to", MaskPhone(phone), "code", res.Code)
		return res
	}

	req.PhoneNumber = phone
	if req.SignName == "" {
		req.SignName = s.cfg.SignName
	}
	res, attempts, exhausted := retry(ctx, s, func() SendResult {
		return s.provider.Send(ctx, req)
	}, func(r SendResult) bool {
		return !r.Success && s.retryable(r.Code)
	})
	res.Attempts = attempts
	if res.PhoneNumber == "" {
		res.PhoneNumber = phone
	}
	if exhausted {
		res = giveUp(res, attempts)
	}
	s.logResult("sms send", res)
	return res
}

// SendBatch sends one template to many recipients. A batch containing any
// invalid number is rejected as a whole. Otherwise recipients that are over
// their limit or outside the allowed countries are skipped, the rest go to
// the provider in one batch call, and the results are merged back in
// request order.
func (s *Service) SendBatch(ctx context.Context, req BatchSendRequest) BatchSendResult {
	n := len(req.PhoneNumbers)
	if n == 0 {
		return NewBatchSendResult([]SendResult{})
	}
	if !req.validParamCount() {
		return NewBatchSendResult(failAll(req.PhoneNumbers, &VendorError{
			Code: CodeInvalidTemplateParams,
			Message: fmt.Sprintf("got %d template parameter sets for %d recipients",
				len(req.TemplateParams), n),
		}))
	}

	normalized := make([]string, n)
	invalid := 0
	for i, raw := range req.PhoneNumbers {
		phone, err := s.parser.Normalize(raw)
		if err != nil {
			invalid++
			continue
		}
		normalized[i] = phone
	}
	if invalid > 0 {
		results := make([]SendResult, n)
		for i, raw := range req.PhoneNumbers {
			if normalized[i] == "" {
				results[i] = SendResult{
					Code:        CodeInvalidPhoneNumber,
					Message:     fmt.Sprintf("invalid phone number %q", raw),
					PhoneNumber: raw,
				}
				continue
			}
			results[i] = SendResult{
				Code:        CodeBatchFailed,
				Message:     fmt.Sprintf("batch rejected: %d invalid phone number(s)", invalid),
				PhoneNumber: normalized[i],
			}
		}
		s.logger.Warn("sms batch rejected", "recipients", n, "invalid", invalid)
		return NewBatchSendResult(results)
	}

	results := make([]SendResult, n)
	var sendIdx []int
	for i, phone := range normalized {
		if res, blocked := s.admit(ctx, phone); blocked {
			results[i] = res
			continue
		}
		sendIdx = append(sendIdx, i)
	}

	if len(sendIdx) > 0 {
		sub := BatchSendRequest{
			PhoneNumbers: make([]string, len(sendIdx)),
			TemplateID:   req.TemplateID,
			SignName:     req.SignName,
		}
		if sub.SignName == "" {
			sub.SignName = s.cfg.SignName
		}
		if len(req.TemplateParams) > 1 {
			sub.TemplateParams = make([]map[string]string, len(sendIdx))
		} else {
			sub.TemplateParams = req.TemplateParams
		}
		for j, i := range sendIdx {
			sub.PhoneNumbers[j] = normalized[i]
			if len(req.TemplateParams) > 1 {
				sub.TemplateParams[j] = req.TemplateParams[i]
			}
		}

		out, attempts, exhausted := retry(ctx, s, func() BatchSendResult {
			return s.provider.SendBatch(ctx, sub)
		}, s.allFailedRetryable)

		for j, i := range sendIdx {
			var r SendResult
			if j < len(out.Results) {
				r = out.Results[j]
			} else {
				r = SendResult{Code: CodeSendError, Message: "provider returned no result for recipient"}
			}
			if r.PhoneNumber == "" {
				r.PhoneNumber = normalized[i]
			}
			r.Attempts = attempts
			if exhausted {
				r = giveUp(r, attempts)
			}
			results[i] = r
		}
	}

	batch := NewBatchSendResult(results)
	s.logger.Info("sms batch",
		"provider", s.provider.Name(),
		"recipients", n,
		"sent", batch.SuccessCount,
		"failed", batch.FailedCount,
	)
	return batch
}

// SendVerificationCode sends code using the configured verification template.
// The code travels in the "code" template parameter.
func (s *Service) SendVerificationCode(ctx context.Context, phoneNumber, code string) SendResult {
	if s.cfg.VerificationTemplate == "" {
		return SendResult{
			Code:        CodeSendError,
			Message:     "no verification template configured",
			PhoneNumber: phoneNumber,
		}
	}
	return s.Send(ctx, SendRequest{
		PhoneNumber:    phoneNumber,
		TemplateID:     s.cfg.VerificationTemplate,
		TemplateParams: map[string]string{"code": code},
	})
}

// CheckRateLimit reports whether phoneNumber may be sent to now.
func (s *Service) CheckRateLimit(ctx context.Context, phoneNumber string) (bool, error) {
	phone, err := s.parser.Normalize(phoneNumber)
	if err != nil {
		return false, err
	}
	return s.limiter.Check(ctx, phone)
}

// GetRateLimitStatus returns the remaining quota for phoneNumber.
func (s *Service) GetRateLimitStatus(ctx context.Context, phoneNumber string) (ratelimit.Status, error) {
	phone, err := s.parser.Normalize(phoneNumber)
	if err != nil {
		return ratelimit.Status{}, err
	}
	return s.limiter.Status(ctx, phone)
}

// ResetRateLimit clears phoneNumber's window.
func (s *Service) ResetRateLimit(ctx context.Context, phoneNumber string) error {
	phone, err := s.parser.Normalize(phoneNumber)
	if err != nil {
		return err
	}
	if err := s.limiter.Reset(ctx, phone); err != nil {
		return err
	}
	s.logger.Info("sms rate limit reset", "to", MaskPhone(phone))
	return nil
}

// GetDeliveryStatus asks the provider for a message's delivery receipt.
func (s *Service) GetDeliveryStatus(ctx context.Context, q StatusQuery) (DeliveryStatusResult, error) {
	if q.MessageID == "" {
		return DeliveryStatusResult{}, fmt.Errorf("%w: message id is required", ErrInvalidQuery)
	}
	if q.PhoneNumber != "" {
		phone, err := s.parser.Normalize(q.PhoneNumber)
		if err != nil {
			return DeliveryStatusResult{}, err
		}
		q.PhoneNumber = phone
	}
	return s.provider.QueryDeliveryStatus(ctx, q)
}

// QuerySendHistory lists delivery receipts for phoneNumber between start and end.
func (s *Service) QuerySendHistory(ctx context.Context, phoneNumber string, start, end time.Time) ([]DeliveryStatusResult, error) {
	phone, err := s.parser.Normalize(phoneNumber)
	if err != nil {
		return nil, err
	}
	return s.provider.QuerySendHistory(ctx, phone, start, end)
}

// admit applies the country allow-list and consumes one unit of quota.
// It returns a failed result and true when phone must not be sent to.
func (s *Service) admit(ctx context.Context, phone string) (SendResult, bool) {
	if !IsAllowedCountry(phone, s.cfg.AllowedCountries) {
		return SendResult{
			Code:        CodeCountryNotAllowed,
			Message:     "destination country is not allowed",
			PhoneNumber: phone,
		}, true
	}
	allowed, st, err := s.limiter.Allow(ctx, phone)
	if err != nil {
		s.logger.Error("rate limit store failed", "to", MaskPhone(phone), "error", err)
		return SendResult{
			Code:        CodeSendError,
			Message:     fmt.Sprintf("rate limit check failed: %v", err),
			PhoneNumber: phone,
		}, true
	}
	if !allowed {
		msg := fmt.Sprintf("rate limit exceeded: %d of %d sends used", st.Count, st.Total)
		if !st.ResetAt.IsZero() {
			msg += ", resets at " + st.ResetAt.UTC().Format(time.RFC3339)
		}
		return SendResult{Code: CodeRateLimitExceeded, Message: msg, PhoneNumber: phone}, true
	}
	return SendResult{}, false
}

func (s *Service) retryable(code string) bool {
	return code != "" && slices.Contains(s.cfg.Retry.RetryOn, code)
}

func (s *Service) allFailedRetryable(b BatchSendResult) bool {
	if len(b.Results) == 0 || b.SuccessCount > 0 {
		return false
	}
	for _, r := range b.Results {
		if !s.retryable(r.Code) {
			return false
		}
	}
	return true
}

func (s *Service) logResult(msg string, res SendResult) {
	attrs := []any{
		"provider", s.provider.Name(),
		"to", MaskPhone(res.PhoneNumber),
		"attempts", res.Attempts,
	}
	if res.Success {
		s.logger.Info(msg, append(attrs, "message_id", res.MessageID)...)
		return
	}
	s.logger.Warn(msg+" failed", append(attrs, "code", res.Code, "message", res.Message)...)
}

// retry calls fn until shouldRetry reports false or MaxRetries extra attempts
// have been made. It returns the last outcome, the number of attempts, and
// whether the loop stopped because retries ran out. With MaxRetries at 0 no
// retry was configured, so nothing runs out. A cancelled ctx ends the loop
// early with the last outcome.
func retry[T any](ctx context.Context, s *Service, fn func() T, shouldRetry func(T) bool) (T, int, bool) {
	for attempt := 1; ; attempt++ {
		out := fn()
		if !shouldRetry(out) {
			return out, attempt, false
		}
		if attempt > s.cfg.Retry.MaxRetries {
			return out, attempt, s.cfg.Retry.MaxRetries > 0
		}
		s.logger.Warn("sms attempt failed, retrying",
			"provider", s.provider.Name(),
			"attempt", attempt,
			"delay", s.cfg.Retry.RetryDelay,
		)
		if err := s.sleep(ctx, s.cfg.Retry.RetryDelay); err != nil {
			return out, attempt, false
		}
	}
}

// giveUp relabels a failure that used up every retry.
func giveUp(r SendResult, attempts int) SendResult {
	if r.Success {
		return r
	}
	r.Message = fmt.Sprintf("gave up after %d attempts: %s: %s", attempts, r.Code, r.Message)
	r.Code = CodeMaxRetriesExceeded
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
