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
	"maps"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	tencentDefaultBaseURL = "https://sms.tencentcloudapi.com"
	tencentDefaultRegion  = "ap-guangzhou"
	tencentService        = "sms"
	tencentAPIVersion     = "2021-01-11"
	tencentAlgorithm      = "TC3-HMAC-SHA256"
	tencentContentType    = "application/json; charset=utf-8"
	tencentSignedHeaders  = "content-type;host"
	tencentBatchLimit     = 200
	tencentPullLimit      = 100
)

// TencentConfig holds Tencent Cloud SMS credentials and defaults.
type TencentConfig struct {
	SecretID  string
	SecretKey string
	AppID     string // SmsSdkAppId
	SignName  string
	Region    string
	BaseURL   string // empty means the production endpoint
}

// TencentProvider sends SMS through the Tencent Cloud SMS API (version
// 2021-01-11). Requests are JSON POSTs signed with TC3-HMAC-SHA256.
type TencentProvider struct {
	cfg    TencentConfig
	host   string
	client http.Client
	now    func() time.Time
}

// NewTencentProvider creates a TencentProvider.
func NewTencentProvider(cfg TencentConfig) (*TencentProvider, error) {
	if cfg.SecretID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: tencent secret id and key are required", ErrInvalidConfig)
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("%w: tencent sms app id is required", ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = tencentDefaultBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = tencentDefaultRegion
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: tencent endpoint %q is not a valid URL", ErrInvalidConfig, cfg.BaseURL)
	}
	return &TencentProvider{
		cfg:    cfg,
		host:   u.Host,
		client: newHTTPClient(),
		now:    time.Now,
	}, nil
}

func (p *TencentProvider) Name() string { return "tencent" }

type tencentSendPayload struct {
	PhoneNumberSet   []string `json:"PhoneNumberSet"`
	SmsSdkAppID      string   `json:"SmsSdkAppId"`
	SignName         string   `json:"SignName,omitempty"`
	TemplateID       string   `json:"TemplateId"`
	TemplateParamSet []string `json:"TemplateParamSet,omitempty"`
}

type tencentSendStatus struct {
	SerialNo    string `json:"SerialNo"`
	PhoneNumber string `json:"PhoneNumber"`
	Code        string `json:"Code"`
	Message     string `json:"Message"`
}

type tencentSendResponse struct {
	Response struct {
		SendStatusSet []tencentSendStatus `json:"SendStatusSet"`
		RequestID     string              `json:"RequestId"`
	} `json:"Response"`
}

type tencentPullPayload struct {
	BeginTime   int64  `json:"BeginTime"`
	EndTime     int64  `json:"EndTime"`
	Offset      int    `json:"Offset"`
	Limit       int    `json:"Limit"`
	PhoneNumber string `json:"PhoneNumber"`
	SmsSdkAppID string `json:"SmsSdkAppId"`
}

type tencentReceipt struct {
	UserReceiveTime string `json:"UserReceiveTime"`
	PhoneNumber     string `json:"PhoneNumber"`
	SerialNo        string `json:"SerialNo"`
	ReportStatus    string `json:"ReportStatus"`
	Description     string `json:"Description"`
}

type tencentPullResponse struct {
	Response struct {
		PullSmsSendStatusSet []tencentReceipt `json:"PullSmsSendStatusSet"`
		RequestID            string           `json:"RequestId"`
	} `json:"Response"`
}

func (p *TencentProvider) Send(ctx context.Context, req SendRequest) SendResult {
	payload := tencentSendPayload{
		PhoneNumberSet:   []string{req.PhoneNumber},
		SmsSdkAppID:      p.cfg.AppID,
		SignName:         p.signName(req.SignName),
		TemplateID:       req.TemplateID,
		TemplateParamSet: templateParamSet(req.TemplateParams),
	}
	var resp tencentSendResponse
	requestID, err := p.call(ctx, "SendSms", payload, &resp)
	if err != nil {
		return failure(req.PhoneNumber, err)
	}
	if len(resp.Response.SendStatusSet) == 0 {
		return SendResult{
			Code:        CodeSendError,
			Message:     "tencent: response has no send status",
			RequestID:   requestID,
			PhoneNumber: req.PhoneNumber,
		}
	}
	return tencentResult(resp.Response.SendStatusSet[0], requestID, req.PhoneNumber)
}

// SendBatch sends one SendSms call per 200 recipients. The API takes a single
// TemplateParamSet for the whole call, so per-recipient parameters are only
// accepted when they are all identical; otherwise the caller must split the
// batch and every recipient fails with UNSUPPORTED_PER_RECIPIENT_PARAMS.
func (p *TencentProvider) SendBatch(ctx context.Context, req BatchSendRequest) BatchSendResult {
	if !req.validParamCount() {
		return NewBatchSendResult(failAll(req.PhoneNumbers, &VendorError{
			Code:    CodeInvalidTemplateParams,
			Message: "template params must be shared or given once per recipient",
		}))
	}
	var shared map[string]string
	for i, tp := range req.TemplateParams {
		if i == 0 {
			shared = tp
			continue
		}
		if !maps.Equal(shared, tp) {
			return NewBatchSendResult(failAll(req.PhoneNumbers, &VendorError{
				Code:    CodeUnsupportedPerRecipientParams,
				Message: "tencent: batch sends share one parameter set; split recipients with different parameters into separate calls",
			}))
		}
	}

	results := make([]SendResult, 0, len(req.PhoneNumbers))
	for start := 0; start < len(req.PhoneNumbers); start += tencentBatchLimit {
		end := min(start+tencentBatchLimit, len(req.PhoneNumbers))
		results = append(results, p.sendBatchChunk(ctx, req, shared, req.PhoneNumbers[start:end])...)
	}
	return NewBatchSendResult(results)
}

func (p *TencentProvider) sendBatchChunk(ctx context.Context, req BatchSendRequest, params map[string]string, phones []string) []SendResult {
	payload := tencentSendPayload{
		PhoneNumberSet:   phones,
		SmsSdkAppID:      p.cfg.AppID,
		SignName:         p.signName(req.SignName),
		TemplateID:       req.TemplateID,
		TemplateParamSet: templateParamSet(params),
	}
	var resp tencentSendResponse
	requestID, err := p.call(ctx, "SendSms", payload, &resp)
	if err != nil {
		return failAll(phones, err)
	}

	// Statuses are matched by number; duplicates are consumed in order.
	byPhone := make(map[string][]tencentSendStatus, len(phones))
	for _, st := range resp.Response.SendStatusSet {
		byPhone[st.PhoneNumber] = append(byPhone[st.PhoneNumber], st)
	}
	results := make([]SendResult, len(phones))
	for i, phone := range phones {
		queue := byPhone[phone]
		if len(queue) == 0 {
			results[i] = SendResult{
				Code:        CodeSendError,
				Message:     "tencent: no send status returned for recipient",
				RequestID:   requestID,
				PhoneNumber: phone,
			}
			continue
		}
		byPhone[phone] = queue[1:]
		results[i] = tencentResult(queue[0], requestID, phone)
	}
	return results
}

// QueryDeliveryStatus pulls the recipient's receipts for the send date (the
// last 24 hours when unset) and picks the one matching the serial number.
func (p *TencentProvider) QueryDeliveryStatus(ctx context.Context, q StatusQuery) (DeliveryStatusResult, error) {
	if q.PhoneNumber == "" {
		return DeliveryStatusResult{}, fmt.Errorf("tencent: %w: phone number is required to query delivery status", ErrInvalidQuery)
	}
	var begin, end time.Time
	if q.SendDate.IsZero() {
		end = p.now()
		begin = end.Add(-24 * time.Hour)
	} else {
		begin = dayStart(q.SendDate.In(chinaTZ))
		end = begin.Add(24 * time.Hour)
	}
	receipts, err := p.pullReceipts(ctx, q.PhoneNumber, begin, end)
	if err != nil {
		return DeliveryStatusResult{}, err
	}
	for _, r := range receipts {
		if r.SerialNo == q.MessageID {
			return tencentStatus(r), nil
		}
	}
	return DeliveryStatusResult{MessageID: q.MessageID, PhoneNumber: q.PhoneNumber, Status: StatusUnknown}, nil
}

func (p *TencentProvider) QuerySendHistory(ctx context.Context, phoneNumber string, start, end time.Time) ([]DeliveryStatusResult, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("tencent: %w: history end %s is before start %s", ErrInvalidQuery, end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	receipts, err := p.pullReceipts(ctx, phoneNumber, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]DeliveryStatusResult, len(receipts))
	for i, r := range receipts {
		out[i] = tencentStatus(r)
	}
	return out, nil
}

func (p *TencentProvider) pullReceipts(ctx context.Context, phone string, begin, end time.Time) ([]tencentReceipt, error) {
	var all []tencentReceipt
	for offset := 0; ; offset += tencentPullLimit {
		payload := tencentPullPayload{
			BeginTime:   begin.Unix(),
			EndTime:     end.Unix(),
			Offset:      offset,
			Limit:       tencentPullLimit,
			PhoneNumber: phone,
			SmsSdkAppID: p.cfg.AppID,
		}
		var resp tencentPullResponse
		if _, err := p.call(ctx, "PullSmsSendStatusByPhoneNumber", payload, &resp); err != nil {
			return nil, fmt.Errorf("tencent: pull send status: %w", err)
		}
		all = append(all, resp.Response.PullSmsSendStatusSet...)
		if len(resp.Response.PullSmsSendStatusSet) < tencentPullLimit {
			return all, nil
		}
	}
}

// call signs and performs one API action, decoding the response into out.
// A Response.Error from the vendor is returned as a *VendorError.
func (p *TencentProvider) call(ctx context.Context, action string, payload, out any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", localError("tencent", "encode request", err)
	}
	ts := p.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", localError("tencent", "build request", err)
	}
	req.Header.Set("Content-Type", tencentContentType)
	req.Header.Set("X-TC-Action", action)
	req.Header.Set("X-TC-Version", tencentAPIVersion)
	req.Header.Set("X-TC-Timestamp", strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set("X-TC-Region", p.cfg.Region)
	req.Header.Set("Authorization", tc3Authorization(p.cfg.SecretID, p.cfg.SecretKey, p.host, body, ts))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", transportError("tencent", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError("tencent", err)
	}
	if resp.StatusCode >= 500 {
		return "", statusError("tencent", resp.StatusCode, respBody)
	}

	var env struct {
		Response struct {
			Error *struct {
				Code    string `json:"Code"`
				Message string `json:"Message"`
			} `json:"Error"`
			RequestID string `json:"RequestId"`
		} `json:"Response"`
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return "", localError("tencent", fmt.Sprintf("parse response (status %d)", resp.StatusCode), err)
	}
	requestID := env.Response.RequestID
	if e := env.Response.Error; e != nil {
		return requestID, &VendorError{Code: e.Code, Message: e.Message, RequestID: requestID}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return requestID, localError("tencent", "parse response", err)
	}
	return requestID, nil
}

func (p *TencentProvider) signName(override string) string {
	if override != "" {
		return override
	}
	return p.cfg.SignName
}

// tc3Authorization builds the Authorization header for a POST to "/" with a
// JSON body, signing the content-type and host headers.
func tc3Authorization(secretID, secretKey, host string, payload []byte, ts time.Time) string {
	canonicalHeaders := "content-type:" + tencentContentType + "\n" + "host:" + host + "\n"
	canonicalRequest := strings.Join([]string{
		http.MethodPost,
		"/",
		"",
		canonicalHeaders,
		tencentSignedHeaders,
		sha256Hex(payload),
	}, "\n")

	date := ts.UTC().Format(time.DateOnly)
	scope := date + "/" + tencentService + "/tc3_request"
	stringToSign := tencentAlgorithm + "\n" +
		strconv.FormatInt(ts.Unix(), 10) + "\n" +
		scope + "\n" +
		sha256Hex([]byte(canonicalRequest))

	secretDate := hmacSHA256([]byte("TC3"+secretKey), date)
	secretService := hmacSHA256(secretDate, tencentService)
	secretSigning := hmacSHA256(secretService, "tc3_request")
	signature := hex.EncodeToString(hmacSHA256(secretSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		tencentAlgorithm, secretID, scope, tencentSignedHeaders, signature)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// templateParamSet orders a parameter map into the positional list the API
// expects: by numeric key when every key is a number ("1", "2", ...),
// otherwise lexicographically.
func templateParamSet(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	numeric := true
	for k := range params {
		keys = append(keys, k)
		if _, err := strconv.Atoi(k); err != nil {
			numeric = false
		}
	}
	if numeric {
		sort.Slice(keys, func(i, j int) bool {
			a, _ := strconv.Atoi(keys[i])
			b, _ := strconv.Atoi(keys[j])
			return a < b
		})
	} else {
		sort.Strings(keys)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = params[k]
	}
	return out
}

func tencentResult(st tencentSendStatus, requestID, phone string) SendResult {
	return SendResult{
		Success:     strings.EqualFold(st.Code, "Ok"),
		MessageID:   st.SerialNo,
		RequestID:   requestID,
		Code:        st.Code,
		Message:     st.Message,
		PhoneNumber: phone,
	}
}

func tencentStatus(r tencentReceipt) DeliveryStatusResult {
	out := DeliveryStatusResult{
		MessageID:   r.SerialNo,
		PhoneNumber: r.PhoneNumber,
		ReceiveTime: parseVendorTime(r.UserReceiveTime),
	}
	switch r.ReportStatus {
	case "SUCCESS":
		out.Status = StatusDelivered
	case "FAIL":
		out.Status = StatusFailed
		out.ErrorCode = r.Description
	default:
		out.Status = StatusUnknown
	}
	return out
}
