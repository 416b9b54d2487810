package sms

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	aliyunDefaultBaseURL  = "https://dysmsapi.aliyuncs.com"
	aliyunDefaultRegion   = "cn-hangzhou"
	aliyunAPIVersion      = "2017-05-25"
	aliyunBatchLimit      = 100
	aliyunPageSize        = 50
	aliyunMaxHistoryDays  = 30
	aliyunTimestampLayout = "2006-01-02T15:04:05Z"
)

// AliyunConfig holds Alibaba Cloud SMS credentials and defaults.
type AliyunConfig struct {
	AccessKeyID     string
	AccessKeySecret string
	SignName        string
	Region          string
	BaseURL         string // empty means the production endpoint
}

// AliyunProvider sends SMS through the Alibaba Cloud Dysms API. Every call is
// a GET whose query string carries an HMAC-SHA1 signature over the sorted,
// percent-encoded parameters.
type AliyunProvider struct {
	cfg    AliyunConfig
	client http.Client
	now    func() time.Time
	nonce  func() string
}

// NewAliyunProvider creates an AliyunProvider.
func NewAliyunProvider(cfg AliyunConfig) (*AliyunProvider, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, fmt.Errorf("%w: aliyun access key id and secret are required", ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = aliyunDefaultBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = aliyunDefaultRegion
	}
	return &AliyunProvider{
		cfg:    cfg,
		client: newHTTPClient(),
		now:    time.Now,
		nonce:  uuid.NewString,
	}, nil
}

func (p *AliyunProvider) Name() string { return "aliyun" }

type aliyunEnvelope struct {
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	RequestID string `json:"RequestId"`
}

type aliyunSendResponse struct {
	aliyunEnvelope
	BizID string `json:"BizId"`
}

type aliyunDetail struct {
	PhoneNum    string `json:"PhoneNum"`
	SendStatus  int    `json:"SendStatus"`
	ErrCode     string `json:"ErrCode"`
	SendDate    string `json:"SendDate"`
	ReceiveDate string `json:"ReceiveDate"`
}

type aliyunDetailsResponse struct {
	aliyunEnvelope
	TotalCount json.Number `json:"TotalCount"`
	Details    struct {
		Items []aliyunDetail `json:"SmsSendDetailDTO"`
	} `json:"SmsSendDetailDTOs"`
}

func (p *AliyunProvider) Send(ctx context.Context, req SendRequest) SendResult {
	params := map[string]string{
		"PhoneNumbers": aliyunNumber(req.PhoneNumber),
		"SignName":     p.signName(req.SignName),
		"TemplateCode": req.TemplateID,
	}
	if len(req.TemplateParams) > 0 {
		b, err := json.Marshal(req.TemplateParams)
		if err != nil {
			return failure(req.PhoneNumber, localError("aliyun", "encode template params", err))
		}
		params["TemplateParam"] = string(b)
	}

	var resp aliyunSendResponse
	if err := p.call(ctx, "SendSms", params, &resp); err != nil {
		return failure(req.PhoneNumber, err)
	}
	return SendResult{
		Success:     true,
		MessageID:   resp.BizID,
		RequestID:   resp.RequestID,
		Code:        resp.Code,
		Message:     resp.Message,
		PhoneNumber: req.PhoneNumber,
	}
}

// SendBatch issues one SendBatchSms call per 100 recipients. Every recipient
// in a call shares the template and the returned BizId.
func (p *AliyunProvider) SendBatch(ctx context.Context, req BatchSendRequest) BatchSendResult {
	if !req.validParamCount() {
		return NewBatchSendResult(failAll(req.PhoneNumbers, &VendorError{
			Code:    CodeInvalidTemplateParams,
			Message: "template params must be shared or given once per recipient",
		}))
	}

	results := make([]SendResult, 0, len(req.PhoneNumbers))
	for start := 0; start < len(req.PhoneNumbers); start += aliyunBatchLimit {
		end := min(start+aliyunBatchLimit, len(req.PhoneNumbers))
		results = append(results, p.sendBatchChunk(ctx, req, start, end)...)
	}
	return NewBatchSendResult(results)
}

func (p *AliyunProvider) sendBatchChunk(ctx context.Context, req BatchSendRequest, start, end int) []SendResult {
	phones := req.PhoneNumbers[start:end]
	numbers := make([]string, len(phones))
	signs := make([]string, len(phones))
	var templateParams []map[string]string
	for i, phone := range phones {
		numbers[i] = aliyunNumber(phone)
		signs[i] = p.signName(req.SignName)
		if tp := req.paramsFor(start + i); tp != nil {
			templateParams = append(templateParams, tp)
		}
	}

	params := map[string]string{"TemplateCode": req.TemplateID}
	for key, v := range map[string]any{"PhoneNumberJson": numbers, "SignNameJson": signs} {
		b, err := json.Marshal(v)
		if err != nil {
			return failAll(phones, localError("aliyun", "encode batch", err))
		}
		params[key] = string(b)
	}
	if len(templateParams) == len(phones) {
		b, err := json.Marshal(templateParams)
		if err != nil {
			return failAll(phones, localError("aliyun", "encode template params", err))
		}
		params["TemplateParamJson"] = string(b)
	}

	var resp aliyunSendResponse
	if err := p.call(ctx, "SendBatchSms", params, &resp); err != nil {
		return failAll(phones, err)
	}
	results := make([]SendResult, len(phones))
	for i, phone := range phones {
		results[i] = SendResult{
			Success:     true,
			MessageID:   resp.BizID,
			RequestID:   resp.RequestID,
			Code:        resp.Code,
			Message:     resp.Message,
			PhoneNumber: phone,
		}
	}
	return results
}

// QueryDeliveryStatus looks the message up in QuerySendDetails for its send
// date (today when unset).
func (p *AliyunProvider) QueryDeliveryStatus(ctx context.Context, q StatusQuery) (DeliveryStatusResult, error) {
	if q.PhoneNumber == "" {
		return DeliveryStatusResult{}, fmt.Errorf("aliyun: %w: phone number is required to query delivery status", ErrInvalidQuery)
	}
	date := q.SendDate
	if date.IsZero() {
		date = p.now()
	}
	resp, err := p.queryDetails(ctx, q.PhoneNumber, q.MessageID, date, 1)
	if err != nil {
		return DeliveryStatusResult{}, fmt.Errorf("aliyun: query send details: %w", err)
	}
	if len(resp.Details.Items) == 0 {
		return DeliveryStatusResult{MessageID: q.MessageID, PhoneNumber: q.PhoneNumber, Status: StatusUnknown}, nil
	}
	out := aliyunStatus(resp.Details.Items[0], q.PhoneNumber)
	out.MessageID = q.MessageID
	return out, nil
}

// QuerySendHistory walks QuerySendDetails one day at a time, paging through
// each day. The vendor only retains 30 days. Detail rows do not carry the
// BizId that Send returned, so history items have no MessageID.
func (p *AliyunProvider) QuerySendHistory(ctx context.Context, phoneNumber string, start, end time.Time) ([]DeliveryStatusResult, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("aliyun: %w: history end %s is before start %s", ErrInvalidQuery, end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	first := dayStart(start.In(chinaTZ))
	last := dayStart(end.In(chinaTZ))
	if last.Sub(first) > aliyunMaxHistoryDays*24*time.Hour {
		return nil, fmt.Errorf("aliyun: %w: history range exceeds %d days", ErrInvalidQuery, aliyunMaxHistoryDays)
	}

	var out []DeliveryStatusResult
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		for page := 1; ; page++ {
			resp, err := p.queryDetails(ctx, phoneNumber, "", day, page)
			if err != nil {
				return nil, fmt.Errorf("aliyun: query send details for %s: %w", day.Format(time.DateOnly), err)
			}
			for _, item := range resp.Details.Items {
				out = append(out, aliyunStatus(item, phoneNumber))
			}
			total, _ := resp.TotalCount.Int64()
			if len(resp.Details.Items) < aliyunPageSize || int64(page*aliyunPageSize) >= total {
				break
			}
		}
	}
	return out, nil
}

func (p *AliyunProvider) queryDetails(ctx context.Context, phone, bizID string, date time.Time, page int) (*aliyunDetailsResponse, error) {
	params := map[string]string{
		"PhoneNumber": aliyunNumber(phone),
		"SendDate":    date.In(chinaTZ).Format("20060102"),
		"PageSize":    strconv.Itoa(aliyunPageSize),
		"CurrentPage": strconv.Itoa(page),
	}
	if bizID != "" {
		params["BizId"] = bizID
	}
	var resp aliyunDetailsResponse
	if err := p.call(ctx, "QuerySendDetails", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call signs and performs one API action. out must embed aliyunEnvelope.
// A non-OK Code is returned as a *VendorError carrying the vendor's code.
func (p *AliyunProvider) call(ctx context.Context, action string, params map[string]string, out any) error {
	all := map[string]string{
		"AccessKeyId":      p.cfg.AccessKeyID,
		"Action":           action,
		"Format":           "JSON",
		"RegionId":         p.cfg.Region,
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureNonce":   p.nonce(),
		"SignatureVersion": "1.0",
		"Timestamp":        p.now().UTC().Format(aliyunTimestampLayout),
		"Version":          aliyunAPIVersion,
	}
	for k, v := range params {
		all[k] = v
	}
	query := aliyunCanonicalQuery(all)
	signature := aliyunSignature(http.MethodGet, p.cfg.AccessKeySecret, query)
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/?" + query + "&Signature=" + aliyunPercentEncode(signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return localError("aliyun", "build request", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return transportError("aliyun", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError("aliyun", err)
	}
	if resp.StatusCode >= 500 {
		return statusError("aliyun", resp.StatusCode, body)
	}

	var env aliyunEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return localError("aliyun", fmt.Sprintf("parse response (status %d)", resp.StatusCode), err)
	}
	if env.Code != "OK" {
		return &VendorError{Code: env.Code, Message: env.Message, RequestID: env.RequestID}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return localError("aliyun", "parse response", err)
	}
	return nil
}

func (p *AliyunProvider) signName(override string) string {
	if override != "" {
		return override
	}
	return p.cfg.SignName
}

// aliyunPercentEncode is RFC 3986 encoding as the Alibaba Cloud signer expects it.
func aliyunPercentEncode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "*", "%2A")
	e = strings.ReplaceAll(e, "%7E", "~")
	return e
}

// aliyunCanonicalQuery sorts params by key and joins the encoded pairs.
func aliyunCanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = aliyunPercentEncode(k) + "=" + aliyunPercentEncode(params[k])
	}
	return strings.Join(pairs, "&")
}

// aliyunSignature computes base64(HMAC-SHA1(secret+"&", stringToSign)).
func aliyunSignature(method, secret, canonicalQuery string) string {
	stringToSign := method + "&" + aliyunPercentEncode("/") + "&" + aliyunPercentEncode(canonicalQuery)
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// aliyunNumber converts E.164 to the vendor's format: bare national numbers
// for mainland China, country code plus number without "+" elsewhere.
func aliyunNumber(e164 string) string {
	if n, ok := strings.CutPrefix(e164, "+86"); ok {
		return n
	}
	return strings.TrimPrefix(e164, "+")
}

func aliyunStatus(d aliyunDetail, phone string) DeliveryStatusResult {
	out := DeliveryStatusResult{
		PhoneNumber: phone,
		SendTime:    parseVendorTime(d.SendDate),
		ReceiveTime: parseVendorTime(d.ReceiveDate),
	}
	switch d.SendStatus {
	case 1:
		out.Status = StatusSent
	case 2:
		out.Status = StatusFailed
		if strings.HasPrefix(d.ErrCode, "isv.") {
			out.Status = StatusRejected
		}
		out.ErrorCode = d.ErrCode
	case 3:
		out.Status = StatusDelivered
	default:
		out.Status = StatusUnknown
	}
	return out
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
