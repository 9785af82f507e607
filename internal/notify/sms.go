package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// SMSSender 短信通道
type SMSSender interface {
	Send(ctx context.Context, recipient, message string) error
}

// MockSMSSender 只记录日志
type MockSMSSender struct {
	Logger *zap.Logger
}

// Send 记录日志
func (s MockSMSSender) Send(_ context.Context, recipient, message string) error {
	s.Logger.Info("SMS notification (mock)",
		zap.String("recipient", recipient),
		zap.String("message", message),
	)
	return nil
}

// smsRequest 短信网关请求体
type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

// smsResponse 短信网关响应
type smsResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// HTTPSMSSender 通过 REST 短信网关投递
type HTTPSMSSender struct {
	httpClient *resty.Client
	sender     string
	logger     *zap.Logger
}

// NewHTTPSMSSender 创建短信网关客户端
func NewHTTPSMSSender(baseURL, apiKey, sender string, timeout time.Duration, logger *zap.Logger) *HTTPSMSSender {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &HTTPSMSSender{
		httpClient: client,
		sender:     sender,
		logger:     logger,
	}
}

// Send 发送一条短信
func (s *HTTPSMSSender) Send(ctx context.Context, recipient, message string) error {
	var out smsResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(smsRequest{To: recipient, From: s.sender, Body: message}).
		SetResult(&out).
		SetError(&out).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode(), out.Error)
	}

	s.logger.Debug("SMS notification sent",
		zap.String("recipient", recipient),
		zap.String("message_id", out.ID),
	)
	return nil
}
