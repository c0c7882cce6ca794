package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig 描述 Webhook 通道的参数。
type WebhookConfig struct {
	Endpoint string
	// Secret 用于生成 HMAC-SHA256 签名，订阅方据此验证来源。
	Secret  string
	Timeout time.Duration
}

// WebhookSink 把事件以 JSON POST 到订阅方地址。
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
}

var _ Sink = (*WebhookSink)(nil)

// NewWebhookSink 构造 Webhook 通道。
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("webhook endpoint 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name 实现 Sink 接口。
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver 推送事件。非 2xx 响应视为失败。
func (s *WebhookSink) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Secret != "" {
		req.Header.Set("X-AgentPay-Signature", signPayload(s.cfg.Secret, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("推送 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回非预期状态码 %d", resp.StatusCode)
	}
	return nil
}

// Close 实现 Sink 接口。
func (s *WebhookSink) Close() error { return nil }

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
