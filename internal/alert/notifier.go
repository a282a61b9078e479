package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ai-trader/internal/config"
)

// Notification 为一条告警消息。
type Notification struct {
	Severity string                 `json:"severity"` // warn | error
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	SentAt   time.Time              `json:"sent_at"`
}

// Notifier 为告警通道抽象。发送失败不影响主流程。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier 把告警输出到日志，是最低限度的兜底通道。
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志告警通道。
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

var _ Notifier = (*LogNotifier)(nil)

// Notify 按级别写入日志。
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("title", n.Title),
		zap.String("message", n.Message),
		zap.Any("fields", n.Fields),
	}
	if n.Severity == "error" {
		l.logger.Error("告警", fields...)
	} else {
		l.logger.Warn("告警", fields...)
	}
	return nil
}

// WebhookNotifier 把告警以 JSON POST 到配置的回调地址。
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier 创建 Webhook 告警通道。
func NewWebhookNotifier(cfg config.AlertConfig, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

var _ Notifier = (*WebhookNotifier)(nil)

// Notify 发送告警。非 2xx 响应视为发送失败。
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("alert: 序列化告警失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: 构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: 发送告警失败: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert: 告警服务返回异常状态码: %d", resp.StatusCode)
	}

	return nil
}

// Multi 把告警扇出到多个通道，任一通道失败仅记录日志。
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti 组合多个告警通道。
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{notifiers: notifiers, logger: logger}
}

var _ Notifier = (*Multi)(nil)

// Notify 依次调用各通道。
func (m *Multi) Notify(ctx context.Context, n Notification) error {
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			m.logger.Warn("告警通道发送失败", zap.Error(err))
		}
	}
	return nil
}
