package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	xerrors "CrossFlow/internal/errors"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
)

// Event 描述一次需要告警的资金调度事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	TransferID string
	Route      string
	Rail       string
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 从统一错误类型构造告警事件。不需要告警的错误返回 false。
func FromError(err error, transferID, route, rail string) (Event, bool) {
	e, ok := xerrors.From(err)
	if !ok || !e.ShouldAlert() {
		return Event{}, false
	}
	return Event{
		Code:       e.Code(),
		Message:    e.Message(),
		Severity:   e.Severity(),
		TransferID: transferID,
		Route:      route,
		Rail:       rail,
		Metadata:   e.Metadata(),
		OccurredAt: time.Now(),
	}, true
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// WebhookNotifier 将事件以 JSON 形式 POST 到指定地址。
type WebhookNotifier struct {
	URL    string
	client *http.Client
}

// NewWebhookNotifier 创建 WebhookNotifier。
func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook 地址不能为空")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{URL: url, client: &http.Client{Timeout: timeout}}, nil
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

type webhookPayload struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	TransferID string            `json:"transfer_id,omitempty"`
	Route      string            `json:"route,omitempty"`
	Rail       string            `json:"rail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt string            `json:"occurred_at"`
}

// Notify 发送 webhook 请求。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil {
		return nil
	}
	payload, err := json.Marshal(webhookPayload{
		Code:       string(event.Code),
		Message:    event.Message,
		Severity:   string(event.Severity),
		TransferID: event.TransferID,
		Route:      event.Route,
		Rail:       event.Rail,
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// DingTalkSender 负责向钉钉机器人发送消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n通道: %s/%s\n转账: %s\n%s",
		event.Severity, event.Code, event.Route, event.Rail, event.TransferID, event.Message)
	return n.Sender.Send(ctx, payload)
}
