package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"
)

// Kind 告警类型。
type Kind string

const (
	KindDisabled  Kind = "disabled"
	KindRecovered Kind = "recovered"
	KindSimulated Kind = "simulated"
)

// Notification 封装数据源状态变化的告警上下文。
type Notification struct {
	Source              string
	Kind                Kind
	ConsecutiveFailures int64
	DisabledUntil       time.Time
	At                  time.Time
	Channels            []string
	AdditionalMsg       string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   client,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetPathParam("token", n.botToken).
		SetBody(map[string]string{
			"chat_id": n.chatID,
			"text":    renderMessage(note),
		}).
		SetForceResponseContentType("application/json").
		SetResult(&result).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode())
	}
	if !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	n.logger.Info().Str("source", note.Source).
		Str("kind", string(note.Kind)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// Close releases idle connections.
func (n *TelegramNotifier) Close() error {
	return n.client.Close()
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindRecovered:
		builder.WriteString("[Price Source Recovered]\n")
	case KindSimulated:
		builder.WriteString("[Price Source Alert - SIMULATED]\n")
	default:
		builder.WriteString("[Price Source Disabled]\n")
	}
	builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.Kind != KindRecovered {
		builder.WriteString(fmt.Sprintf("Consecutive failures: %d\n", note.ConsecutiveFailures))
		if !note.DisabledUntil.IsZero() {
			builder.WriteString(fmt.Sprintf("Disabled until: %s UTC\n", note.DisabledUntil.UTC().Format(time.RFC3339)))
		}
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
