// Package notify delivers alert notifications to the configured sinks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"

	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Sink delivers one alert to one destination.
type Sink interface {
	Name() string
	Notify(ctx context.Context, alert models.Alert) error
}

// BuildSinks assembles the active sinks from config. The log sink is always
// present so every alert leaves at least one trace.
func BuildSinks(cfg config.NotifyConfig, logger *slog.Logger) []Sink {
	if logger == nil {
		logger = slog.Default()
	}
	sinks := []Sink{NewLogSink(logger)}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.Webhook))
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		sink, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			logger.Warn("telegram sink disabled", slog.Any("error", err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds the always-on logging sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(_ context.Context, alert models.Alert) error {
	attrs := []any{
		slog.String("alert_id", alert.ID),
		slog.String("type", alert.Type),
		slog.String("component", alert.Component),
		slog.String("severity", string(alert.Severity)),
		slog.Int("occurrences", alert.OccurrenceCount),
	}
	switch alert.Severity {
	case models.SeverityCritical:
		s.logger.Error(alert.Message, attrs...)
	case models.SeverityHigh:
		s.logger.Warn(alert.Message, attrs...)
	default:
		s.logger.Info(alert.Message, attrs...)
	}
	return nil
}

// WebhookSink posts alerts as JSON to an HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink builds the webhook sink with a per-request timeout.
func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Notify(ctx context.Context, alert models.Alert) error {
	payload := struct {
		Source string       `json:"source"`
		Alert  models.Alert `json:"alert"`
	}{Source: "mirador-sentinel", Alert: alert}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
			return fmt.Errorf("webhook status=%d body=%s", resp.StatusCode, trimmed)
		}
		return fmt.Errorf("webhook status=%d", resp.StatusCode)
	}
	return nil
}

// TelegramSink sends alerts to a Telegram chat.
type TelegramSink struct {
	client *tgbot.Bot
	chatID any
}

// NewTelegramSink builds the Telegram sink from a bot token and chat id.
func NewTelegramSink(cfg config.TelegramConfig) (*TelegramSink, error) {
	client, err := tgbot.New(cfg.Token, tgbot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSink{client: client, chatID: normalizeChatID(cfg.ChatID)}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Notify(ctx context.Context, alert models.Alert) error {
	if _, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: s.chatID,
		Text:   FormatText(alert),
	}); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// normalizeChatID keeps numeric chat ids as int64 for the Telegram API and
// non-numeric ids as channel names.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// FormatText renders the plain-text notification body shared by chat sinks.
func FormatText(alert models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Type)
	if alert.Component != "" {
		fmt.Fprintf(&b, " on %s", alert.Component)
	}
	b.WriteString("\n")
	b.WriteString(alert.Message)
	if alert.OccurrenceCount > 1 {
		fmt.Fprintf(&b, "\nseen %d times", alert.OccurrenceCount)
	}
	return b.String()
}
