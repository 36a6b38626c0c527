package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/models"
)

const systemPrompt = `You are a site reliability engineer diagnosing production alerts.
Respond with a single JSON object and nothing else, using exactly these keys:
{"rootCause": string, "confidence": number between 0 and 1, "suggestedFix": string,
"fixType": one of DATABASE_INDEX|SERVICE_RESTART|CACHE_CLEAR|PROVIDER_FAILOVER|MEMORY_CLEANUP|CONNECTION_POOL_EXPAND|RATE_LIMIT_ADJUST|NONE,
"autoFixable": boolean, "estimatedFixTime": string, "affectedUsers": string, "preventionAdvice": string}`

// chatClient is the slice of the OpenAI client the reasoner uses.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIReasoner diagnoses alerts through a chat-completion backend with a
// strict JSON output contract.
type OpenAIReasoner struct {
	client    chatClient
	model     string
	timeout   time.Duration
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIReasoner builds the reasoner from config. It returns nil when the
// backend is disabled or has no API key, so callers can fall through to rules.
func NewOpenAIReasoner(cfg config.AIConfig, logger *slog.Logger) *OpenAIReasoner {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 600
	}
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIReasoner{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}
}

// aiPayload is the JSON contract the model must honour.
type aiPayload struct {
	RootCause        string  `json:"rootCause"`
	Confidence       float64 `json:"confidence"`
	SuggestedFix     string  `json:"suggestedFix"`
	FixType          string  `json:"fixType"`
	AutoFixable      bool    `json:"autoFixable"`
	EstimatedFixTime string  `json:"estimatedFixTime"`
	AffectedUsers    string  `json:"affectedUsers"`
	PreventionAdvice string  `json:"preventionAdvice"`
}

// Name identifies the reasoner in diagnosis records.
func (r *OpenAIReasoner) Name() string { return models.DiagnosedByAI }

// Diagnose asks the backend for a root-cause assessment. Any transport,
// timeout, or contract violation is returned as an error so the caller can
// fall back.
func (r *OpenAIReasoner) Diagnose(ctx context.Context, alert models.Alert, ev Evidence) (models.Diagnosis, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(alert, ev)},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := r.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		return models.Diagnosis{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.Diagnosis{}, fmt.Errorf("chat completion returned no choices")
	}
	payload, err := parsePayload(resp.Choices[0].Message.Content)
	if err != nil {
		return models.Diagnosis{}, err
	}
	return models.Diagnosis{
		ID:               uuid.NewString(),
		AlertID:          alert.ID,
		AlertType:        alert.Type,
		Component:        alert.Component,
		Severity:         alert.Severity,
		RootCause:        payload.RootCause,
		Confidence:       clampConfidence(payload.Confidence),
		SuggestedFix:     payload.SuggestedFix,
		FixType:          parseFixType(payload.FixType),
		AutoFixable:      payload.AutoFixable,
		EstimatedFixTime: payload.EstimatedFixTime,
		AffectedUsers:    payload.AffectedUsers,
		PreventionAdvice: payload.PreventionAdvice,
		DiagnosedBy:      models.DiagnosedByAI,
		Evidence:         ev.Lines(),
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// buildPrompt renders the alert and its evidence for the model.
func buildPrompt(alert models.Alert, ev Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert type: %s\nComponent: %s\nSeverity: %s\nMessage: %s\n",
		alert.Type, alert.Component, alert.Severity, alert.Message)
	if alert.Threshold > 0 {
		fmt.Fprintf(&b, "Threshold: %.2f, observed: %.2f\n", alert.Threshold, alert.ActualValue)
	}
	if alert.OccurrenceCount > 1 {
		fmt.Fprintf(&b, "Occurrences: %d\n", alert.OccurrenceCount)
	}
	if lines := ev.Lines(); len(lines) > 0 {
		b.WriteString("Evidence:\n")
		for _, line := range lines {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
}

// parsePayload decodes the model output, tolerating markdown code fences.
func parsePayload(content string) (aiPayload, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	var payload aiPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return aiPayload{}, fmt.Errorf("malformed diagnosis payload: %w", err)
	}
	if payload.RootCause == "" {
		return aiPayload{}, fmt.Errorf("diagnosis payload missing rootCause")
	}
	return payload, nil
}
