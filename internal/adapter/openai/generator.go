// Package openai implements textgen.Generator on the OpenAI chat completions
// API or any server that speaks the same protocol.
package openai

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/couchcryptid/hazard-risk-engine/internal/textgen"
)

const (
	systemPrompt = "あなたは自治体の防災オペレーションを支援するアシスタントです。与えられたデータにない事実を補わず、簡潔に回答してください。"
	temperature  = 0.3
	maxTokens    = 600
)

// Generator sends each prompt as a single user turn.
type Generator struct {
	client *goopenai.Client
	model  string
	logger *slog.Logger
}

// NewGenerator creates a generator for model. An empty baseURL uses the
// public OpenAI endpoint.
func NewGenerator(apiKey, model, baseURL string, logger *slog.Logger) *Generator {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Generator{
		client: goopenai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: g.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature:         temperature,
		MaxCompletionTokens: maxTokens,
	})
	if err != nil {
		return "", &textgen.GenerationError{Err: err, Retryable: retryable(err)}
	}
	if len(resp.Choices) == 0 {
		return "", &textgen.GenerationError{Err: errors.New("no choices returned"), Retryable: true}
	}
	g.logger.Debug("completion received",
		"model", resp.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// retryable treats rate limits, server errors and deadlines as transient.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return transientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return transientStatus(reqErr.HTTPStatusCode)
	}
	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
