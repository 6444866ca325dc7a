package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/infra"
	"go.uber.org/zap"
)

const ServiceLLM = "llm"

// LLMClient ходит в chat completions в формате OpenAI.
type LLMClient struct {
	model  string
	caller Caller
}

func NewLLMClient(cfg infra.UpstreamConfig, logger *zap.Logger) *LLMClient {
	hc := NewHTTPCaller(ServiceLLM, cfg.URL, map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}, cfg.Timeout)
	return &LLMClient{
		model:  cfg.Model,
		caller: NewReliabilityWrapper(ServiceLLM, hc, cfg, logger),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Chat возвращает текст первого варианта ответа.
func (c *LLMClient) Chat(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
}

// ChatJSON просит модель ответить JSON-объектом и декодирует его в out.
func (c *LLMClient) ChatJSON(ctx context.Context, system, user string, out any) error {
	text, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		return &domain.UpstreamServiceError{Service: ServiceLLM, Err: fmt.Errorf("invalid JSON answer: %w", err)}
	}
	return nil
}

func (c *LLMClient) complete(ctx context.Context, req chatRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	body, err := c.caller.Call(ctx, payload)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &domain.UpstreamServiceError{Service: ServiceLLM, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", &domain.UpstreamServiceError{Service: ServiceLLM, Err: errors.New("no choices in response")}
	}
	return resp.Choices[0].Message.Content, nil
}
