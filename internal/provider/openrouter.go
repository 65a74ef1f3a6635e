package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OpenRouterProvider implements Adapter for OpenRouter's OpenAI-compatible
// chat completions endpoint. This is the group that tries several models in
// turn: the caller's preferred model first, then the free backups.
type OpenRouterProvider struct {
	apiKey  string
	baseURL string // e.g. "https://openrouter.ai/api/v1"
	referer string // optional HTTP-Referer for OpenRouter's app attribution
}

// NewOpenRouterProvider creates an OpenRouterProvider bound to one API key.
func NewOpenRouterProvider(apiKey, baseURL string) *OpenRouterProvider {
	return &OpenRouterProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// WithReferer sets the HTTP-Referer header OpenRouter uses to attribute
// traffic to an app.
func (o *OpenRouterProvider) WithReferer(referer string) *OpenRouterProvider {
	o.referer = referer
	return o
}

// Name returns the provider identifier.
func (o *OpenRouterProvider) Name() string {
	return "openrouter"
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse covers both the normal shape and the error envelope that
// OpenRouter sometimes returns with a 200 when the upstream model fails.
type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// NewRequest builds a POST to {baseURL}/chat/completions.
func (o *OpenRouterProvider) NewRequest(ctx context.Context, prompt, model string) (*http.Request, error) {
	if model == "" {
		return nil, errors.New("openrouter requires a model")
	}

	body, err := json.Marshal(&chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.referer != "" {
		httpReq.Header.Set("HTTP-Referer", o.referer)
	}
	return httpReq, nil
}

// ParseResponse returns choices[0].message.content.
func (o *OpenRouterProvider) ParseResponse(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding openrouter response: %w", err)
	}

	if resp.Error != nil {
		if resp.Error.Message == "" {
			return "", errors.New("openrouter reported an error")
		}
		return "", fmt.Errorf("openrouter reported an error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openrouter returned no choices")
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("openrouter returned empty content (finish reason %q)", resp.Choices[0].FinishReason)
	}
	return content, nil
}
