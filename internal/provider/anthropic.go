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

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements Adapter for Anthropic's Messages API. It is
// an optional group: it only joins the fallback chain when listed in
// dispatch.order and a key is configured.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
}

// NewAnthropicProvider creates an AnthropicProvider bound to one API key.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the request body for /v1/messages.
//
// Key differences from Gemini:
//   - "max_tokens" is REQUIRED (Anthropic rejects requests without it)
//   - "model" is in the request body (Gemini puts it in the URL path)
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

// anthropicMessage is a flat role + content pair, same as OpenAI's format.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the response from /v1/messages. "content" is an
// array of blocks because responses can mix text and tool_use; we only
// keep type == "text".
type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic requires
// this header on every request.
const anthropicAPIVersion = "2023-06-01"

// NewRequest builds a POST to {baseURL}/messages. Auth is the x-api-key
// header rather than a bearer token.
func (a *AnthropicProvider) NewRequest(ctx context.Context, prompt, model string) (*http.Request, error) {
	if model == "" {
		return nil, errors.New("anthropic requires a model")
	}

	body, err := json.Marshal(&anthropicRequest{
		Model:       model,
		MaxTokens:   MaxTokens,
		Temperature: Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

// ParseResponse concatenates the text blocks.
func (a *AnthropicProvider) ParseResponse(body []byte) (string, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", fmt.Errorf("anthropic returned no text blocks (stop reason %q)", resp.StopReason)
	}
	return text.String(), nil
}
