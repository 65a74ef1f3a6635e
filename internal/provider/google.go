package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Adapter for Google's Gemini generateContent API.
type GoogleProvider struct {
	apiKey  string // Gemini API key (sent as a query parameter, not a header)
	baseURL string // e.g. "https://generativelanguage.googleapis.com/v1beta"
}

// NewGoogleProvider creates a GoogleProvider bound to one API key.
func NewGoogleProvider(apiKey, baseURL string) *GoogleProvider {
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported, only this file uses them)
// ---------------------------------------------------------------------------

// --- Request types ---

// geminiRequest is the top-level request body for generateContent.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent represents one message in the conversation.
// Gemini uses "parts" (an array) because it supports multimodal input.
// We always send a single text part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is one piece of content within a message: {"text": "..."}.
type geminiPart struct {
	Text string `json:"text"`
}

// geminiGenerationConfig holds generation parameters.
type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// --- Response types ---

// geminiResponse is the top-level response from generateContent.
type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

// geminiCandidate is one generated response. We only use the first one.
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// geminiPromptFeedback is set when Gemini refuses the prompt outright. The
// response is still a 200, but candidates is empty.
type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

// NewRequest builds a POST to {baseURL}/models/{model}:generateContent.
// The API key goes as a query parameter (?key=...), which is unusual:
// most APIs put it in an Authorization header.
func (g *GoogleProvider) NewRequest(ctx context.Context, prompt, model string) (*http.Request, error) {
	if model == "" {
		return nil, errors.New("gemini requires a model")
	}

	body, err := json.Marshal(&geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}},
		}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     Temperature,
			MaxOutputTokens: MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		g.baseURL, url.PathEscape(model), url.QueryEscape(g.apiKey),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		// The error string embeds the URL, and with it the key.
		return nil, errors.New("creating gemini request: invalid endpoint")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// ---------------------------------------------------------------------------
// Response extraction
// ---------------------------------------------------------------------------

// ParseResponse joins the text parts of candidates[0].
func (g *GoogleProvider) ParseResponse(body []byte) (string, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding gemini response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReason)
		}
		return "", errors.New("gemini returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", fmt.Errorf("gemini returned empty text (finish reason %q)", resp.Candidates[0].FinishReason)
	}
	return text.String(), nil
}
