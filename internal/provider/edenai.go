package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

// EdenAIProvider implements Adapter for Eden AI's text generation endpoint.
// Eden AI is itself a broker: the "model" here is the downstream engine
// name ("openai", "cohere", ...) sent in the providers array, and the
// response is keyed by that same name.
type EdenAIProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.edenai.run/v2"
}

// NewEdenAIProvider creates an EdenAIProvider bound to one API key.
func NewEdenAIProvider(apiKey, baseURL string) *EdenAIProvider {
	return &EdenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Name returns the provider identifier.
func (e *EdenAIProvider) Name() string {
	return "edenai"
}

// edenRequest is the flat body for /text/generation.
type edenRequest struct {
	Providers   []string `json:"providers"`
	Text        string   `json:"text"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

// edenResult is one engine's entry in the response map:
//
//	{"openai": {"status": "success", "generated_text": "..."}}
//	{"openai": {"status": "fail", "error": {"message": "..."}}}
//
// The second form comes back with HTTP 200.
type edenResult struct {
	Status        string          `json:"status"`
	GeneratedText string          `json:"generated_text"`
	Error         json.RawMessage `json:"error"`
}

// defaultEdenEngine is used when the group is configured without models.
const defaultEdenEngine = "openai"

// DefaultModel returns the engine used for an empty model.
func (e *EdenAIProvider) DefaultModel() string {
	return defaultEdenEngine
}

// NewRequest builds a POST to {baseURL}/text/generation with a bearer token.
func (e *EdenAIProvider) NewRequest(ctx context.Context, prompt, model string) (*http.Request, error) {
	if model == "" {
		model = defaultEdenEngine
	}

	body, err := json.Marshal(&edenRequest{
		Providers:   []string{model},
		Text:        prompt,
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/text/generation", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	return httpReq, nil
}

// ParseResponse reads the first engine entry that succeeded. An entry whose
// status is "fail" is an in-band failure even though the transport said 200.
func (e *EdenAIProvider) ParseResponse(body []byte) (string, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding edenai response: %w", err)
	}
	if len(resp) == 0 {
		return "", errors.New("edenai returned no engine results")
	}

	var failures []string
	for _, engine := range slices.Sorted(maps.Keys(resp)) {
		var result edenResult
		if err := json.Unmarshal(resp[engine], &result); err != nil {
			// Non-object top-level fields aren't engine results.
			continue
		}
		if strings.EqualFold(result.Status, "fail") {
			msg := ErrorMessage([]byte(`{"error":` + string(orNull(result.Error)) + `}`))
			if msg == "" {
				msg = "status fail"
			}
			failures = append(failures, engine+": "+msg)
			continue
		}
		if strings.TrimSpace(result.GeneratedText) != "" {
			return result.GeneratedText, nil
		}
	}

	if len(failures) > 0 {
		return "", fmt.Errorf("edenai reported failure: %s", strings.Join(failures, "; "))
	}
	return "", errors.New("edenai returned no generated_text")
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
