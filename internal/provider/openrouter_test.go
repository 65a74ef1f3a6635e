package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

func TestOpenRouter_NewRequest(t *testing.T) {
	o := NewOpenRouterProvider("or-key", openRouterBaseURL).WithReferer("https://example.com")

	req, err := o.NewRequest(context.Background(), "Hello", "meta-llama/llama-3.2-3b-instruct:free")
	require.NoError(t, err)

	assert.Equal(t, openRouterBaseURL+"/chat/completions", req.URL.String())
	assert.Equal(t, "Bearer or-key", req.Header.Get("Authorization"))
	assert.Equal(t, "https://example.com", req.Header.Get("HTTP-Referer"))

	var body chatRequest
	require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
	assert.Equal(t, "meta-llama/llama-3.2-3b-instruct:free", body.Model)
	assert.Equal(t, []chatMessage{{Role: "user", Content: "Hello"}}, body.Messages)
	assert.Equal(t, 0.7, body.Temperature)
	assert.Equal(t, 2000, body.MaxTokens)
}

func TestOpenRouter_AttemptReplaySuccess(t *testing.T) {
	client := replayClient(t, "openrouter_success")

	out := Attempt(context.Background(), client, NewOpenRouterProvider("or-key", openRouterBaseURL),
		"Hello", "meta-llama/llama-3.2-3b-instruct:free")

	require.True(t, out.OK(), "unexpected failure: %+v", out.Failure)
	assert.Equal(t, "Hi there", out.Text)
}

// OpenRouter relays upstream model errors as a 200 with an error object.
func TestOpenRouter_AttemptReplayInBandError(t *testing.T) {
	client := replayClient(t, "openrouter_upstream_error")

	out := Attempt(context.Background(), client, NewOpenRouterProvider("or-key", openRouterBaseURL),
		"Hello", "mistralai/mistral-7b-instruct:free")

	require.False(t, out.OK())
	assert.Equal(t, ReasonEmptyResult, out.Failure.Reason)
	assert.Contains(t, out.Failure.Error, "Provider returned error")
}
