// Package provider defines the Adapter interface and the text-generation
// provider adapters.
//
// Every upstream (Eden AI, Gemini, OpenRouter, Anthropic) implements Adapter.
// An adapter only knows two things: how to build the outbound request for a
// prompt and model, and how to pull generated text out of a 2xx body. The
// shared Attempt function does the transport work and classifies every
// outcome, so no adapter needs its own error taxonomy.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Generation parameters shared by every adapter.
const (
	Temperature = 0.7
	MaxTokens   = 2000
)

// maxBodyBytes caps how much of an upstream body we read.
const maxBodyBytes = 4 << 20

// Adapter is the provider-specific half of an attempt.
type Adapter interface {
	// Name returns the provider identifier, e.g. "google" or "openrouter".
	// It keys the adapter lookup table and appears in results and metrics.
	Name() string

	// NewRequest builds the outbound HTTP request for one prompt. The
	// adapter's credential is attached here and nowhere else.
	NewRequest(ctx context.Context, prompt, model string) (*http.Request, error)

	// ParseResponse extracts generated text from a 2xx body. A returned
	// error means the body carried no usable text, either because the
	// field is missing or because the provider flagged the call as failed
	// in-band.
	ParseResponse(body []byte) (string, error)
}

// DefaultModeler is implemented by adapters that pick their own model when
// a group is configured without one. The dispatcher puts that model in the
// candidate so results name what was actually called.
type DefaultModeler interface {
	DefaultModel() string
}

// Reason classifies why an attempt failed.
type Reason string

const (
	// ReasonHTTPError is a non-2xx response from the provider.
	ReasonHTTPError Reason = "http_error"

	// ReasonEmptyResult is a 2xx response with no usable text, including
	// an explicit in-band failure status.
	ReasonEmptyResult Reason = "empty_result"

	// ReasonTransportError covers connection failures, cancellation and
	// timeouts.
	ReasonTransportError Reason = "transport_error"
)

// Failure describes one failed attempt. Its JSON form is one entry of the
// "details" list returned to callers when every provider fails.
type Failure struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Reason   Reason `json:"reason"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (f *Failure) String() string {
	id := f.Provider
	if f.Model != "" {
		id += "/" + f.Model
	}
	if f.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", id, f.Reason, f.Status, f.Error)
	}
	return fmt.Sprintf("%s: %s: %s", id, f.Reason, f.Error)
}

// Outcome is the result of exactly one attempt. Failure is nil on success,
// in which case Text holds the generated output.
type Outcome struct {
	Provider string
	Model    string
	Text     string
	Failure  *Failure
}

// OK reports whether the attempt produced usable text.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Fail builds a failed Outcome.
func Fail(providerName, model string, reason Reason, status int, detail string) Outcome {
	return Outcome{
		Provider: providerName,
		Model:    model,
		Failure: &Failure{
			Provider: providerName,
			Model:    model,
			Reason:   reason,
			Status:   status,
			Error:    detail,
		},
	}
}

// Attempt runs one adapter call and classifies the result. It never returns
// an error: every failure mode becomes a Failure so the caller's fallback
// loop can continue.
func Attempt(ctx context.Context, client *http.Client, a Adapter, prompt, model string) Outcome {
	name := a.Name()

	req, err := a.NewRequest(ctx, prompt, model)
	if err != nil {
		return Fail(name, model, ReasonTransportError, 0, fmt.Sprintf("building request: %v", err))
	}

	resp, err := client.Do(req)
	if err != nil {
		return Fail(name, model, ReasonTransportError, 0, transportMessage(ctx, req, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Fail(name, model, ReasonTransportError, resp.StatusCode, transportMessage(ctx, req, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := ErrorMessage(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Fail(name, model, ReasonHTTPError, resp.StatusCode, msg)
	}

	text, err := a.ParseResponse(body)
	if err != nil {
		return Fail(name, model, ReasonEmptyResult, 0, err.Error())
	}
	if strings.TrimSpace(text) == "" {
		return Fail(name, model, ReasonEmptyResult, 0, "provider returned no text")
	}

	return Outcome{Provider: name, Model: model, Text: text}
}

// transportMessage describes a client.Do failure without leaking the
// request URL. Gemini carries its key in the query string, and *url.Error
// prints the full URL.
func transportMessage(ctx context.Context, req *http.Request, err error) string {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "request timed out"
		}
		return "request canceled"
	}
	return RedactURL(err.Error(), req)
}

// RedactURL removes the request's query string from msg.
func RedactURL(msg string, req *http.Request) string {
	if req == nil || req.URL.RawQuery == "" {
		return msg
	}
	return strings.ReplaceAll(msg, "?"+req.URL.RawQuery, "")
}

// ErrorMessage digs a human-readable message out of an error body. The
// providers disagree on shape:
//
//	{"error": {"message": "..."}}   Gemini, OpenRouter, Anthropic
//	{"error": "..."}                Eden AI (some routes)
//	{"message": "..."}
//	{"detail": "..."}               Eden AI validation errors
//
// It returns "" when nothing matches or the body isn't JSON.
func ErrorMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}

	if len(envelope.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(envelope.Error, &flat); err == nil && flat != "" {
			return flat
		}
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	if len(envelope.Detail) > 0 {
		var flat string
		if err := json.Unmarshal(envelope.Detail, &flat); err == nil {
			return flat
		}
		return string(envelope.Detail)
	}
	return ""
}
