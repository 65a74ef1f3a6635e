// Package dispatch runs the sequential fallback chain.
//
// A dispatch walks an ordered list of (provider, model) candidates, one at a
// time, and stops at the first one that produces text. Every failure is
// recorded and the walk continues; only an exhausted chain is reported to
// the caller as an error. Attempts never overlap, so the worst case is the
// sum of the per-attempt timeouts and at most one provider is billed per
// successful request in the common case.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/howard-nolan/edgeproxy/internal/config"
	"github.com/howard-nolan/edgeproxy/internal/metrics"
	"github.com/howard-nolan/edgeproxy/internal/provider"
)

// ErrEmptyPrompt is the input error for a missing or blank prompt. It is
// returned before any provider is contacted.
var ErrEmptyPrompt = errors.New("prompt is required")

// Candidate is one (provider, model) pair in the fallback chain. Model is
// empty only when the group lists no models and the adapter has no
// DefaultModel.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// Request is a validated dispatch input.
type Request struct {
	Prompt string
	// Model is an optional preferred-model hint for the preferred group.
	Model string
}

// Validate reports ErrEmptyPrompt for a blank prompt.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// Result is the outcome of one dispatch. Exactly one of Success and a
// non-empty Failures is meaningful: Success is set on the first candidate
// that produced text; otherwise Failures holds one entry per attempt.
type Result struct {
	ID       string
	Success  *provider.Outcome
	Failures []provider.Failure
}

// OK reports whether some candidate succeeded.
func (r *Result) OK() bool {
	return r.Success != nil
}

// Err returns nil on success and the combined failure otherwise.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	return Combine(r.Failures)
}

// Group is one provider's slot in the priority order, with the models to
// try within it.
type Group struct {
	Provider string
	Models   []string
}

// Dispatcher holds the static chain configuration. It has no mutable state,
// so one Dispatcher serves any number of concurrent requests.
type Dispatcher struct {
	groups         []Group
	preferredGroup string
	adapters       provider.Registry
	guard          Guard
	client         *http.Client
	logger         *zap.Logger
}

// New builds a Dispatcher from configuration and the adapter lookup table.
// Groups whose provider has no adapter (no credential) stay in the order but
// are skipped when candidates are built.
func New(cfg *config.Config, adapters provider.Registry, client *http.Client, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	groups := make([]Group, 0, len(cfg.Dispatch.Order))
	for _, name := range cfg.Dispatch.Order {
		groups = append(groups, Group{
			Provider: name,
			Models:   slices.Clone(cfg.Providers[name].Models),
		})
	}

	return &Dispatcher{
		groups:         groups,
		preferredGroup: cfg.Dispatch.PreferredGroup,
		adapters:       adapters,
		guard:          Guard{Timeout: cfg.Dispatch.Timeout},
		client:         client,
		logger:         logger,
	}
}

// Candidates returns the chain for a given preferred-model hint. The result
// depends only on configuration and the hint, so two calls with the same
// hint produce the same order.
func (d *Dispatcher) Candidates(preferred string) []Candidate {
	preferred = strings.TrimSpace(preferred)

	var out []Candidate
	for _, g := range d.groups {
		adapter, ok := d.adapters[g.Provider]
		if !ok {
			continue
		}

		models := g.Models
		if g.Provider == d.preferredGroup && preferred != "" {
			models = append([]string{preferred}, slices.DeleteFunc(slices.Clone(g.Models), func(m string) bool {
				return m == preferred
			})...)
		}

		if len(models) == 0 {
			c := Candidate{Provider: g.Provider}
			if dm, ok := adapter.(provider.DefaultModeler); ok {
				c.Model = dm.DefaultModel()
			}
			out = append(out, c)
			continue
		}
		for _, m := range models {
			out = append(out, Candidate{Provider: g.Provider, Model: m})
		}
	}
	return out
}

// Dispatch runs the chain for req. The returned error is only ever an input
// error; provider failures are folded into the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	return d.DispatchWithHook(ctx, req, nil)
}

// DispatchWithHook is Dispatch with a progress callback. hook runs on the
// dispatching goroutine, before and after every attempt; it may be nil.
func (d *Dispatcher) DispatchWithHook(ctx context.Context, req Request, hook Hook) (*Result, error) {
	// --- Step 1: reject bad input before any provider is contacted ---
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if hook == nil {
		hook = func(Event) {}
	}

	// Failures starts as an empty slice, not nil, so an exhausted chain with
	// zero candidates still serializes as "details": [].
	res := &Result{
		ID:       uuid.NewString(),
		Failures: []provider.Failure{},
	}

	// --- Step 2: walk the chain, one candidate at a time ---
	//
	// Candidates is computed once per dispatch. Each attempt runs under the
	// guard, which hands the call its own deadline and returns a timeout
	// Failure even if the call never notices its context expiring. The
	// loop never starts attempt N+1 until attempt N has an outcome.
	for _, c := range d.Candidates(req.Model) {
		hook(Event{DispatchID: res.ID, Type: EventAttempt, Candidate: c})

		adapter := d.adapters[c.Provider]
		start := time.Now()
		out := d.guard.Run(ctx, c, func(ctx context.Context) provider.Outcome {
			return provider.Attempt(ctx, d.client, adapter, req.Prompt, c.Model)
		})
		elapsed := time.Since(start)

		d.observe(res.ID, c, out, elapsed)

		// --- Step 3: first success ends the walk ---
		if out.OK() {
			res.Success = &out
			hook(Event{DispatchID: res.ID, Type: EventSuccess, Candidate: c, Outcome: &out, Elapsed: elapsed})
			metrics.DispatchesTotal.WithLabelValues("success").Inc()
			return res, nil
		}

		// Otherwise record the failure in attempt order and move on.
		res.Failures = append(res.Failures, *out.Failure)
		hook(Event{DispatchID: res.ID, Type: EventFailure, Candidate: c, Outcome: &out, Elapsed: elapsed})
	}

	// --- Step 4: chain exhausted ---
	//
	// This is still a nil error: "every provider failed" is a result the
	// caller reports, not a failure of Dispatch itself.
	metrics.DispatchesTotal.WithLabelValues("exhausted").Inc()
	d.logger.Warn("all providers failed",
		zap.String("dispatch_id", res.ID),
		zap.Int("attempts", len(res.Failures)),
	)
	return res, nil
}

// observe records metrics and a log line for one attempt. The prompt and
// credentials never reach the log.
func (d *Dispatcher) observe(id string, c Candidate, out provider.Outcome, elapsed time.Duration) {
	outcome := "success"
	if !out.OK() {
		outcome = string(out.Failure.Reason)
	}
	metrics.AttemptsTotal.WithLabelValues(c.Provider, outcome).Inc()
	metrics.AttemptDuration.WithLabelValues(c.Provider).Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("dispatch_id", id),
		zap.String("provider", c.Provider),
		zap.String("model", c.Model),
		zap.Duration("elapsed", elapsed),
	}
	if out.OK() {
		d.logger.Info("attempt succeeded", fields...)
		return
	}
	d.logger.Info("attempt failed", append(fields,
		zap.String("reason", string(out.Failure.Reason)),
		zap.Int("status", out.Failure.Status),
		zap.String("error", out.Failure.Error),
	)...)
}
