package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/howard-nolan/edgeproxy/internal/config"
	"github.com/howard-nolan/edgeproxy/internal/metrics"
	"github.com/howard-nolan/edgeproxy/internal/provider"
)

// ---------------------------------------------------------------------------
// Fake providers
// ---------------------------------------------------------------------------

// callLog records "provider/model" for every request that reaches any fake
// upstream, in arrival order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// reply scripts one upstream response. hang makes the upstream block until
// the client gives up.
type reply struct {
	status int
	body   string
	hang   bool
}

func ok(text string) reply {
	b, _ := json.Marshal(map[string]string{"text": text})
	return reply{status: http.StatusOK, body: string(b)}
}

// fakeAdapter speaks a trivial JSON dialect to its own httptest server:
// request {"model":...,"prompt":...}, response {"text":...} or
// {"status":"fail","message":...}.
type fakeAdapter struct {
	name string
	url  string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) NewRequest(ctx context.Context, prompt, model string) (*http.Request, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt, "model": model})
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
}

func (f *fakeAdapter) ParseResponse(body []byte) (string, error) {
	var r struct {
		Text    string `json:"text"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return "", err
	}
	if r.Status == "fail" {
		return "", errors.New("status fail: " + r.Message)
	}
	return r.Text, nil
}

// newFake starts an upstream for name whose reply depends on the model.
// A model missing from replies gets a 500.
func newFake(t *testing.T, log *callLog, name string, replies map[string]reply) *fakeAdapter {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Model string `json:"model"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &in)
		log.add(name + "/" + in.Model)

		rep, found := replies[in.Model]
		if !found {
			rep = reply{status: http.StatusInternalServerError, body: `{"error":{"message":"no script"}}`}
		}
		if rep.hang {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		_, _ = io.WriteString(w, rep.body)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return &fakeAdapter{name: name, url: srv.URL}
}

// newDispatcher wires a Dispatcher with providerA → providerB → providerC,
// where providerC carries two backup models and receives the preferred
// model hint. Only the adapters passed in count as configured.
func newDispatcher(timeout time.Duration, adapters ...provider.Adapter) *Dispatcher {
	cfg := &config.Config{
		Dispatch: config.DispatchConfig{
			Timeout:        timeout,
			Order:          []string{"providerA", "providerB", "providerC"},
			PreferredGroup: "providerC",
		},
		Providers: map[string]config.ProviderConfig{
			"providerA": {Models: []string{"a-model"}},
			"providerB": {Models: []string{"b-model"}},
			"providerC": {Models: []string{"free-1", "free-2"}},
		},
	}
	reg := provider.Registry{}
	for _, a := range adapters {
		reg[a.Name()] = a
	}
	return New(cfg, reg, http.DefaultClient, zap.NewNop())
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestDispatch_OnlyProviderBConfigured(t *testing.T) {
	log := &callLog{}
	b := newFake(t, log, "providerB", map[string]reply{"b-model": ok("Hi there")})

	res, err := newDispatcher(time.Second, b).Dispatch(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)

	require.True(t, res.OK())
	assert.Equal(t, "Hi there", res.Success.Text)
	assert.Equal(t, "providerB", res.Success.Provider)
	assert.Equal(t, "b-model", res.Success.Model)
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{"providerB/b-model"}, log.get())
}

func TestDispatch_FallsThroughOnHTTPError(t *testing.T) {
	log := &callLog{}
	a := newFake(t, log, "providerA", map[string]reply{
		"a-model": {status: http.StatusInternalServerError, body: `{"error":{"message":"boom"}}`},
	})
	b := newFake(t, log, "providerB", map[string]reply{"b-model": ok("from B")})
	c := newFake(t, log, "providerC", map[string]reply{"free-1": ok("from C")})

	res, err := newDispatcher(time.Second, a, b, c).Dispatch(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)

	require.True(t, res.OK())
	assert.Equal(t, "providerB", res.Success.Provider)
	assert.Equal(t, "from B", res.Success.Text)
	// Stops at the first success: C is never contacted.
	assert.Equal(t, []string{"providerA/a-model", "providerB/b-model"}, log.get())
}

func TestDispatch_InBandFailureIsNotSuccess(t *testing.T) {
	log := &callLog{}
	a := newFake(t, log, "providerA", map[string]reply{
		"a-model": {status: http.StatusOK, body: `{"status":"fail","message":"out of credits"}`},
	})
	b := newFake(t, log, "providerB", map[string]reply{"b-model": ok("from B")})

	res, err := newDispatcher(time.Second, a, b).Dispatch(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)

	require.True(t, res.OK())
	assert.Equal(t, "providerB", res.Success.Provider)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, provider.ReasonEmptyResult, res.Failures[0].Reason)
	assert.Contains(t, res.Failures[0].Error, "out of credits")
}

func TestDispatch_AllFailInAttemptOrder(t *testing.T) {
	log := &callLog{}
	a := newFake(t, log, "providerA", map[string]reply{
		"a-model": {status: http.StatusUnauthorized, body: `{"error":{"message":"invalid api key"}}`},
	})
	b := newFake(t, log, "providerB", map[string]reply{"b-model": {hang: true}})
	c := newFake(t, log, "providerC", map[string]reply{
		"preferred": ok("   "),
		"free-1":    {status: http.StatusTooManyRequests, body: `{"error":"rate limited"}`},
		"free-2":    {status: http.StatusOK, body: `{"status":"fail","message":"model overloaded"}`},
	})

	res, err := newDispatcher(100*time.Millisecond, a, b, c).Dispatch(context.Background(),
		Request{Prompt: "Hello", Model: "preferred"})
	require.NoError(t, err)
	require.False(t, res.OK())

	require.Len(t, res.Failures, 5)
	got := make([]Candidate, len(res.Failures))
	for i, f := range res.Failures {
		got[i] = Candidate{Provider: f.Provider, Model: f.Model}
	}
	assert.Equal(t, []Candidate{
		{"providerA", "a-model"},
		{"providerB", "b-model"},
		{"providerC", "preferred"},
		{"providerC", "free-1"},
		{"providerC", "free-2"},
	}, got)

	// Each entry keeps enough detail to tell the failure modes apart.
	assert.Equal(t, provider.ReasonHTTPError, res.Failures[0].Reason)
	assert.Equal(t, http.StatusUnauthorized, res.Failures[0].Status)
	assert.Equal(t, "invalid api key", res.Failures[0].Error)

	assert.Equal(t, provider.ReasonTransportError, res.Failures[1].Reason)
	assert.Contains(t, res.Failures[1].Error, "timed out")

	assert.Equal(t, provider.ReasonEmptyResult, res.Failures[2].Reason)

	assert.Equal(t, provider.ReasonHTTPError, res.Failures[3].Reason)
	assert.Equal(t, "rate limited", res.Failures[3].Error)

	assert.Equal(t, provider.ReasonEmptyResult, res.Failures[4].Reason)
	assert.Contains(t, res.Failures[4].Error, "model overloaded")

	err = res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllProvidersFailed))
	var all *AllFailedError
	require.True(t, errors.As(err, &all))
	assert.Equal(t, res.Failures, all.Details)
}

func TestDispatch_ZeroProvidersConfigured(t *testing.T) {
	res, err := newDispatcher(time.Second).Dispatch(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)

	require.False(t, res.OK())
	assert.NotNil(t, res.Failures, "details must be an empty list, not null")
	assert.Empty(t, res.Failures)
	assert.True(t, errors.Is(res.Err(), ErrAllProvidersFailed))
}

func TestDispatch_EmptyPromptIsInputError(t *testing.T) {
	log := &callLog{}
	a := newFake(t, log, "providerA", map[string]reply{"a-model": ok("never")})

	for _, prompt := range []string{"", "   ", "\n\t"} {
		res, err := newDispatcher(time.Second, a).Dispatch(context.Background(), Request{Prompt: prompt})
		assert.ErrorIs(t, err, ErrEmptyPrompt)
		assert.Nil(t, res)
	}
	assert.Empty(t, log.get(), "no provider may be contacted for an input error")
}

func TestDispatch_AttemptBoundedByTimeout(t *testing.T) {
	log := &callLog{}
	a := newFake(t, log, "providerA", map[string]reply{"a-model": {hang: true}})

	timeout := 150 * time.Millisecond
	start := time.Now()
	res, err := newDispatcher(timeout, a).Dispatch(context.Background(), Request{Prompt: "Hello"})
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, provider.ReasonTransportError, res.Failures[0].Reason)
	assert.Less(t, elapsed, timeout+time.Second, "attempt overran its deadline")
}

func TestDispatch_HookSeesEveryAttempt(t *testing.T) {
	log := &callLog{}
	a := newFake(t, log, "providerA", map[string]reply{
		"a-model": {status: http.StatusBadGateway, body: `{}`},
	})
	b := newFake(t, log, "providerB", map[string]reply{"b-model": ok("done")})

	var events []Event
	res, err := newDispatcher(time.Second, a, b).DispatchWithHook(context.Background(), Request{Prompt: "Hello"},
		func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	require.True(t, res.OK())

	require.Len(t, events, 4)
	assert.Equal(t, []EventType{EventAttempt, EventFailure, EventAttempt, EventSuccess},
		[]EventType{events[0].Type, events[1].Type, events[2].Type, events[3].Type})
	for _, e := range events {
		assert.Equal(t, res.ID, e.DispatchID)
	}
	assert.Equal(t, Candidate{"providerB", "b-model"}, events[3].Candidate)
	require.NotNil(t, events[3].Outcome)
	assert.Equal(t, "done", events[3].Outcome.Text)
}

func TestDispatch_RecordsMetrics(t *testing.T) {
	log := &callLog{}
	a := newFake(t, log, "providerA", map[string]reply{
		"a-model": {status: http.StatusInternalServerError, body: `{}`},
	})

	failed := metrics.AttemptsTotal.WithLabelValues("providerA", "http_error")
	exhausted := metrics.DispatchesTotal.WithLabelValues("exhausted")
	beforeFailed := testutil.ToFloat64(failed)
	beforeExhausted := testutil.ToFloat64(exhausted)

	_, err := newDispatcher(time.Second, a).Dispatch(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)

	assert.Equal(t, beforeFailed+1, testutil.ToFloat64(failed))
	assert.Equal(t, beforeExhausted+1, testutil.ToFloat64(exhausted))
}

// ---------------------------------------------------------------------------
// Candidate order
// ---------------------------------------------------------------------------

func TestCandidates(t *testing.T) {
	a := &fakeAdapter{name: "providerA"}
	b := &fakeAdapter{name: "providerB"}
	c := &fakeAdapter{name: "providerC"}

	tests := []struct {
		name      string
		adapters  []provider.Adapter
		preferred string
		want      []Candidate
	}{
		{
			name:     "all configured, no hint",
			adapters: []provider.Adapter{a, b, c},
			want: []Candidate{
				{"providerA", "a-model"}, {"providerB", "b-model"},
				{"providerC", "free-1"}, {"providerC", "free-2"},
			},
		},
		{
			name:      "hint goes first in the last group",
			adapters:  []provider.Adapter{a, b, c},
			preferred: "gpt-4o",
			want: []Candidate{
				{"providerA", "a-model"}, {"providerB", "b-model"},
				{"providerC", "gpt-4o"}, {"providerC", "free-1"}, {"providerC", "free-2"},
			},
		},
		{
			name:      "hint equal to a backup is not tried twice",
			adapters:  []provider.Adapter{c},
			preferred: "free-2",
			want:      []Candidate{{"providerC", "free-2"}, {"providerC", "free-1"}},
		},
		{
			name:      "unconfigured groups are skipped",
			adapters:  []provider.Adapter{a, c},
			preferred: " ",
			want: []Candidate{
				{"providerA", "a-model"}, {"providerC", "free-1"}, {"providerC", "free-2"},
			},
		},
		{
			name:      "hint ignored when its group is unconfigured",
			adapters:  []provider.Adapter{b},
			preferred: "gpt-4o",
			want:      []Candidate{{"providerB", "b-model"}},
		},
		{
			name: "nothing configured",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(time.Second, tt.adapters...)
			first := d.Candidates(tt.preferred)
			assert.Equal(t, tt.want, first)
			assert.Equal(t, first, d.Candidates(tt.preferred), "order must be reproducible")
		})
	}
}

func TestCandidatesGroupWithoutModels(t *testing.T) {
	cfg := &config.Config{
		Dispatch: config.DispatchConfig{Order: []string{"edenai"}},
		Providers: map[string]config.ProviderConfig{
			"edenai": {},
		},
	}
	d := New(cfg, provider.Registry{"edenai": &fakeAdapter{name: "edenai"}}, nil, nil)

	assert.Equal(t, []Candidate{{Provider: "edenai"}}, d.Candidates(""))
}

// defaultingAdapter is a fakeAdapter that names its own model when the
// group has none.
type defaultingAdapter struct {
	*fakeAdapter
	model string
}

func (d *defaultingAdapter) DefaultModel() string { return d.model }

func TestCandidatesGroupWithoutModelsUsesAdapterDefault(t *testing.T) {
	cfg := &config.Config{
		Dispatch: config.DispatchConfig{Order: []string{"edenai"}},
		Providers: map[string]config.ProviderConfig{
			"edenai": {},
		},
	}
	a := &defaultingAdapter{fakeAdapter: &fakeAdapter{name: "edenai"}, model: "openai"}
	d := New(cfg, provider.Registry{"edenai": a}, nil, nil)

	assert.Equal(t, []Candidate{{Provider: "edenai", Model: "openai"}}, d.Candidates(""))
}

func TestDispatch_FailureNamesDefaultModel(t *testing.T) {
	log := &callLog{}
	a := &defaultingAdapter{fakeAdapter: newFake(t, log, "edenai", nil), model: "openai"}
	cfg := &config.Config{
		Dispatch: config.DispatchConfig{Timeout: time.Second, Order: []string{"edenai"}},
		Providers: map[string]config.ProviderConfig{
			"edenai": {},
		},
	}

	res, err := New(cfg, provider.Registry{"edenai": a}, nil, nil).
		Dispatch(context.Background(), Request{Prompt: "Hello"})
	require.NoError(t, err)

	require.False(t, res.OK())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "openai", res.Failures[0].Model)
	assert.Equal(t, provider.ReasonHTTPError, res.Failures[0].Reason)
	assert.Equal(t, []string{"edenai/openai"}, log.get())
}
