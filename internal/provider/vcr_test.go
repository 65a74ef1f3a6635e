package provider

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// replayClient returns an HTTP client that serves responses from the named
// cassette under testdata/cassettes. It never touches the network: a request
// with no matching interaction fails the call.
//
// Matching is on method + URL only. Request bodies are asserted separately
// in the NewRequest tests, which keeps the cassettes readable.
func replayClient(t *testing.T, name string) *http.Client {
	t.Helper()

	r, err := recorder.New(filepath.Join("testdata", "cassettes", name),
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithSkipRequestLatency(true),
		recorder.WithMatcher(func(r *http.Request, i cassette.Request) bool {
			return r.Method == i.Method && r.URL.String() == i.URL
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, r.Stop())
	})

	return r.GetDefaultClient()
}
