// Package search forwards code-search queries to the GitHub search API with
// the server's token attached.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/howard-nolan/edgeproxy/internal/config"
	"github.com/howard-nolan/edgeproxy/internal/provider"
)

// Kinds are the search endpoints the proxy exposes.
var Kinds = []string{"code", "repositories", "issues", "commits", "users"}

// ErrNotConfigured means no search token is set.
var ErrNotConfigured = errors.New("search provider not configured")

// UpstreamError is a non-2xx answer from the search API. Status is passed
// back to the caller unchanged.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("search provider error (status %d): %s", e.Status, e.Message)
}

// Query is a validated search request. Zero values are left off the
// upstream URL.
type Query struct {
	Kind    string `validate:"required,oneof=code repositories issues commits users"`
	Q       string `validate:"required"`
	Sort    string
	Order   string `validate:"omitempty,oneof=asc desc"`
	PerPage int    `validate:"omitempty,min=1,max=100"`
	Page    int    `validate:"omitempty,min=1"`
}

// Values renders q as upstream query parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	v.Set("q", q.Q)
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	return v
}

// Client calls the search API.
type Client struct {
	token   string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// New creates a Client. A nil http client means http.DefaultClient.
func New(cfg config.SearchConfig, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		client:  client,
	}
}

// Configured reports whether a token is present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.token) != ""
}

// Search runs q and returns the raw upstream JSON body.
func (c *Client) Search(ctx context.Context, q Query) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := c.baseURL + "/search/" + url.PathEscape(q.Kind) + "?" + q.Values().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "edgeproxy")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to search provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := provider.ErrorMessage(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Message: msg}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("search provider returned invalid JSON")
	}
	return body, nil
}

// CodeItem is one reshaped code-search hit.
type CodeItem struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Repository string `json:"repository"`
	URL        string `json:"url"`
}

// CodeResults is the reshaped body for kind "code".
type CodeResults struct {
	Total      int        `json:"total"`
	Incomplete bool       `json:"incomplete"`
	Items      []CodeItem `json:"items"`
}

// ReshapeCode flattens a GitHub code-search response.
func ReshapeCode(body []byte) (*CodeResults, error) {
	var raw struct {
		TotalCount        int  `json:"total_count"`
		IncompleteResults bool `json:"incomplete_results"`
		Items             []struct {
			Name       string `json:"name"`
			Path       string `json:"path"`
			HTMLURL    string `json:"html_url"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding code search response: %w", err)
	}

	out := &CodeResults{
		Total:      raw.TotalCount,
		Incomplete: raw.IncompleteResults,
		Items:      make([]CodeItem, 0, len(raw.Items)),
	}
	for _, it := range raw.Items {
		out.Items = append(out.Items, CodeItem{
			Name:       it.Name,
			Path:       it.Path,
			Repository: it.Repository.FullName,
			URL:        it.HTMLURL,
		})
	}
	return out, nil
}
