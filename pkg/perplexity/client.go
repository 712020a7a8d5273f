// Package perplexity runs web-grounded searches through the Perplexity
// chat completions API.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client searches the web. Retries are left to the caller.
type Client interface {
	Search(ctx context.Context, q Query) (*Answer, error)
}

// Query is one search prompt.
type Query struct {
	Prompt string
	// Model overrides the client's model.
	Model string
	// Recency limits results to hour, day, week or month.
	Recency     string
	Temperature *float64
	MaxTokens   int
}

// Answer is the model's findings with the sources it cited.
type Answer struct {
	ID        string
	Text      string
	Citations []string
	Usage     Usage
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// WithSources returns the answer text followed by its citation list.
func (a *Answer) WithSources() string {
	if len(a.Citations) == 0 {
		return a.Text
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(a.Text, "\n"))
	b.WriteString("\n\nSources:")
	for i, c := range a.Citations {
		fmt.Fprintf(&b, "\n[%d] %s", i+1, c)
	}
	return b.String()
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model               string    `json:"model"`
	Messages            []message `json:"messages"`
	Temperature         *float64  `json:"temperature,omitempty"`
	MaxTokens           int       `json:"max_tokens,omitempty"`
	SearchRecencyFilter string    `json:"search_recency_filter,omitempty"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     Usage    `json:"usage"`
}

// APIError is a non-200 response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("perplexity: status %d: %s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the default search model.
func WithModel(model string) Option {
	return func(c *httpClient) { c.model = model }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.perplexity.ai",
		model:   "sonar-pro",
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, q Query) (*Answer, error) {
	if strings.TrimSpace(q.Prompt) == "" {
		return nil, eris.New("perplexity: empty prompt")
	}
	req := completionRequest{
		Model:               q.Model,
		Messages:            []message{{Role: "user", Content: q.Prompt}},
		Temperature:         q.Temperature,
		MaxTokens:           q.MaxTokens,
		SearchRecencyFilter: q.Recency,
	}
	if req.Model == "" {
		req.Model = c.model
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: search")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&APIError{StatusCode: resp.StatusCode, Body: string(body)}, "perplexity: search")
	}

	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, eris.Wrap(err, "perplexity: decode response")
	}
	a := &Answer{ID: cr.ID, Citations: cr.Citations, Usage: cr.Usage}
	if len(cr.Choices) > 0 {
		a.Text = cr.Choices[0].Message.Content
	}
	return a, nil
}
