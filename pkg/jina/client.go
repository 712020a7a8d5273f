// Package jina provides a client for the Jina AI reader, which renders a web
// page as markdown.
package jina

import (
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

// Client reads web pages.
type Client interface {
	// Read fetches targetURL through the reader and returns its markdown.
	Read(ctx context.Context, targetURL string) (*Page, error)
}

// Page is a rendered web page.
type Page struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
	Tokens  int    `json:"-"`
}

type readResponse struct {
	Code int `json:"code"`
	Data struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Usage   struct {
			Tokens int `json:"tokens"`
		} `json:"usage"`
	} `json:"data"`
}

// APIError is a non-200 reader response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jina: unexpected status %d: %s", e.StatusCode, e.Body)
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

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a reader client. Retries are left to the caller.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://r.jina.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*Page, error) {
	if !strings.HasPrefix(targetURL, "http://") && !strings.HasPrefix(targetURL, "https://") {
		targetURL = "https://" + targetURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", "markdown")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "jina: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var rr readResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}
	return &Page{
		Title:   rr.Data.Title,
		URL:     rr.Data.URL,
		Content: rr.Data.Content,
		Tokens:  rr.Data.Usage.Tokens,
	}, nil
}
