// Package linkedin is a client for the LinkedIn automation gateway that sends
// connection requests and direct messages on behalf of a seat.
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/resilience"
)

const defaultBaseURL = "https://api.linkedin-gateway.io"

// Client sends LinkedIn actions.
type Client interface {
	SendConnection(ctx context.Context, req ConnectionRequest) (*ActionResponse, error)
	SendMessage(ctx context.Context, req MessageRequest) (*ActionResponse, error)
}

// ConnectionRequest is the body for POST /v1/connections. LinkedIn caps the
// note at 300 characters.
type ConnectionRequest struct {
	AccountID  string `json:"account_id"`
	ProfileURL string `json:"profile_url"`
	Note       string `json:"note,omitempty"`
}

// MessageRequest is the body for POST /v1/messages.
type MessageRequest struct {
	AccountID  string `json:"account_id"`
	ProfileURL string `json:"profile_url"`
	Body       string `json:"body"`
}

// ActionResponse is returned for an accepted action.
type ActionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// MaxNoteLength is the longest connection note LinkedIn accepts.
const MaxNoteLength = 300

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default gateway URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a gateway client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SendConnection(ctx context.Context, req ConnectionRequest) (*ActionResponse, error) {
	if len([]rune(req.Note)) > MaxNoteLength {
		return nil, eris.Errorf("linkedin: connection note is %d characters, limit %d", len([]rune(req.Note)), MaxNoteLength)
	}
	return c.post(ctx, "/v1/connections", req)
}

func (c *httpClient) SendMessage(ctx context.Context, req MessageRequest) (*ActionResponse, error) {
	return c.post(ctx, "/v1/messages", req)
}

func (c *httpClient) post(ctx context.Context, path string, payload any) (*ActionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "linkedin: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "linkedin: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "linkedin: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "linkedin: read response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		err := eris.Errorf("linkedin: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var out ActionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "linkedin: unmarshal response")
	}
	if out.ID == "" {
		return nil, eris.New("linkedin: response missing action id")
	}
	return &out, nil
}
