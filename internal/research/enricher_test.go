package research

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/cost"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/pkg/anthropic"
	"github.com/sells-group/outreach-engine/pkg/jina"
	"github.com/sells-group/outreach-engine/pkg/perplexity"
)

const synthesisJSON = "```json\n" + `{
  "profile": "Dana runs a 40-person logistics brokerage in Ohio.",
  "pain_gain_analysis": "Manual quoting eats two hours a day.",
  "dm_sequence": ["Saw your SaaStr talk on quoting", "Quick follow-up", "Last note"]
}` + "\n```"

type fakeSearch struct {
	errs  []error
	calls int
	q     perplexity.Query
}

func (f *fakeSearch) Search(_ context.Context, q perplexity.Query) (*perplexity.Answer, error) {
	f.calls++
	f.q = q
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &perplexity.Answer{
		Text:      "Spoke at SaaStr about freight quoting.",
		Citations: []string{"https://saastr.com/2025/agenda"},
		Usage:     perplexity.Usage{PromptTokens: 1000, CompletionTokens: 500},
	}, nil
}

// claudeServer answers with the given statuses in order, then with text.
type claudeServer struct {
	statuses []int
	text     string
	calls    atomic.Int32

	mu       sync.Mutex
	lastUser string
}

func (c *claudeServer) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUser
}

func (c *claudeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(c.calls.Add(1))
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.Unmarshal(body, &req))
		if len(req.Messages) > 0 && len(req.Messages[0].Content) > 0 {
			c.mu.Lock()
			c.lastUser = req.Messages[0].Content[0].Text
			c.mu.Unlock()
		}

		w.Header().Set("Content-Type", "application/json")
		if n <= len(c.statuses) {
			w.WriteHeader(c.statuses[n-1])
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": "upstream failure"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_research_1",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": c.text}},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                2000,
				"output_tokens":               400,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     0,
			},
		})
	}
}

func newEnricher(t *testing.T, cs *claudeServer, search perplexity.Client) *LLMEnricher {
	t.Helper()
	ts := httptest.NewServer(cs.handler(t))
	t.Cleanup(ts.Close)
	return NewLLMEnricher(anthropic.NewClient("test-key", anthropic.WithBaseURL(ts.URL)), search, nil, EnricherConfig{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
}

var dana = model.Lead{
	ID: 42, FirstName: "Dana", LastName: "Reyes", Title: "COO", Company: "Reyes Freight",
	Industry: "logistics", FirmSize: "11-50",
}

func TestResearch_Success(t *testing.T) {
	cs := &claudeServer{text: synthesisJSON}
	search := &fakeSearch{}
	e := newEnricher(t, cs, search)

	res, err := e.Research(context.Background(), dana)
	require.NoError(t, err)

	assert.Equal(t, "Dana runs a 40-person logistics brokerage in Ohio.", res.Research.Profile)
	assert.Equal(t, "Manual quoting eats two hours a day.", res.Research.PainGainAnalysis)
	assert.Len(t, res.Research.DMSequence, 3)
	assert.False(t, res.Research.ResearchedAt.IsZero())

	calc := cost.NewCalculator(cost.DefaultRates())
	assert.InDelta(t, calc.Perplexity(1000, 500), res.Cost.Search, 1e-9)
	assert.InDelta(t, calc.Claude("claude-sonnet-4-5-20250929", cost.Tokens{Input: 2000, Output: 400}), res.Cost.Synthesis, 1e-9)
	assert.InDelta(t, res.Cost.Total(), res.Research.CostUSD, 1e-9)
	assert.Greater(t, res.Cost.Synthesis, 0.0)

	assert.Equal(t, "month", search.q.Recency)
	assert.Contains(t, search.q.Prompt, "Dana Reyes")
	assert.Contains(t, search.q.Prompt, "unknown")
	assert.Contains(t, cs.user(), "Spoke at SaaStr about freight quoting.")
	assert.Contains(t, cs.user(), "[1] https://saastr.com/2025/agenda")
	assert.Contains(t, cs.user(), "Write exactly 3 messages")
}

func TestResearch_NoSearchClient(t *testing.T) {
	cs := &claudeServer{text: synthesisJSON}
	e := newEnricher(t, cs, nil)

	res, err := e.Research(context.Background(), dana)
	require.NoError(t, err)
	assert.Zero(t, res.Cost.Search)
	assert.Contains(t, cs.user(), "(no web findings)")
}

func TestResearch_RetriesTransientSynthesis(t *testing.T) {
	cs := &claudeServer{statuses: []int{http.StatusServiceUnavailable}, text: synthesisJSON}
	e := newEnricher(t, cs, &fakeSearch{})

	res, err := e.Research(context.Background(), dana)
	require.NoError(t, err)
	assert.Equal(t, int32(2), cs.calls.Load())
	assert.NotEmpty(t, res.Research.Profile)
}

func TestResearch_PermanentSynthesisErrorKeepsSearchCost(t *testing.T) {
	cs := &claudeServer{statuses: []int{http.StatusBadRequest}, text: synthesisJSON}
	e := newEnricher(t, cs, &fakeSearch{})

	res, err := e.Research(context.Background(), dana)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "research: synthesis")
	assert.Equal(t, int32(1), cs.calls.Load())
	require.NotNil(t, res)
	assert.Greater(t, res.Cost.Search, 0.0)
	assert.Zero(t, res.Cost.Synthesis)
}

func TestResearch_RetriesTransientSearch(t *testing.T) {
	search := &fakeSearch{errs: []error{&perplexity.APIError{StatusCode: http.StatusTooManyRequests, Body: "slow down"}}}
	e := newEnricher(t, &claudeServer{text: synthesisJSON}, search)

	_, err := e.Research(context.Background(), dana)
	require.NoError(t, err)
	assert.Equal(t, 2, search.calls)
}

func TestResearch_SearchFailureStopsBeforeSynthesis(t *testing.T) {
	search := &fakeSearch{errs: []error{&perplexity.APIError{StatusCode: http.StatusUnauthorized, Body: "bad key"}}}
	cs := &claudeServer{text: synthesisJSON}
	e := newEnricher(t, cs, search)

	_, err := e.Research(context.Background(), dana)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "research: web search")
	assert.Equal(t, 1, search.calls)
	assert.Zero(t, cs.calls.Load())
}

func TestResearch_UnusableSynthesis(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"not json", "I could not find anything about this person.", "parse synthesis"},
		{"empty profile", `{"profile": "", "dm_sequence": ["hi"]}`, "missing profile"},
		{"no messages", `{"profile": "Runs a brokerage", "dm_sequence": []}`, "missing profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnricher(t, &claudeServer{text: tt.text}, &fakeSearch{})
			res, err := e.Research(context.Background(), dana)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Greater(t, res.Cost.Synthesis, 0.0)
		})
	}
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Here you go: {\"a\":1} hope it helps", `{"a":1}`},
		{"no json here", "no json here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}

type fakeReader struct {
	errs  []error
	calls int
	url   string
	page  jina.Page
}

func (f *fakeReader) Read(_ context.Context, u string) (*jina.Page, error) {
	f.calls++
	f.url = u
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	p := f.page
	return &p, nil
}

func TestResearch_WebsiteContext(t *testing.T) {
	cs := &claudeServer{text: synthesisJSON}
	reader := &fakeReader{page: jina.Page{Content: "Reyes Freight moves LTL loads across the Midwest.", Tokens: 50000}}
	e := newEnricher(t, cs, &fakeSearch{}).WithReader(reader)

	lead := dana
	lead.Website = "reyesfreight.com"
	res, err := e.Research(context.Background(), lead)
	require.NoError(t, err)

	assert.Equal(t, "reyesfreight.com", reader.url)
	assert.Contains(t, cs.user(), "Reyes Freight moves LTL loads")
	assert.InDelta(t, 0.001, res.Cost.Website, 1e-9)
	assert.InDelta(t, res.Cost.Total(), res.Research.CostUSD, 1e-9)
}

func TestResearch_WebsiteSkippedWithoutURL(t *testing.T) {
	cs := &claudeServer{text: synthesisJSON}
	reader := &fakeReader{}
	e := newEnricher(t, cs, nil).WithReader(reader)

	_, err := e.Research(context.Background(), dana)
	require.NoError(t, err)
	assert.Zero(t, reader.calls)
	assert.Contains(t, cs.user(), "(not read)")
}

func TestResearch_WebsiteFailureIsNotFatal(t *testing.T) {
	cs := &claudeServer{text: synthesisJSON}
	reader := &fakeReader{errs: []error{&jina.APIError{StatusCode: http.StatusForbidden, Body: "blocked"}}}
	e := newEnricher(t, cs, nil).WithReader(reader)

	lead := dana
	lead.Website = "https://reyesfreight.com"
	res, err := e.Research(context.Background(), lead)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
	assert.Zero(t, res.Cost.Website)
	assert.Contains(t, cs.user(), "(not read)")
	assert.NotEmpty(t, res.Research.Profile)
}

func TestResearch_WebsiteRetriesAndTruncates(t *testing.T) {
	cs := &claudeServer{text: synthesisJSON}
	reader := &fakeReader{
		errs: []error{&jina.APIError{StatusCode: http.StatusServiceUnavailable, Body: "busy"}},
		page: jina.Page{Content: strings.Repeat("x", 100) + "TAIL"},
	}
	ts := httptest.NewServer(cs.handler(t))
	t.Cleanup(ts.Close)
	e := NewLLMEnricher(anthropic.NewClient("test-key", anthropic.WithBaseURL(ts.URL)), nil, nil, EnricherConfig{
		WebsiteChars: 100,
		Retry:        resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}).WithReader(reader)

	lead := dana
	lead.Website = "reyesfreight.com"
	_, err := e.Research(context.Background(), lead)
	require.NoError(t, err)
	assert.Equal(t, 2, reader.calls)
	assert.Contains(t, cs.user(), strings.Repeat("x", 100))
	assert.NotContains(t, cs.user(), "TAIL")
}
