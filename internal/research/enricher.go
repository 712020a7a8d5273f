package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/cost"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/pkg/anthropic"
	"github.com/sells-group/outreach-engine/pkg/jina"
	"github.com/sells-group/outreach-engine/pkg/perplexity"
)

// Enricher researches one lead.
type Enricher interface {
	// Research returns the enrichment for lead. On failure the Result, when
	// non-nil, carries the cost already incurred.
	Research(ctx context.Context, lead model.Lead) (*Result, error)
}

// Result is one lead's research output and what it cost.
type Result struct {
	Research model.LeadResearch
	Cost     cost.Breakdown
}

// EnricherConfig tunes the LLM enricher.
type EnricherConfig struct {
	Model        string
	MaxTokens    int64
	DMSteps      int
	SearchModel  string
	WebsiteChars int // cap on website text passed to synthesis
	Retry        resilience.RetryConfig
	Breaker      resilience.BreakerConfig
}

func (c EnricherConfig) withDefaults() EnricherConfig {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5-20250929"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.DMSteps <= 0 {
		c.DMSteps = 3
	}
	if c.WebsiteChars <= 0 {
		c.WebsiteChars = 6000
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	return c
}

const searchPrompt = `Research %s, %s at %s (%s, %s industry, %s employees).
Summarize recent public activity: posts, talks, interviews, company news, hiring and
product launches from the last few months. Return the raw findings as text with sources.`

const synthesisSystemPrompt = `You write B2B outreach research for an AI business
automation consultancy. Given a prospect and web findings, produce:
- profile: three to five sentences on the person and their company
- pain_gain_analysis: the operational pains automation could remove and the gains they care about
- dm_sequence: short LinkedIn direct messages, one per follow-up step, each under 300 characters,
  referencing something specific from the findings

Return only a JSON object with the keys profile, pain_gain_analysis and dm_sequence.`

const synthesisUserPrompt = `Prospect:
name: %s
title: %s
company: %s
industry: %s
website: %s
firm size: %s

Write exactly %d messages in dm_sequence.

Web findings:
%s

Company website:
%s`

// LLMEnricher searches the web with Perplexity, optionally reads the lead's
// website with Jina, and synthesizes the research with Claude. Provider calls retry transient failures behind a per-provider
// breaker.
type LLMEnricher struct {
	ai       anthropic.Client
	search   perplexity.Client
	reader   jina.Client
	calc     *cost.Calculator
	cfg      EnricherConfig
	breakers *resilience.Breakers
	now      func() time.Time
}

// NewLLMEnricher creates an enricher. search may be nil, in which case
// synthesis runs on the lead's own fields.
func NewLLMEnricher(ai anthropic.Client, search perplexity.Client, calc *cost.Calculator, cfg EnricherConfig) *LLMEnricher {
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}
	return &LLMEnricher{
		ai:       ai,
		search:   search,
		calc:     calc,
		cfg:      cfg.withDefaults(),
		breakers: resilience.NewBreakers(cfg.Breaker),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithReader adds the lead's website, read through r, to the synthesis
// context. Read failures are logged and do not fail the lead.
func (e *LLMEnricher) WithReader(r jina.Client) *LLMEnricher {
	e.reader = r
	return e
}

type synthesis struct {
	Profile          string   `json:"profile"`
	PainGainAnalysis string   `json:"pain_gain_analysis"`
	DMSequence       []string `json:"dm_sequence"`
}

func (e *LLMEnricher) Research(ctx context.Context, lead model.Lead) (*Result, error) {
	log := zap.L().With(zap.Int64("lead_id", lead.ID), zap.String("company", lead.Company))
	res := &Result{}

	findings := "(no web findings)"
	if e.search != nil {
		text, spent, err := e.webSearch(ctx, lead)
		res.Cost.Search = spent
		if err != nil {
			return res, eris.Wrap(err, "research: web search")
		}
		if strings.TrimSpace(text) != "" {
			findings = text
		}
	}

	website := "(not read)"
	if e.reader != nil && strings.TrimSpace(lead.Website) != "" {
		text, spent, err := e.readWebsite(ctx, lead.Website)
		res.Cost.Website = spent
		switch {
		case err != nil:
			log.Warn("research: website read failed", zap.String("website", lead.Website), zap.Error(err))
		case strings.TrimSpace(text) != "":
			website = text
		}
	}

	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("anthropic", "research synthesis")
	// Every lead in a batch shares the system prompt, so it is cached for an hour.
	prompt := anthropic.Prompt{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    synthesisSystemPrompt,
		SystemTTL: "1h",
		User: fmt.Sprintf(synthesisUserPrompt,
			lead.FullName(), lead.Title, lead.Company, lead.Industry, lead.Website, lead.FirmSize,
			e.cfg.DMSteps, findings, website),
	}
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.Completion, error) {
		return resilience.Call(ctx, e.breakers.Get("anthropic"), func(ctx context.Context) (*anthropic.Completion, error) {
			resp, err := e.ai.Complete(ctx, prompt)
			return resp, resilience.FromStatus(err, anthropic.StatusCode(err))
		})
	})
	if err != nil {
		return res, eris.Wrap(err, "research: synthesis")
	}
	u := resp.Usage
	res.Cost.Synthesis = e.calc.Claude(e.cfg.Model, cost.Tokens{
		Input: int(u.Input), Output: int(u.Output), CacheWrite: int(u.CacheWrite), CacheRead: int(u.CacheRead),
	})

	var out synthesis
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &out); err != nil {
		log.Warn("research: unparseable synthesis", zap.Error(err))
		return res, eris.Wrap(err, "research: parse synthesis")
	}
	if strings.TrimSpace(out.Profile) == "" || len(out.DMSequence) == 0 {
		return res, eris.New("research: synthesis missing profile or dm_sequence")
	}

	res.Research = model.LeadResearch{
		Profile:          out.Profile,
		PainGainAnalysis: out.PainGainAnalysis,
		DMSequence:       out.DMSequence,
		CostUSD:          res.Cost.Total(),
		ResearchedAt:     e.now(),
	}
	log.Debug("research: lead enriched",
		zap.Float64("search_usd", res.Cost.Search),
		zap.Float64("website_usd", res.Cost.Website),
		zap.Float64("synthesis_usd", res.Cost.Synthesis))
	return res, nil
}

func (e *LLMEnricher) webSearch(ctx context.Context, lead model.Lead) (string, float64, error) {
	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("perplexity", "lead search")
	temp := 0.2
	q := perplexity.Query{
		Prompt: fmt.Sprintf(searchPrompt,
			lead.FullName(), orUnknown(lead.Title), orUnknown(lead.Company), orUnknown(lead.Website),
			orUnknown(lead.Industry), orUnknown(lead.FirmSize)),
		Model:       e.cfg.SearchModel,
		Recency:     "month",
		Temperature: &temp,
	}
	ans, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*perplexity.Answer, error) {
		return resilience.Call(ctx, e.breakers.Get("perplexity"), func(ctx context.Context) (*perplexity.Answer, error) {
			ans, err := e.search.Search(ctx, q)
			return ans, resilience.FromStatus(err, perplexity.StatusCode(err))
		})
	})
	if err != nil {
		return "", 0, err
	}
	return ans.WithSources(), e.calc.Perplexity(ans.Usage.PromptTokens, ans.Usage.CompletionTokens), nil
}

func (e *LLMEnricher) readWebsite(ctx context.Context, site string) (string, float64, error) {
	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("jina", "website read")
	page, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*jina.Page, error) {
		return resilience.Call(ctx, e.breakers.Get("jina"), func(ctx context.Context) (*jina.Page, error) {
			page, err := e.reader.Read(ctx, site)
			return page, resilience.FromStatus(err, jina.StatusCode(err))
		})
	})
	if err != nil {
		return "", 0, err
	}
	text := page.Content
	if r := []rune(text); len(r) > e.cfg.WebsiteChars {
		text = string(r[:e.cfg.WebsiteChars])
	}
	return text, e.calc.Jina(page.Tokens), nil
}

// BreakerStates reports the provider breakers.
func (e *LLMEnricher) BreakerStates() map[string]resilience.BreakerState {
	return e.breakers.States()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

// cleanJSON extracts a JSON object from text that may carry markdown fences
// or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
