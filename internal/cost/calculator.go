// Package cost prices the provider calls made while researching a lead.
package cost

// Rates is the pricing table, in USD per million tokens unless noted.
type Rates struct {
	Anthropic  map[string]ClaudeRate `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityRate        `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaRate              `yaml:"jina" mapstructure:"jina"`
}

// ClaudeRate prices one Claude model. Unset cache rates are derived from
// Input at the published cache write and read multipliers.
type ClaudeRate struct {
	Input      float64 `yaml:"input" mapstructure:"input"`
	Output     float64 `yaml:"output" mapstructure:"output"`
	CacheWrite float64 `yaml:"cache_write" mapstructure:"cache_write"`
	CacheRead  float64 `yaml:"cache_read" mapstructure:"cache_read"`
}

const (
	cacheWriteMul = 1.25
	cacheReadMul  = 0.1
)

func (r ClaudeRate) cacheWrite() float64 {
	if r.CacheWrite > 0 {
		return r.CacheWrite
	}
	return r.Input * cacheWriteMul
}

func (r ClaudeRate) cacheRead() float64 {
	if r.CacheRead > 0 {
		return r.CacheRead
	}
	return r.Input * cacheReadMul
}

// PerplexityRate is a flat fee per search plus tokens.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
	PerMTok  float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// JinaRate prices website reads by rendered token.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Tokens is the billed usage of one Claude call.
type Tokens struct {
	Input      int
	Output     int
	CacheWrite int
	CacheRead  int
}

// Calculator prices usage against a rate table.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

func perMTok(tokens int, rate float64) float64 {
	return float64(tokens) / 1e6 * rate
}

// Claude prices one call. Models missing from the table cost nothing.
func (c *Calculator) Claude(model string, t Tokens) float64 {
	r, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	return perMTok(t.Input, r.Input) +
		perMTok(t.Output, r.Output) +
		perMTok(t.CacheWrite, r.cacheWrite()) +
		perMTok(t.CacheRead, r.cacheRead())
}

// Perplexity prices one search.
func (c *Calculator) Perplexity(promptTokens, completionTokens int) float64 {
	r := c.rates.Perplexity
	return r.PerQuery + perMTok(promptTokens+completionTokens, r.PerMTok)
}

// Jina prices one website read.
func (c *Calculator) Jina(tokens int) float64 {
	return perMTok(tokens, c.rates.Jina.PerMTok)
}

// Breakdown attributes a lead's research cost to each provider.
type Breakdown struct {
	Search    float64 `json:"search"`
	Synthesis float64 `json:"synthesis"`
	Website   float64 `json:"website"`
}

// Total is the sum of all provider costs.
func (b Breakdown) Total() float64 {
	return b.Search + b.Synthesis + b.Website
}

// DefaultRates returns list prices for the models research uses.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ClaudeRate{
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 5.00, Output: 25.00},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005, PerMTok: 1.00},
		Jina:       JinaRate{PerMTok: 0.02},
	}
}
