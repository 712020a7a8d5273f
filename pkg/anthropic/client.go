// Package anthropic wraps the Claude Messages API for the single-turn prompts
// used in lead research.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Prompt is a system prompt plus one user turn.
type Prompt struct {
	Model     string
	MaxTokens int64
	System    string
	// SystemTTL marks the system prompt as a cache breakpoint with this TTL
	// ("5m" or "1h"). Empty leaves it uncached.
	SystemTTL   string
	User        string
	Temperature *float64
}

// Completion is the text Claude returned and the tokens it billed.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Usage counts billed tokens by kind.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Option configures the SDK client.
type Option = option.RequestOption

// WithBaseURL points the client at another endpoint.
func WithBaseURL(url string) Option {
	return option.WithBaseURL(url)
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Claude client. The SDK's own retries are disabled so
// callers control retry and breaker policy.
func NewClient(apiKey string, opts ...Option) Client {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &sdkClient{client: sdk.NewClient(all...)}
}

func (c *sdkClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.Model),
		MaxTokens: p.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.User))},
	}
	if p.System != "" {
		params.System = []sdk.TextBlockParam{systemBlock(p.System, p.SystemTTL)}
	}
	if p.Temperature != nil {
		params.Temperature = sdk.Float(*p.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: complete")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

func systemBlock(text, ttl string) sdk.TextBlockParam {
	block := sdk.TextBlockParam{Text: text}
	if ttl != "" {
		cc := sdk.NewCacheControlEphemeralParam()
		cc.TTL = sdk.CacheControlEphemeralTTL(ttl)
		block.CacheControl = cc
	}
	return block
}

// StatusCode returns the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
