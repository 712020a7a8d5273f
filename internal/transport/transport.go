// Package transport delivers rendered messages over email and LinkedIn and
// classifies every attempt as accepted, failed or transient.
package transport

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
)

// Status is the outcome class of one send attempt.
type Status string

const (
	// Accepted means the provider took the message; delivery events follow.
	Accepted Status = "accepted"
	// Failed is permanent for this message.
	Failed Status = "failed"
	// Transient may succeed on a later attempt.
	Transient Status = "transient"
)

// Rendered is a message with placeholders already substituted.
type Rendered struct {
	Subject string
	Body    string
}

// Result is what the dispatcher records for an attempt.
type Result struct {
	Status            Status
	ProviderMessageID string
	Err               error
}

// Transport sends a rendered message to a contact over channel.
type Transport interface {
	Send(ctx context.Context, channel model.Channel, msg Rendered, to model.Contact) Result
}

// Sender is one provider integration for one channel. It returns the
// provider's message id; errors are classified with resilience.IsTransient.
type Sender interface {
	Send(ctx context.Context, msg Rendered, to model.Contact) (string, error)
}

// ErrNoAddress is returned when the contact lacks the address a channel needs.
var ErrNoAddress = eris.New("transport: contact has no address for channel")

// Classify turns a sender error into a Result.
func Classify(providerID string, err error) Result {
	switch {
	case err == nil:
		return Result{Status: Accepted, ProviderMessageID: providerID}
	case resilience.IsTransient(err):
		return Result{Status: Transient, Err: err}
	default:
		return Result{Status: Failed, Err: err}
	}
}

// RouterConfig controls per-channel throttling and call bounds.
type RouterConfig struct {
	// Timeout bounds each send, including the wait for a rate-limit token.
	Timeout time.Duration
	// PerMinute caps sends per channel. Zero means unlimited.
	PerMinute map[model.Channel]int
	Breaker   resilience.BreakerConfig
}

// Router dispatches to the Sender registered for each channel, behind a
// per-channel rate limiter and circuit breaker.
type Router struct {
	senders  map[model.Channel]Sender
	limiters map[model.Channel]*rate.Limiter
	breakers *resilience.Breakers
	timeout  time.Duration
}

// NewRouter creates a router with no senders registered.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := &Router{
		senders:  make(map[model.Channel]Sender),
		limiters: make(map[model.Channel]*rate.Limiter),
		breakers: resilience.NewBreakers(cfg.Breaker),
		timeout:  cfg.Timeout,
	}
	for ch, n := range cfg.PerMinute {
		if n > 0 {
			r.limiters[ch] = rate.NewLimiter(rate.Limit(float64(n)/60), 1)
		}
	}
	return r
}

// Register installs s for channel, replacing any previous sender.
func (r *Router) Register(channel model.Channel, s Sender) *Router {
	r.senders[channel] = s
	return r
}

// Channels lists the channels with a registered sender.
func (r *Router) Channels() []model.Channel {
	var out []model.Channel
	for _, ch := range []model.Channel{model.ChannelEmail, model.ChannelLinkedInConnection, model.ChannelLinkedInDM} {
		if _, ok := r.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// BreakerStates exposes breaker states for health reporting.
func (r *Router) BreakerStates() map[string]resilience.BreakerState {
	return r.breakers.States()
}

func (r *Router) Send(ctx context.Context, channel model.Channel, msg Rendered, to model.Contact) Result {
	s, ok := r.senders[channel]
	if !ok {
		return Result{Status: Failed, Err: eris.Errorf("transport: no sender for channel %q", channel)}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if lim := r.limiters[channel]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{Status: Transient, Err: eris.Wrapf(err, "transport: throttled on %s", channel)}
		}
	}

	id, err := resilience.Call(ctx, r.breakers.Get(string(channel)), func(ctx context.Context) (string, error) {
		return s.Send(ctx, msg, to)
	})
	res := Classify(id, err)
	if res.Status != Accepted {
		zap.L().Debug("transport: send not accepted",
			zap.String("channel", string(channel)),
			zap.Int64("lead_id", to.LeadID),
			zap.String("status", string(res.Status)),
			zap.Error(err),
		)
	}
	return res
}
