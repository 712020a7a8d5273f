package outreach

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/monitoring"
	"github.com/sells-group/outreach-engine/internal/render"
	"github.com/sells-group/outreach-engine/internal/resilience"
	"github.com/sells-group/outreach-engine/internal/sendwindow"
	"github.com/sells-group/outreach-engine/internal/store"
	"github.com/sells-group/outreach-engine/internal/transport"
)

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	// MaxConcurrentCampaigns bounds campaigns dispatched in parallel.
	MaxConcurrentCampaigns int
	// PerTickLimit bounds sends per campaign per tick, on top of the daily limit.
	PerTickLimit int
	// ConfirmationHorizon is how long a sent message may await a delivery
	// event before the campaign can complete without it.
	ConfirmationHorizon time.Duration
	Retry               resilience.Schedule
}

// DefaultDispatchConfig returns the production defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		MaxConcurrentCampaigns: 5,
		PerTickLimit:           100,
		ConfirmationHorizon:    72 * time.Hour,
		Retry:                  resilience.DefaultSchedule(),
	}
}

// TickReport summarizes one dispatcher tick.
type TickReport struct {
	Campaigns int   `json:"campaigns"`
	Skipped   int64 `json:"skipped"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Completed int64 `json:"completed"`
}

type tickCounters struct {
	skipped, sent, failed, retried, completed atomic.Int64
}

// Dispatcher sends due messages for running campaigns.
type Dispatcher struct {
	store     store.Store
	transport transport.Transport
	renderer  render.Renderer
	locker    lock.Locker
	metrics   *monitoring.Metrics
	cfg       DispatchConfig
	now       func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st store.Store, tr transport.Transport, rn render.Renderer, locker lock.Locker, metrics *monitoring.Metrics, cfg DispatchConfig) *Dispatcher {
	def := DefaultDispatchConfig()
	if cfg.MaxConcurrentCampaigns <= 0 {
		cfg.MaxConcurrentCampaigns = def.MaxConcurrentCampaigns
	}
	if cfg.PerTickLimit <= 0 {
		cfg.PerTickLimit = def.PerTickLimit
	}
	if cfg.ConfirmationHorizon <= 0 {
		cfg.ConfirmationHorizon = def.ConfirmationHorizon
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if rn == nil {
		rn = render.New()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	return &Dispatcher{
		store: st, transport: tr, renderer: rn, locker: locker, metrics: metrics, cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Tick dispatches every running campaign once. Only a failure to list
// campaigns is returned; per-campaign failures are logged and the next tick
// resumes from persisted state.
func (d *Dispatcher) Tick(ctx context.Context) (*TickReport, error) {
	start := time.Now()
	defer func() {
		d.metrics.TickDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	}()

	campaigns, err := d.store.ListCampaigns(ctx, model.CampaignRunning)
	if err != nil {
		return nil, eris.Wrap(err, "outreach: list running campaigns")
	}

	var counters tickCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrentCampaigns)
	for _, c := range campaigns {
		id := c.ID
		g.Go(func() error {
			if err := d.dispatchCampaign(gctx, id, &counters); err != nil {
				zap.L().Error("outreach: dispatch campaign", zap.String("campaign_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := &TickReport{
		Campaigns: len(campaigns),
		Skipped:   counters.skipped.Load(),
		Sent:      counters.sent.Load(),
		Failed:    counters.failed.Load(),
		Retried:   counters.retried.Load(),
		Completed: counters.completed.Load(),
	}
	if rep.Sent+rep.Failed+rep.Retried+rep.Completed > 0 {
		zap.L().Info("outreach: dispatch tick",
			zap.Int("campaigns", rep.Campaigns),
			zap.Int64("sent", rep.Sent),
			zap.Int64("failed", rep.Failed),
			zap.Int64("retried", rep.Retried),
			zap.Int64("completed", rep.Completed),
		)
	}
	return rep, nil
}

// dispatchCampaign works under the campaign lock; ctx is replaced by the
// lock's context so a lost lease stops the pass before the next send.
func (d *Dispatcher) dispatchCampaign(ctx context.Context, id string, counters *tickCounters) error {
	ctx, unlock, err := d.locker.Hold(ctx, lock.Campaign(id))
	if errors.Is(err, lock.ErrNotAcquired) {
		counters.skipped.Add(1)
		zap.L().Debug("outreach: campaign busy, skipping", zap.String("campaign_id", id))
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "outreach: lock campaign %s", id)
	}
	defer unlock()

	// The listing may be stale; only the locked read is authoritative.
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignRunning {
		return nil
	}
	policy, err := sendwindow.Parse(c.Settings)
	if err != nil {
		return eris.Wrapf(err, "outreach: campaign %s settings", id)
	}

	now := d.now()
	if policy.Allowed(now) {
		if err := d.sendDue(ctx, c, policy, now, counters); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return d.maybeComplete(ctx, c, counters)
}

func (d *Dispatcher) sendDue(ctx context.Context, c *model.Campaign, policy *sendwindow.Policy, now time.Time, counters *tickCounters) error {
	sentToday, err := d.store.CountSentSince(ctx, c.ID, policy.StartOfDay(now))
	if err != nil {
		return eris.Wrapf(err, "outreach: count sent today %s", c.ID)
	}
	remaining := c.Settings.DailyLimit - sentToday
	if remaining <= 0 {
		return nil
	}

	due, err := d.store.DueMessages(ctx, c.ID, now, min(remaining, d.cfg.PerTickLimit))
	if err != nil {
		return eris.Wrapf(err, "outreach: due messages %s", c.ID)
	}
	if len(due) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(due))
	for _, m := range due {
		ids = append(ids, m.LeadID)
	}
	leads, err := d.store.GetLeads(ctx, dedupe(ids))
	if err != nil {
		return eris.Wrapf(err, "outreach: load leads %s", c.ID)
	}

	for _, m := range due {
		if ctx.Err() != nil {
			zap.L().Warn("outreach: dispatch interrupted", zap.String("campaign_id", c.ID), zap.Error(context.Cause(ctx)))
			return nil
		}
		running, err := d.stillRunning(ctx, c.ID)
		if err != nil || !running {
			return err
		}
		lead, ok := leads[m.LeadID]
		if err := d.dispatchMessage(ctx, c, m, lead, ok, counters); err != nil {
			return err
		}
	}
	return nil
}

// stillRunning re-reads the campaign between sends so a cancel or pause that
// lands mid-pass is honored before the next message goes out.
func (d *Dispatcher) stillRunning(ctx context.Context, id string) (bool, error) {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, eris.Wrapf(err, "outreach: recheck campaign %s", id)
	}
	return c.Status == model.CampaignRunning, nil
}

// dispatchMessage renders, sends and records one message. Only store
// failures are returned.
func (d *Dispatcher) dispatchMessage(ctx context.Context, c *model.Campaign, m model.Message, lead model.Lead, found bool, counters *tickCounters) error {
	log := zap.L().With(zap.String("campaign_id", c.ID), zap.String("message_id", m.ID), zap.Int64("lead_id", m.LeadID))

	if !found {
		return d.fail(ctx, m, fmt.Sprintf("lead %d not found", m.LeadID), counters)
	}
	step, ok := c.Step(m.StepNumber)
	if !ok || step.Content == nil {
		return d.fail(ctx, m, fmt.Sprintf("step %d not in sequence", m.StepNumber), counters)
	}

	msg, err := d.render(step, lead, m.StepNumber)
	if err != nil {
		log.Warn("outreach: render failed", zap.Error(err))
		return d.fail(ctx, m, err.Error(), counters)
	}

	res := d.transport.Send(ctx, m.Channel, msg, lead.Contact())
	// The outcome is recorded even if the lease was lost during the send.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	now := d.now()
	switch res.Status {
	case transport.Accepted:
		applied, err := d.store.UpdateMessageStatus(ctx, m.ID, model.MessageUpdate{
			From: model.MessagePending, To: model.MessageSent, SentAt: &now, ProviderMessageID: res.ProviderMessageID,
		}, now)
		if err != nil {
			return eris.Wrapf(err, "outreach: record sent %s", m.ID)
		}
		if !applied {
			log.Warn("outreach: message changed while sending", zap.String("provider_message_id", res.ProviderMessageID))
			return nil
		}
		counters.sent.Add(1)
		d.metrics.MessagesDispatched.WithLabelValues(string(m.Channel), "sent").Inc()
		return nil

	case transport.Transient:
		attempts := m.Attempts + 1
		next, ok := d.cfg.Retry.Next(attempts, now)
		if !ok {
			log.Warn("outreach: retries exhausted", zap.Int("attempts", attempts), zap.Error(res.Err))
			return d.fail(ctx, m, errString(res.Err), counters)
		}
		if err := d.store.RecordRetry(ctx, m.ID, model.RetryUpdate{NextAttemptAt: next, Error: errString(res.Err)}, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil
			}
			return eris.Wrapf(err, "outreach: record retry %s", m.ID)
		}
		counters.retried.Add(1)
		d.metrics.MessagesDispatched.WithLabelValues(string(m.Channel), "retry").Inc()
		log.Debug("outreach: send deferred", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next))
		return nil

	default:
		log.Warn("outreach: send rejected", zap.Error(res.Err))
		return d.fail(ctx, m, errString(res.Err), counters)
	}
}

func (d *Dispatcher) render(step model.SequenceStep, lead model.Lead, stepNumber int) (transport.Rendered, error) {
	subjectTmpl, bodyTmpl := step.Content.Template()
	attrs := render.LeadAttributes(lead, stepNumber)

	var out transport.Rendered
	var err error
	if subjectTmpl != "" {
		if out.Subject, err = d.renderer.Render(subjectTmpl, attrs); err != nil {
			return out, err
		}
	}
	out.Body, err = d.renderer.Render(bodyTmpl, attrs)
	return out, err
}

func (d *Dispatcher) fail(ctx context.Context, m model.Message, reason string, counters *tickCounters) error {
	now := d.now()
	applied, err := d.store.UpdateMessageStatus(ctx, m.ID, model.MessageUpdate{
		From: model.MessagePending, To: model.MessageFailed, Error: reason,
	}, now)
	if err != nil {
		return eris.Wrapf(err, "outreach: record failure %s", m.ID)
	}
	if applied {
		counters.failed.Add(1)
		d.metrics.MessagesDispatched.WithLabelValues(string(m.Channel), "failed").Inc()
	}
	return nil
}

// maybeComplete finishes a running campaign once nothing is pending and no
// sent message is still inside the confirmation horizon.
func (d *Dispatcher) maybeComplete(ctx context.Context, c *model.Campaign, counters *tickCounters) error {
	now := d.now()
	n, err := d.store.CountOutstanding(ctx, c.ID, now.Add(-d.cfg.ConfirmationHorizon))
	if err != nil {
		return eris.Wrapf(err, "outreach: count outstanding %s", c.ID)
	}
	if n > 0 {
		return nil
	}
	err = d.store.TransitionCampaign(ctx, c.ID, model.CampaignRunning, model.CampaignCompleted, now)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "outreach: complete campaign %s", c.ID)
	}
	counters.completed.Add(1)
	d.metrics.CampaignsCompleted.Inc()
	zap.L().Info("outreach: campaign completed", zap.String("campaign_id", c.ID))
	return nil
}

func errString(err error) string {
	if err == nil {
		return "unknown transport error"
	}
	return err.Error()
}
