package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Campaign delivery (active campaigns plus those finished in the window).
	CampaignsActive    int     `json:"campaigns_active"`
	CampaignsCompleted int     `json:"campaigns_completed"`
	MessagesPending    int     `json:"messages_pending"`
	MessagesAccepted   int     `json:"messages_accepted"`
	MessagesBounced    int     `json:"messages_bounced"`
	MessagesFailed     int     `json:"messages_failed"`
	DeliveryFailRate   float64 `json:"delivery_fail_rate"`

	// Research batches (running plus those created in the window).
	BatchesRunning    int     `json:"batches_running"`
	ResearchProcessed int     `json:"research_processed"`
	ResearchFailed    int     `json:"research_failed"`
	ResearchFailRate  float64 `json:"research_fail_rate"`
	ResearchCostUSD   float64 `json:"research_cost_usd"`

	// Provider circuit breakers currently open.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read side of the store the collector needs.
type Source interface {
	ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error)
	ListBatches(ctx context.Context, status model.BatchStatus) ([]model.Batch, error)
}

// BreakerReporter exposes named circuit breaker states, e.g. the transport
// router or the research enricher.
type BreakerReporter interface {
	BreakerStates() map[string]resilience.BreakerState
}

// Collector gathers metrics from the store and provider breakers.
type Collector struct {
	source   Source
	breakers []BreakerReporter
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source, breakers ...BreakerReporter) *Collector {
	return &Collector{source: src, breakers: breakers}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	campaigns, err := c.source.ListCampaigns(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list campaigns")
	}
	var m model.Metrics
	for _, cp := range campaigns {
		switch cp.Status {
		case model.CampaignScheduled, model.CampaignRunning, model.CampaignPaused:
			snap.CampaignsActive++
		case model.CampaignCompleted:
			if !within(cp.CompletedAt, cutoff) {
				continue
			}
			snap.CampaignsCompleted++
		case model.CampaignCancelled:
			if !within(cp.CancelledAt, cutoff) {
				continue
			}
		default:
			continue
		}
		m = m.Add(cp.Metrics)
	}
	snap.MessagesPending = m.Pending
	// Sent counts every message the transport took, bounced ones included.
	snap.MessagesAccepted = m.Sent - m.Bounced
	snap.MessagesBounced = m.Bounced
	snap.MessagesFailed = m.Failed
	if attempted := snap.MessagesAccepted + m.Bounced + m.Failed; attempted > 0 {
		snap.DeliveryFailRate = float64(m.Bounced+m.Failed) / float64(attempted)
	}

	batches, err := c.source.ListBatches(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}
	for _, b := range batches {
		if b.Status == model.BatchRunning {
			snap.BatchesRunning++
		} else if b.CreatedAt.Before(cutoff) {
			continue
		}
		snap.ResearchProcessed += b.ProcessedLeads
		snap.ResearchFailed += b.FailedLeads
		snap.ResearchCostUSD += b.TotalCostUSD
	}
	if snap.ResearchProcessed > 0 {
		snap.ResearchFailRate = float64(snap.ResearchFailed) / float64(snap.ResearchProcessed)
	}

	for _, r := range c.breakers {
		for name, state := range r.BreakerStates() {
			if state == resilience.BreakerOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
	}
	sort.Strings(snap.OpenBreakers)

	return snap, nil
}

func within(t *time.Time, cutoff time.Time) bool {
	return t != nil && !t.Before(cutoff)
}
