package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// Dispatcher
	MessagesDispatched *prometheus.CounterVec
	CampaignsCompleted prometheus.Counter
	TransportEvents    *prometheus.CounterVec
	TickDuration       *prometheus.HistogramVec

	// Research
	ResearchItems   *prometheus.CounterVec
	ResearchCostUSD prometheus.Counter

	// Deals
	DealStageMoves *prometheus.CounterVec

	// Alerts
	Alerts *prometheus.CounterVec

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg gets a private
// registry, which keeps repeated construction in tests from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		MessagesDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_messages_dispatched_total",
			Help: "Send attempts by channel and outcome",
		}, []string{"channel", "outcome"}), // sent, failed, retry
		CampaignsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "outreach_campaigns_completed_total",
			Help: "Campaigns completed automatically by the dispatcher",
		}),
		TransportEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_transport_events_total",
			Help: "Provider delivery events by status and whether they applied",
		}, []string{"status", "applied"}),
		TickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_tick_duration_seconds",
			Help:    "Duration of one tick per job",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"job"}), // dispatch, research
		ResearchItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_research_items_total",
			Help: "Settled research batch items by outcome",
		}, []string{"outcome"}),
		ResearchCostUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "outreach_research_cost_usd_total",
			Help: "Enrichment spend in USD",
		}),
		DealStageMoves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_deal_stage_moves_total",
			Help: "Deal stage transitions by target stage",
		}, []string{"stage"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_alerts_total",
			Help: "Alerts by type and outcome",
		}, []string{"type", "outcome"}), // sent, suppressed, failed
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}
