package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/config"
)

func TestAlerter_Evaluate(t *testing.T) {
	thresholds := config.MonitoringConfig{FailureRateThreshold: 0.10, CostThresholdUSD: 100}

	tests := []struct {
		name     string
		cfg      config.MonitoringConfig
		snap     MetricsSnapshot
		want     []AlertType
		severity string
		message  string
	}{
		{
			name: "healthy window",
			cfg:  thresholds,
			snap: MetricsSnapshot{
				MessagesAccepted: 95, MessagesFailed: 5, DeliveryFailRate: 0.05,
				ResearchProcessed: 100, ResearchFailed: 5, ResearchFailRate: 0.05, ResearchCostUSD: 40,
			},
		},
		{
			name:     "delivery failures",
			cfg:      thresholds,
			snap:     MetricsSnapshot{MessagesAccepted: 12, MessagesBounced: 5, MessagesFailed: 3, DeliveryFailRate: 0.4},
			want:     []AlertType{AlertDeliveryFailureRate},
			severity: "high",
			message:  "40.0% is above 10.0% (5 bounced, 3 failed / 20 attempted)",
		},
		{
			name:     "research failures",
			cfg:      thresholds,
			snap:     MetricsSnapshot{ResearchProcessed: 10, ResearchFailed: 2, ResearchFailRate: 0.2, LookbackHours: 6},
			want:     []AlertType{AlertResearchFailureRate},
			severity: "medium",
			message:  "2 failed / 10 processed in last 6h",
		},
		{
			name:     "research spend",
			cfg:      thresholds,
			snap:     MetricsSnapshot{ResearchProcessed: 50, ResearchFailed: 1, ResearchFailRate: 0.02, ResearchCostUSD: 250, LookbackHours: 24},
			want:     []AlertType{AlertCostOverrun},
			severity: "high",
			message:  "$250.00 is above $100.00",
		},
		{
			name:     "open breakers",
			cfg:      thresholds,
			snap:     MetricsSnapshot{OpenBreakers: []string{"anthropic", "email"}},
			want:     []AlertType{AlertBreakerOpen},
			severity: "high",
			message:  "2 provider circuit breaker(s) open: anthropic, email",
		},
		{
			name: "rates below minimum sample",
			cfg:  thresholds,
			snap: MetricsSnapshot{
				MessagesAccepted: 1, MessagesFailed: 2, DeliveryFailRate: 0.66,
				ResearchProcessed: 4, ResearchFailed: 4, ResearchFailRate: 1,
			},
		},
		{
			name: "cost rule off without threshold",
			cfg:  config.MonitoringConfig{FailureRateThreshold: 0.10},
			snap: MetricsSnapshot{ResearchProcessed: 20, ResearchCostUSD: 999},
		},
		{
			name: "everything at once",
			cfg:  thresholds,
			snap: MetricsSnapshot{
				MessagesAccepted: 10, MessagesFailed: 10, DeliveryFailRate: 0.5,
				ResearchProcessed: 20, ResearchFailed: 10, ResearchFailRate: 0.5, ResearchCostUSD: 300,
				OpenBreakers: []string{"perplexity"},
			},
			want: []AlertType{AlertDeliveryFailureRate, AlertResearchFailureRate, AlertCostOverrun, AlertBreakerOpen},
		},
	}

	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAlerter(tt.cfg)
			a.now = func() time.Time { return now }

			alerts := a.Evaluate(&tt.snap)
			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
				assert.Equal(t, now, al.Timestamp)
				assert.NotEmpty(t, al.Details)
			}
			assert.Equal(t, tt.want, got)

			if tt.message != "" {
				require.Len(t, alerts, 1)
				assert.Equal(t, tt.severity, alerts[0].Severity)
				assert.Contains(t, alerts[0].Message, tt.message)
			}
		})
	}
}

func TestAlerter_Suppress(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{AlertCooldownMins: 10})
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	a.lastSent[AlertBreakerOpen] = now.Add(-5 * time.Minute)
	a.lastSent[AlertCostOverrun] = now.Add(-15 * time.Minute)

	alerts := []Alert{{Type: AlertBreakerOpen}, {Type: AlertCostOverrun}, {Type: AlertResearchFailureRate}}
	due, suppressed := a.Suppress(alerts)
	assert.Equal(t, 1, suppressed)
	assert.Len(t, due, 2)
	assert.Equal(t, AlertCostOverrun, due[0].Type)
	assert.Equal(t, AlertResearchFailureRate, due[1].Type)
	assert.Len(t, alerts, 3)
}

func TestAlerter_Suppress_NoCooldown(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	a.lastSent[AlertBreakerOpen] = time.Now()
	due, suppressed := a.Suppress([]Alert{{Type: AlertBreakerOpen}})
	assert.Len(t, due, 1)
	assert.Zero(t, suppressed)
}

// hook records webhook bodies and answers with status.
type hook struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (h *hook) received() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any(nil), h.bodies...)
}

func newHook(t *testing.T, status int) (*hook, string) {
	t.Helper()
	h := &hook{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		h.mu.Lock()
		h.bodies = append(h.bodies, body)
		h.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return h, ts.URL
}

func TestAlerter_SendAlerts(t *testing.T) {
	h, url := newHook(t, http.StatusNoContent)
	a := NewAlerter(config.MonitoringConfig{WebhookURL: url})

	alerts := a.Evaluate(&MetricsSnapshot{OpenBreakers: []string{"email"}})
	alerts = append(alerts, Alert{Type: AlertCostOverrun, Severity: "high", Message: "spend"})

	assert.Equal(t, 2, a.SendAlerts(context.Background(), alerts))
	bodies := h.received()
	require.Len(t, bodies, 2)
	assert.Equal(t, "breaker_open", bodies[0]["type"])
	assert.Equal(t, "[HIGH] 1 provider circuit breaker(s) open: email", bodies[0]["text"])
	assert.Equal(t, "[HIGH] spend", bodies[1]["text"])
	assert.Contains(t, a.lastSent, AlertBreakerOpen)
	assert.Contains(t, a.lastSent, AlertCostOverrun)
}

func TestAlerter_SendAlerts_Rejected(t *testing.T) {
	h, url := newHook(t, http.StatusBadGateway)
	a := NewAlerter(config.MonitoringConfig{WebhookURL: url})

	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertDeliveryFailureRate, Message: "x"}}))
	assert.Len(t, h.received(), 1)
	assert.NotContains(t, a.lastSent, AlertDeliveryFailureRate)
}

func TestAlerter_SendAlerts_Nothing(t *testing.T) {
	h, url := newHook(t, http.StatusOK)

	noURL := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, noURL.SendAlerts(context.Background(), []Alert{{Type: AlertBreakerOpen}}))

	noAlerts := NewAlerter(config.MonitoringConfig{WebhookURL: url})
	assert.Zero(t, noAlerts.SendAlerts(context.Background(), nil))
	assert.Empty(t, h.received())
}
