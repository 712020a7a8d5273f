package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDeliveryFailureRate AlertType = "delivery_failure_rate"
	AlertResearchFailureRate AlertType = "research_failure_rate"
	AlertCostOverrun         AlertType = "cost_overrun"
	AlertBreakerOpen         AlertType = "breaker_open"
)

// minSample is the smallest count a failure rate is judged on.
const minSample = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule turns a snapshot into at most one alert.
type rule struct {
	typ      AlertType
	severity string
	check    func(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool)
}

var rules = []rule{
	{AlertDeliveryFailureRate, "high", deliveryRule},
	{AlertResearchFailureRate, "medium", researchRule},
	{AlertCostOverrun, "high", costRule},
	{AlertBreakerOpen, "high", breakerRule},
}

func deliveryRule(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	attempted := s.MessagesAccepted + s.MessagesBounced + s.MessagesFailed
	if attempted < minSample || s.DeliveryFailRate <= cfg.FailureRateThreshold {
		return "", nil, false
	}
	msg := fmt.Sprintf("Delivery failure rate %.1f%% is above %.1f%% (%d bounced, %d failed / %d attempted)",
		s.DeliveryFailRate*100, cfg.FailureRateThreshold*100, s.MessagesBounced, s.MessagesFailed, attempted)
	return msg, map[string]any{
		"failure_rate": s.DeliveryFailRate,
		"threshold":    cfg.FailureRateThreshold,
		"bounced":      s.MessagesBounced,
		"failed":       s.MessagesFailed,
		"attempted":    attempted,
	}, true
}

func researchRule(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	if s.ResearchProcessed < minSample || s.ResearchFailRate <= cfg.FailureRateThreshold {
		return "", nil, false
	}
	msg := fmt.Sprintf("Research failure rate %.1f%% is above %.1f%% (%d failed / %d processed in last %dh)",
		s.ResearchFailRate*100, cfg.FailureRateThreshold*100, s.ResearchFailed, s.ResearchProcessed, s.LookbackHours)
	return msg, map[string]any{
		"failure_rate": s.ResearchFailRate,
		"threshold":    cfg.FailureRateThreshold,
		"failed":       s.ResearchFailed,
		"processed":    s.ResearchProcessed,
	}, true
}

// costRule is disabled while the threshold is zero.
func costRule(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	if cfg.CostThresholdUSD <= 0 || s.ResearchCostUSD <= cfg.CostThresholdUSD {
		return "", nil, false
	}
	msg := fmt.Sprintf("Research spend $%.2f is above $%.2f in last %dh",
		s.ResearchCostUSD, cfg.CostThresholdUSD, s.LookbackHours)
	return msg, map[string]any{
		"cost_usd":      s.ResearchCostUSD,
		"threshold_usd": cfg.CostThresholdUSD,
		"processed":     s.ResearchProcessed,
	}, true
}

func breakerRule(_ config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	if len(s.OpenBreakers) == 0 {
		return "", nil, false
	}
	msg := fmt.Sprintf("%d provider circuit breaker(s) open: %s", len(s.OpenBreakers), strings.Join(s.OpenBreakers, ", "))
	return msg, map[string]any{"breakers": s.OpenBreakers}, true
}

// Alerter evaluates snapshots against thresholds and posts alerts to a
// webhook. An alert type that was delivered within the cooldown is held back.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[AlertType]time.Time),
	}
}

// Evaluate returns the alerts the snapshot triggers, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := a.now()
	var alerts []Alert
	for _, r := range rules {
		msg, details, ok := r.check(a.cfg, snap)
		if !ok {
			continue
		}
		alerts = append(alerts, Alert{Type: r.typ, Severity: r.severity, Message: msg, Details: details, Timestamp: now})
	}
	return alerts
}

// Suppress splits alerts into those due for delivery and the number still
// inside their cooldown.
func (a *Alerter) Suppress(alerts []Alert) ([]Alert, int) {
	cooldown := time.Duration(a.cfg.AlertCooldownMins) * time.Minute
	if cooldown <= 0 {
		return alerts, 0
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	due := alerts[:0:0]
	for _, al := range alerts {
		if last, ok := a.lastSent[al.Type]; ok && now.Sub(last) < cooldown {
			continue
		}
		due = append(due, al)
	}
	return due, len(alerts) - len(due)
}

// webhookPayload carries a text field so chat webhooks render the alert.
type webhookPayload struct {
	Alert
	Text string `json:"text"`
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	sent := 0
	for _, al := range alerts {
		log := zap.L().With(zap.String("type", string(al.Type)), zap.String("severity", al.Severity))
		if err := a.post(ctx, al); err != nil {
			log.Error("monitoring: alert delivery failed", zap.Error(err))
			continue
		}
		a.mu.Lock()
		a.lastSent[al.Type] = a.now()
		a.mu.Unlock()
		log.Info("monitoring: alert sent")
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(webhookPayload{Alert: al, Text: fmt.Sprintf("[%s] %s", strings.ToUpper(al.Severity), al.Message)})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: webhook status %d", resp.StatusCode)
	}
	return nil
}
