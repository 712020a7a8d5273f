package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/config"
)

// CheckResult summarizes one alert check.
type CheckResult struct {
	Triggered  int
	Suppressed int
	Sent       int
}

// Checker evaluates alerts on a schedule.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	cfg       config.MonitoringConfig
}

// NewChecker creates an alert checker. metrics may be nil.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitoringConfig) *Checker {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Checker{collector: collector, alerter: alerter, metrics: metrics, cfg: cfg}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
}

// Run checks every interval until ctx is cancelled. A check still running
// when the next one is due causes that one to be skipped.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	sched := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", c.interval()), func() { c.Check(ctx) }); err != nil {
		log.Error("monitoring: schedule alert checks", zap.Error(err))
		return
	}

	log.Info("alert checker started",
		zap.Duration("interval", c.interval()),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours))
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	log.Info("alert checker stopped")
}

// Check collects one snapshot, holds back alerts still in cooldown and sends
// the rest.
func (c *Checker) Check(ctx context.Context) CheckResult {
	var res CheckResult
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		zap.L().Error("monitoring: collect snapshot", zap.Error(err))
		return res
	}

	alerts := c.alerter.Evaluate(snap)
	res.Triggered = len(alerts)
	if res.Triggered == 0 {
		return res
	}

	due, suppressed := c.alerter.Suppress(alerts)
	res.Suppressed = suppressed
	dueTypes := make(map[AlertType]bool, len(due))
	for _, a := range due {
		dueTypes[a.Type] = true
	}
	for _, a := range alerts {
		if !dueTypes[a.Type] {
			c.metrics.Alerts.WithLabelValues(string(a.Type), "suppressed").Inc()
		}
	}

	for _, a := range due {
		if c.alerter.SendAlerts(ctx, []Alert{a}) == 1 {
			res.Sent++
			c.metrics.Alerts.WithLabelValues(string(a.Type), "sent").Inc()
		} else {
			c.metrics.Alerts.WithLabelValues(string(a.Type), "failed").Inc()
		}
	}

	zap.L().Info("monitoring: alert check complete",
		zap.Int("triggered", res.Triggered), zap.Int("suppressed", res.Suppressed), zap.Int("sent", res.Sent))
	return res
}
