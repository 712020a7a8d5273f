// Package tick drives the periodic work of the engine: campaign dispatch and
// research batch processing.
package tick

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-engine/internal/outreach"
	"github.com/sells-group/outreach-engine/internal/research"
)

// Dispatcher sends due campaign messages.
type Dispatcher interface {
	Tick(ctx context.Context) (*outreach.TickReport, error)
}

// Researcher advances running research batches.
type Researcher interface {
	Tick(ctx context.Context) (*research.TickReport, error)
}

// Driver runs one dispatch pass and one research pass per tick, side by
// side. A tick that overruns the interval causes the next one to be skipped,
// never overlapped.
type Driver struct {
	dispatcher Dispatcher
	researcher Researcher
	interval   time.Duration
	cron       *cron.Cron
}

// New creates a Driver. Either job may be nil to disable it.
func New(d Dispatcher, r Researcher, interval time.Duration) (*Driver, error) {
	if interval < time.Second {
		return nil, eris.Errorf("tick: interval %s is below one second", interval)
	}
	logger := cronLogger{log: zap.L().With(zap.String("component", "tick"))}
	return &Driver{
		dispatcher: d,
		researcher: r,
		interval:   interval,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}, nil
}

// RunOnce runs both passes concurrently. A failing or slow pass does not
// hold up the other.
func (d *Driver) RunOnce(ctx context.Context) error {
	var dispatchErr, researchErr error
	var g errgroup.Group
	if d.dispatcher != nil {
		g.Go(func() error {
			rep, err := d.dispatcher.Tick(ctx)
			if err != nil {
				dispatchErr = eris.Wrap(err, "tick: dispatch")
				return nil
			}
			zap.L().Info("tick: dispatch complete",
				zap.Int("campaigns", rep.Campaigns),
				zap.Int64("sent", rep.Sent),
				zap.Int64("failed", rep.Failed),
				zap.Int64("retried", rep.Retried),
				zap.Int64("skipped", rep.Skipped),
				zap.Int64("completed", rep.Completed),
			)
			return nil
		})
	}
	if d.researcher != nil {
		g.Go(func() error {
			rep, err := d.researcher.Tick(ctx)
			if err != nil {
				researchErr = eris.Wrap(err, "tick: research")
				return nil
			}
			zap.L().Info("tick: research complete",
				zap.Int("batches", rep.Batches),
				zap.Int("processed", rep.Processed),
				zap.Int("failed", rep.Failed),
				zap.Int("completed", rep.Completed),
				zap.Float64("cost_usd", rep.CostUSD),
			)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(dispatchErr, researchErr)
}

// Start schedules RunOnce every interval until ctx is cancelled or Stop is
// called. It does not block.
func (d *Driver) Start(ctx context.Context) error {
	_, err := d.cron.AddFunc("@every "+d.interval.String(), func() {
		if ctx.Err() != nil {
			return
		}
		if err := d.RunOnce(ctx); err != nil {
			zap.L().Error("tick: run failed", zap.Error(err))
		}
	})
	if err != nil {
		return eris.Wrap(err, "tick: schedule")
	}
	d.cron.Start()
	zap.L().Info("tick: driver started", zap.Duration("interval", d.interval))
	return nil
}

// Stop stops scheduling and waits for a running tick to finish.
func (d *Driver) Stop() {
	<-d.cron.Stop().Done()
	zap.L().Info("tick: driver stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, zap.Any("fields", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, zap.Error(err), zap.Any("fields", keysAndValues))
}
