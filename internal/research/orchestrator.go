// Package research runs batch lead enrichment: a batch snapshots its leads,
// then each tick settles the next pending items independently so one bad
// lead never stalls the rest.
package research

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/monitoring"
	"github.com/sells-group/outreach-engine/internal/store"
	"github.com/sells-group/outreach-engine/internal/validate"
)

// ErrNoEnricher is returned when a batch is processed without an enricher.
var ErrNoEnricher = eris.New("research: no enricher configured")

// Config bounds batch processing.
type Config struct {
	ItemsPerTick int
	Concurrency  int
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ItemsPerTick <= 0 {
		c.ItemsPerTick = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	return c
}

// CreateInput names a new batch and optionally the list to snapshot.
type CreateInput struct {
	Name   string `json:"name" validate:"required,max=200"`
	ListID *int64 `json:"list_id,omitempty"`
}

// ProcessReport summarizes one processing pass over a batch.
type ProcessReport struct {
	BatchID   string  `json:"batch_id"`
	Processed int     `json:"processed"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	CostUSD   float64 `json:"cost_usd"`
	Completed bool    `json:"completed"`
	Skipped   bool    `json:"skipped,omitempty"`
}

// Orchestrator implements the batch research operations.
type Orchestrator struct {
	store    store.Store
	enricher Enricher
	locker   lock.Locker
	metrics  *monitoring.Metrics
	cfg      Config
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. A nil locker uses an in-process one.
func NewOrchestrator(st store.Store, en Enricher, locker lock.Locker, metrics *monitoring.Metrics, cfg Config) *Orchestrator {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	return &Orchestrator{
		store:    st,
		enricher: en,
		locker:   locker,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateBatch persists a draft batch.
func (o *Orchestrator) CreateBatch(ctx context.Context, in CreateInput) (*model.Batch, error) {
	if err := validate.Struct("batch", in); err != nil {
		return nil, err
	}
	b := &model.Batch{Name: in.Name, ListID: in.ListID, Status: model.BatchDraft, Errors: []model.BatchError{}, CreatedAt: o.now()}
	if err := o.store.CreateBatch(ctx, b); err != nil {
		return nil, eris.Wrap(err, "research: create batch")
	}
	zap.L().Info("research: batch created", zap.String("batch_id", b.ID), zap.String("name", b.Name))
	return b, nil
}

// Get returns a batch with its retained errors.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.Batch, error) {
	return o.store.GetBatch(ctx, id)
}

// List returns batches, optionally filtered by status.
func (o *Orchestrator) List(ctx context.Context, status model.BatchStatus) ([]model.Batch, error) {
	return o.store.ListBatches(ctx, status)
}

// Items returns a batch's snapshot in position order.
func (o *Orchestrator) Items(ctx context.Context, id string) ([]model.BatchItem, error) {
	if _, err := o.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListBatchItems(ctx, id)
}

// Start snapshots the batch's leads and moves it to running. A batch with
// nothing to research completes immediately.
func (o *Orchestrator) Start(ctx context.Context, id string) (*model.Batch, error) {
	unlock, err := o.locker.Lock(ctx, lock.Batch(id))
	if err != nil {
		return nil, eris.Wrapf(err, "research: lock batch %s", id)
	}
	defer unlock()

	b, err := o.store.StartBatch(ctx, id, o.now())
	if errors.Is(err, store.ErrConflict) {
		current, gerr := o.store.GetBatch(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &model.TransitionError{Entity: "batch", ID: id, Current: string(current.Status), Action: "start"}
	}
	if err != nil {
		return nil, err
	}
	zap.L().Info("research: batch started", zap.String("batch_id", id), zap.Int("total_leads", b.TotalLeads))
	return b, nil
}

// Process settles up to ItemsPerTick pending items of a running batch.
// It is safe to call repeatedly and after a crash: only pending items are
// picked up and each settles at most once.
func (o *Orchestrator) Process(ctx context.Context, id string) (*ProcessReport, error) {
	rep := &ProcessReport{BatchID: id}
	held, unlock, err := o.locker.Hold(ctx, lock.Batch(id))
	if errors.Is(err, lock.ErrNotAcquired) {
		rep.Skipped = true
		return rep, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "research: lock batch %s", id)
	}
	defer unlock()

	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case model.BatchCompleted:
		rep.Completed = true
		return rep, nil
	case model.BatchDraft:
		return nil, &model.TransitionError{Entity: "batch", ID: id, Current: string(b.Status), Action: "process"}
	}
	if o.enricher == nil {
		return nil, ErrNoEnricher
	}

	items, err := o.store.PendingBatchItems(ctx, id, o.cfg.ItemsPerTick)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.LeadID
	}
	leads, err := o.store.GetLeads(ctx, ids)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	// Items still in flight when the lease is lost stay pending.
	g, gctx := errgroup.WithContext(held)
	g.SetLimit(o.cfg.Concurrency)
	for _, it := range items {
		lead, ok := leads[it.LeadID]
		g.Go(func() error {
			out, done := o.researchItem(gctx, it.LeadID, lead, ok)
			if !done {
				return nil
			}
			settled, err := o.store.SettleBatchItem(gctx, id, out)
			if err != nil {
				zap.L().Error("research: settle item", zap.String("batch_id", id), zap.Int64("lead_id", it.LeadID), zap.Error(err))
				return nil
			}
			if !settled {
				return nil
			}
			outcome := "succeeded"
			if !out.Success {
				outcome = "failed"
			}
			o.metrics.ResearchItems.WithLabelValues(outcome).Inc()
			o.metrics.ResearchCostUSD.Add(out.CostUSD)

			mu.Lock()
			defer mu.Unlock()
			rep.Processed++
			rep.CostUSD += out.CostUSD
			if out.Success {
				rep.Succeeded++
			} else {
				rep.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	after, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	rep.Completed = after.Status == model.BatchCompleted
	if rep.Processed > 0 {
		zap.L().Info("research: batch progress",
			zap.String("batch_id", id),
			zap.Int("processed", after.ProcessedLeads),
			zap.Int("total", after.TotalLeads),
			zap.Int("failed", after.FailedLeads),
			zap.Float64("cost_usd", after.TotalCostUSD),
		)
	}
	return rep, nil
}

// researchItem enriches one lead under the per-item timeout. Every failure
// becomes a failed outcome so the item still settles, except when ctx itself
// is done: the item then stays pending for the next pass and the lead is
// released. Only a successful lead carries a cost.
func (o *Orchestrator) researchItem(ctx context.Context, leadID int64, lead model.Lead, found bool) (model.ItemOutcome, bool) {
	out := model.ItemOutcome{LeadID: leadID}
	marked := false
	fail := func(err error, spent float64) (model.ItemOutcome, bool) {
		if ctx.Err() != nil {
			if marked {
				o.release(ctx, leadID)
			}
			return out, false
		}
		out.Error = err.Error()
		out.At = o.now()
		zap.L().Warn("research: lead failed", zap.Int64("lead_id", leadID), zap.Float64("spent_usd", spent), zap.Error(err))
		return out, true
	}
	if !found {
		return fail(eris.Errorf("lead %d not found", leadID), 0)
	}
	if err := o.store.MarkLeadResearching(ctx, leadID, o.now()); err != nil {
		return fail(err, 0)
	}
	marked = true

	rctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	res, err := o.enricher.Research(rctx, lead)
	if err != nil {
		var spent float64
		if res != nil {
			spent = res.Cost.Total()
		}
		return fail(err, spent)
	}
	out.Success = true
	out.CostUSD = res.Cost.Total()
	out.Research = &res.Research
	out.At = o.now()
	return out, true
}

// release returns a lead to the unresearched pool after its pass was cut
// short, so a later Start can snapshot it again.
func (o *Orchestrator) release(ctx context.Context, leadID int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.ResetLeadResearch(rctx, leadID, o.now()); err != nil {
		zap.L().Warn("research: release lead", zap.Int64("lead_id", leadID), zap.Error(err))
	}
}

// TickReport summarizes one research tick.
type TickReport struct {
	Batches   int
	Processed int
	Failed    int
	Completed int
	CostUSD   float64
}

// Tick processes every running batch once.
func (o *Orchestrator) Tick(ctx context.Context) (*TickReport, error) {
	start := time.Now()
	defer func() {
		o.metrics.TickDuration.WithLabelValues("research").Observe(time.Since(start).Seconds())
	}()

	if o.enricher == nil {
		return &TickReport{}, nil
	}
	batches, err := o.store.ListBatches(ctx, model.BatchRunning)
	if err != nil {
		return nil, eris.Wrap(err, "research: list running batches")
	}
	rep := &TickReport{Batches: len(batches)}
	for _, b := range batches {
		pr, err := o.Process(ctx, b.ID)
		if err != nil {
			zap.L().Error("research: process batch", zap.String("batch_id", b.ID), zap.Error(err))
			continue
		}
		rep.Processed += pr.Processed
		rep.Failed += pr.Failed
		rep.CostUSD += pr.CostUSD
		if pr.Completed {
			rep.Completed++
		}
	}
	return rep, nil
}
