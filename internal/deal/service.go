// Package deal manages the sales pipeline: constrained stage moves, the
// activity log, follow-up tasks and the optional CRM mirror.
package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/monitoring"
	"github.com/sells-group/outreach-engine/internal/store"
	"github.com/sells-group/outreach-engine/internal/validate"
)

const syncTimeout = 15 * time.Second

// Syncer mirrors a deal to an external CRM.
type Syncer interface {
	SyncDeal(ctx context.Context, d model.Deal) error
}

// CreateInput is the payload for a new deal.
type CreateInput struct {
	Title       string      `json:"title" validate:"required,max=300"`
	LeadID      *int64      `json:"lead_id,omitempty"`
	Stage       model.Stage `json:"stage,omitempty"`
	Value       float64     `json:"value" validate:"gte=0"`
	Probability *int        `json:"probability,omitempty" validate:"omitempty,gte=0,lte=100"`
	AssignedTo  string      `json:"assigned_to,omitempty"`
}

// MoveInput requests a stage change.
type MoveInput struct {
	Stage       model.Stage `json:"stage" validate:"required"`
	Probability *int        `json:"probability,omitempty" validate:"omitempty,gte=0,lte=100"`
	Actor       string      `json:"actor,omitempty"`
}

// ActivityInput is a manually logged activity.
type ActivityInput struct {
	Type        model.ActivityType `json:"type" validate:"required"`
	Description string             `json:"description" validate:"max=5000"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	CreatedBy   string             `json:"created_by,omitempty"`
}

// TaskInput is a new follow-up task.
type TaskInput struct {
	Title   string     `json:"title" validate:"required,max=300"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// Service implements the deal pipeline operations.
type Service struct {
	store   store.Store
	locker  lock.Locker
	metrics *monitoring.Metrics
	syncer  Syncer
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSyncer mirrors every create and stage move to s.
func WithSyncer(s Syncer) Option {
	return func(svc *Service) { svc.syncer = s }
}

// NewService creates a deal service. A nil locker uses an in-process one.
func NewService(st store.Store, locker lock.Locker, metrics *monitoring.Metrics, opts ...Option) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	s := &Service{store: st, locker: locker, metrics: metrics, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new deal. Stage defaults to lead and probability to the
// stage default.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Deal, error) {
	v := &model.ValidationError{Entity: "deal"}
	if err := validate.Merge(v, validate.Struct("deal", in)); err != nil {
		return nil, err
	}
	if in.Stage == "" {
		in.Stage = model.StageLead
	}
	if !in.Stage.Valid() {
		v.Add("stage", "unknown stage %q", in.Stage)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	now := s.now()
	d := &model.Deal{
		Title:       in.Title,
		LeadID:      in.LeadID,
		Stage:       in.Stage,
		Value:       in.Value,
		Probability: probability(in.Stage, in.Probability),
		AssignedTo:  in.AssignedTo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	d.WeightedValue = model.WeightedValue(d.Value, d.Probability)
	if err := s.store.CreateDeal(ctx, d); err != nil {
		return nil, eris.Wrap(err, "deal: create")
	}
	zap.L().Info("deal: created", zap.String("deal_id", d.ID), zap.String("stage", string(d.Stage)))
	s.sync(ctx, *d)
	return d, nil
}

// Get returns a deal.
func (s *Service) Get(ctx context.Context, id string) (*model.Deal, error) {
	return s.store.GetDeal(ctx, id)
}

// List returns deals matching filter.
func (s *Service) List(ctx context.Context, filter store.DealFilter) ([]model.Deal, error) {
	if filter.Stage != "" && !filter.Stage.Valid() {
		v := &model.ValidationError{Entity: "deal filter"}
		v.Add("stage", "unknown stage %q", filter.Stage)
		return nil, v
	}
	return s.store.ListDeals(ctx, filter)
}

// AllowedStages returns the stages the deal can move to next.
func (s *Service) AllowedStages(ctx context.Context, id string) ([]model.Stage, error) {
	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Stage.AllowedStages(), nil
}

// MoveStage moves a deal along the pipeline graph and logs a stage_change
// activity in the same write. The write only applies if the stage has not
// changed since it was read.
func (s *Service) MoveStage(ctx context.Context, id string, in MoveInput) (*model.Deal, error) {
	v := &model.ValidationError{Entity: "stage move"}
	if err := validate.Merge(v, validate.Struct("stage move", in)); err != nil {
		return nil, err
	}
	if in.Stage != "" && !in.Stage.Valid() {
		v.Add("stage", "unknown stage %q", in.Stage)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lock.Deal(id))
	if err != nil {
		return nil, eris.Wrapf(err, "deal: lock %s", id)
	}
	defer unlock()

	d, err := s.store.GetDeal(ctx, id)
	if err != nil {
		return nil, err
	}
	from := d.Stage
	if !from.CanMoveTo(in.Stage) {
		return nil, moveError(d, in.Stage)
	}

	d.Stage = in.Stage
	d.Probability = probability(in.Stage, in.Probability)
	d.WeightedValue = model.WeightedValue(d.Value, d.Probability)
	d.UpdatedAt = s.now()
	act := &model.Activity{
		DealID:      d.ID,
		Type:        model.ActivityStageChange,
		Description: fmt.Sprintf("Stage changed from %s to %s", from, in.Stage),
		Metadata: map[string]any{
			"from":        string(from),
			"to":          string(in.Stage),
			"probability": d.Probability,
		},
		CreatedBy: in.Actor,
		CreatedAt: d.UpdatedAt,
	}

	if err := s.store.MoveDealStage(ctx, d, from, act); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(err, "deal: move %s", id)
		}
		current, gerr := s.store.GetDeal(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, moveError(current, in.Stage)
	}

	s.metrics.DealStageMoves.WithLabelValues(string(in.Stage)).Inc()
	zap.L().Info("deal: stage moved",
		zap.String("deal_id", d.ID), zap.String("from", string(from)), zap.String("to", string(in.Stage)))
	s.sync(ctx, *d)
	return d, nil
}

// LogActivity appends a manual activity. stage_change and task_completed are
// written by the service itself.
func (s *Service) LogActivity(ctx context.Context, dealID string, in ActivityInput) (*model.Activity, error) {
	v := &model.ValidationError{Entity: "activity"}
	if err := validate.Merge(v, validate.Struct("activity", in)); err != nil {
		return nil, err
	}
	switch {
	case in.Type == "":
	case !in.Type.Valid():
		v.Add("type", "unknown activity type %q", in.Type)
	case in.Type == model.ActivityStageChange || in.Type == model.ActivityTaskCompleted:
		v.Add("type", "%s activities are recorded automatically", in.Type)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}

	act := &model.Activity{
		DealID:      dealID,
		Type:        in.Type,
		Description: in.Description,
		Metadata:    in.Metadata,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddActivity(ctx, act); err != nil {
		return nil, eris.Wrapf(err, "deal: log activity %s", dealID)
	}
	return act, nil
}

// Activities returns a deal's activity log, oldest first.
func (s *Service) Activities(ctx context.Context, dealID string) ([]model.Activity, error) {
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.ListActivities(ctx, dealID)
}

// CreateTask adds a follow-up task to a deal.
func (s *Service) CreateTask(ctx context.Context, dealID string, in TaskInput) (*model.Task, error) {
	if err := validate.Struct("task", in); err != nil {
		return nil, err
	}
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	t := &model.Task{DealID: dealID, Title: in.Title, DueDate: in.DueDate, CreatedAt: s.now()}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, eris.Wrapf(err, "deal: create task %s", dealID)
	}
	return t, nil
}

// CompleteTask marks a task done and logs a task_completed activity.
func (s *Service) CompleteTask(ctx context.Context, taskID, actor string) (*model.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Completed {
		return nil, &model.TransitionError{Entity: "task", ID: taskID, Current: "completed", Action: "complete"}
	}
	now := s.now()
	act := &model.Activity{
		DealID:      t.DealID,
		Type:        model.ActivityTaskCompleted,
		Description: "Completed task: " + t.Title,
		Metadata:    map[string]any{"task_id": t.ID},
		CreatedBy:   actor,
		CreatedAt:   now,
	}
	if err := s.store.CompleteTask(ctx, taskID, now, act); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &model.TransitionError{Entity: "task", ID: taskID, Current: "completed", Action: "complete"}
		}
		return nil, eris.Wrapf(err, "deal: complete task %s", taskID)
	}
	return s.store.GetTask(ctx, taskID)
}

// Tasks lists a deal's tasks by due date.
func (s *Service) Tasks(ctx context.Context, dealID string, includeCompleted bool) ([]model.Task, error) {
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, dealID, includeCompleted)
}

// sync mirrors d to the CRM. Failures are logged; the local write stands.
func (s *Service) sync(ctx context.Context, d model.Deal) {
	if s.syncer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
	defer cancel()
	if err := s.syncer.SyncDeal(ctx, d); err != nil {
		zap.L().Warn("deal: crm sync failed", zap.String("deal_id", d.ID), zap.Error(err))
	}
}

func probability(stage model.Stage, override *int) int {
	if override != nil {
		return *override
	}
	return stage.DefaultProbability()
}

func moveError(d *model.Deal, target model.Stage) error {
	return &model.TransitionError{Entity: "deal", ID: d.ID, Current: string(d.Stage), Action: "move to " + string(target)}
}
