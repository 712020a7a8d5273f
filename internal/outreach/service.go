// Package outreach runs multi-step campaigns: lifecycle operations,
// scheduling of per-lead messages and tick-driven dispatch through the
// transports.
package outreach

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/monitoring"
	"github.com/sells-group/outreach-engine/internal/sendwindow"
	"github.com/sells-group/outreach-engine/internal/store"
	"github.com/sells-group/outreach-engine/internal/validate"
)

// CancelReason is recorded on messages failed by a cancel.
const CancelReason = "campaign cancelled"

// Service exposes the campaign operations used by the API and CLI.
type Service struct {
	store   store.Store
	locker  lock.Locker
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewService creates a campaign service. A nil locker uses an in-process one.
func NewService(st store.Store, locker lock.Locker, metrics *monitoring.Metrics) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}
	return &Service{store: st, locker: locker, metrics: metrics, now: func() time.Time { return time.Now().UTC() }}
}

// Create validates and persists a draft campaign. Nothing is written when
// validation fails.
func (s *Service) Create(ctx context.Context, c *model.Campaign) error {
	v := &model.ValidationError{Entity: "campaign"}
	if err := validate.Merge(v, validate.Struct("campaign", c)); err != nil {
		return err
	}
	if err := validate.Merge(v, model.ValidateSequence(c.Steps)); err != nil {
		return err
	}
	if _, err := sendwindow.Parse(c.Settings); err != nil {
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		for _, f := range ve.Fields {
			v.Add("settings."+f.Field, "%s", f.Message)
		}
	}
	if c.LeadListID == nil && len(c.LeadIDs) == 0 {
		v.Add("lead_ids", "a lead list or explicit lead ids are required")
	}
	if c.Channel == "" && len(c.Steps) > 0 {
		c.Channel = c.Steps[0].Channel()
	}
	if c.Channel != "" && !c.Channel.Valid() {
		v.Add("channel", "unknown channel %q", c.Channel)
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	c.Status = model.CampaignDraft
	c.Metrics = model.Metrics{}
	c.LeadIDs = dedupe(c.LeadIDs)
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return eris.Wrap(err, "outreach: create campaign")
	}
	zap.L().Info("outreach: campaign created",
		zap.String("campaign_id", c.ID), zap.String("name", c.Name), zap.Int("steps", len(c.Steps)))
	return nil
}

// Get returns a campaign.
func (s *Service) Get(ctx context.Context, id string) (*model.Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

// List returns campaigns, optionally filtered by status.
func (s *Service) List(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	return s.store.ListCampaigns(ctx, status)
}

// Messages returns a campaign's messages.
func (s *Service) Messages(ctx context.Context, id string) ([]model.Message, error) {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, id)
}

// Schedule enrolls the campaign's leads and inserts their messages. Running
// it twice never duplicates a (campaign, lead, step).
func (s *Service) Schedule(ctx context.Context, id string) (*model.Campaign, error) {
	unlock, err := s.locker.Lock(ctx, lock.Campaign(id))
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: lock campaign %s", id)
	}
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := model.NextCampaignStatus(c.Status, model.ActionSchedule); !ok {
		return nil, transitionError(c, model.ActionSchedule)
	}
	policy, err := sendwindow.Parse(c.Settings)
	if err != nil {
		return nil, err
	}

	leadIDs := c.LeadIDs
	if c.LeadListID != nil {
		listed, err := s.store.ListLeadIDs(ctx, *c.LeadListID)
		if err != nil {
			return nil, eris.Wrapf(err, "outreach: list leads for campaign %s", id)
		}
		leadIDs = append(listed, leadIDs...)
	}
	leadIDs = dedupe(leadIDs)

	enrolledAt := s.now()
	msgs := BuildMessages(c, leadIDs, policy, enrolledAt)
	n, err := s.store.ScheduleCampaign(ctx, id, enrolledAt, msgs)
	if errors.Is(err, store.ErrConflict) {
		return nil, s.reloadTransitionError(ctx, id, model.ActionSchedule)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: schedule campaign %s", id)
	}
	zap.L().Info("outreach: campaign scheduled",
		zap.String("campaign_id", id), zap.Int("leads", len(leadIDs)), zap.Int("messages", n))
	return s.store.GetCampaign(ctx, id)
}

// Start moves a scheduled or paused campaign to running.
func (s *Service) Start(ctx context.Context, id string) (*model.Campaign, error) {
	return s.transition(ctx, id, model.ActionStart)
}

// Pause stops dispatch without touching any message.
func (s *Service) Pause(ctx context.Context, id string) (*model.Campaign, error) {
	return s.transition(ctx, id, model.ActionPause)
}

// Cancel ends the campaign and fails every pending message without calling a
// transport. It waits for a dispatch in progress on the campaign, so sends
// already handed to a transport keep their recorded outcome.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Campaign, error) {
	unlock, err := s.locker.Lock(ctx, lock.Campaign(id))
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: lock campaign %s", id)
	}
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := model.NextCampaignStatus(c.Status, model.ActionCancel); !ok {
		return nil, transitionError(c, model.ActionCancel)
	}
	n, err := s.store.CancelCampaign(ctx, id, c.Status, CancelReason, s.now())
	if errors.Is(err, store.ErrConflict) {
		return nil, s.reloadTransitionError(ctx, id, model.ActionCancel)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: cancel campaign %s", id)
	}
	zap.L().Info("outreach: campaign cancelled", zap.String("campaign_id", id), zap.Int("messages_failed", n))
	return s.store.GetCampaign(ctx, id)
}

func (s *Service) transition(ctx context.Context, id string, action model.CampaignAction) (*model.Campaign, error) {
	unlock, err := s.locker.Lock(ctx, lock.Campaign(id))
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: lock campaign %s", id)
	}
	defer unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := model.NextCampaignStatus(c.Status, action)
	if !ok {
		return nil, transitionError(c, action)
	}
	err = s.store.TransitionCampaign(ctx, id, c.Status, next, s.now())
	if errors.Is(err, store.ErrConflict) {
		return nil, s.reloadTransitionError(ctx, id, action)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "outreach: %s campaign %s", action, id)
	}
	zap.L().Info("outreach: campaign transitioned",
		zap.String("campaign_id", id), zap.String("from", string(c.Status)), zap.String("to", string(next)))
	return s.store.GetCampaign(ctx, id)
}

// reloadTransitionError reports the state that won a concurrent write.
func (s *Service) reloadTransitionError(ctx context.Context, id string, action model.CampaignAction) error {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	return transitionError(c, action)
}

func transitionError(c *model.Campaign, action model.CampaignAction) error {
	return &model.TransitionError{Entity: "campaign", ID: c.ID, Current: string(c.Status), Action: string(action)}
}

// Metrics returns the campaign's metrics. With recompute the read model is
// rebuilt from its messages and stored.
func (s *Service) Metrics(ctx context.Context, id string, recompute bool) (model.Metrics, error) {
	if !recompute {
		c, err := s.store.GetCampaign(ctx, id)
		if err != nil {
			return model.Metrics{}, err
		}
		return c.Metrics, nil
	}

	unlock, err := s.locker.Lock(ctx, lock.Campaign(id))
	if err != nil {
		return model.Metrics{}, eris.Wrapf(err, "outreach: lock campaign %s", id)
	}
	defer unlock()

	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return model.Metrics{}, err
	}
	m := RecomputeMetrics(msgs)
	if err := s.store.SetCampaignMetrics(ctx, id, m); err != nil {
		return model.Metrics{}, eris.Wrapf(err, "outreach: store metrics %s", id)
	}
	return m, nil
}
