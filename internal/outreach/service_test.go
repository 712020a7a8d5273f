package outreach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/lock"
	"github.com/sells-group/outreach-engine/internal/model"
)

func TestService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		c      model.Campaign
		fields []string
	}{
		{
			name:   "no steps",
			c:      model.Campaign{Name: "x", Settings: businessHours(5), LeadIDs: []int64{1}},
			fields: []string{"steps"},
		},
		{
			name: "bad window",
			c: model.Campaign{Name: "x", LeadIDs: []int64{1}, Steps: []model.SequenceStep{emailStep(1, 0, "b")},
				Settings: model.SendSettings{DailyLimit: 5, SendWindowStart: "17:00", SendWindowEnd: "09:00", Timezone: "UTC"}},
			fields: []string{"settings.send_window_end"},
		},
		{
			name:   "missing name and targets",
			c:      model.Campaign{Steps: []model.SequenceStep{emailStep(1, 0, "b")}, Settings: businessHours(5)},
			fields: []string{"name", "lead_ids"},
		},
		{
			name: "empty email subject",
			c: model.Campaign{Name: "x", LeadIDs: []int64{1}, Settings: businessHours(5),
				Steps: []model.SequenceStep{{StepNumber: 1, Content: model.EmailStep{Body: "b"}}}},
			fields: []string{"steps[0].subject"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.c
			err := h.svc.Create(ctx, &c)
			var ve *model.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			var got []string
			for _, f := range ve.Fields {
				got = append(got, f.Field)
			}
			for _, f := range tt.fields {
				assert.Contains(t, got, f)
			}
		})
	}

	all, err := h.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all, "rejected campaigns are never persisted")
}

func TestService_CreateDefaults(t *testing.T) {
	h := newHarness(t)
	c := &model.Campaign{
		Name:     "LinkedIn warmup",
		Steps:    []model.SequenceStep{{StepNumber: 1, Content: model.LinkedInConnectionStep{Note: "Hi"}}},
		Settings: businessHours(20),
		LeadIDs:  []int64{3, 3, 1},
	}
	require.NoError(t, h.svc.Create(context.Background(), c))

	got, err := h.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, got.Status)
	assert.Equal(t, model.ChannelLinkedInConnection, got.Channel)
	assert.Equal(t, []int64{3, 1}, got.LeadIDs)
}

func TestService_ScheduleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leads := h.leads(t, 3)

	list, err := h.st.CreateLeadList(ctx, "webinar")
	require.NoError(t, err)
	require.NoError(t, h.st.AddLeadsToList(ctx, list.ID, leads[:2]))

	c := &model.Campaign{
		Name:       "Webinar follow-up",
		Steps:      []model.SequenceStep{emailStep(1, 0, "a"), emailStep(2, 2, "b")},
		Settings:   businessHours(10),
		LeadListID: &list.ID,
		LeadIDs:    []int64{leads[1], leads[2]},
	}
	require.NoError(t, h.svc.Create(ctx, c))

	got, err := h.svc.Schedule(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignScheduled, got.Status)
	require.NotNil(t, got.EnrolledAt)
	assert.True(t, t0.Equal(*got.EnrolledAt))
	assert.Equal(t, 6, got.Metrics.Pending, "3 distinct leads x 2 steps")

	_, err = h.svc.Schedule(ctx, c.ID)
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "scheduled", te.Current)
	assert.Equal(t, "schedule", te.Action)
	assert.Len(t, h.messages(t, c.ID), 6)
}

func TestService_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := &model.Campaign{Name: "x", Steps: []model.SequenceStep{emailStep(1, 0, "a")}, Settings: businessHours(10), LeadIDs: h.leads(t, 1)}
	require.NoError(t, h.svc.Create(ctx, c))

	_, err := h.svc.Start(ctx, c.ID)
	var te *model.TransitionError
	require.True(t, errors.As(err, &te), "draft cannot start")
	assert.Equal(t, "draft", te.Current)

	_, err = h.svc.Schedule(ctx, c.ID)
	require.NoError(t, err)

	got, err := h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, got.Status)
	firstStart := *got.StartedAt

	got, err = h.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPaused, got.Status)
	assert.Len(t, h.messages(t, c.ID), 1, "pause deletes nothing")

	_, err = h.svc.Pause(ctx, c.ID)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "paused", te.Current)

	h.clock.Set(t0.Add(time.Hour))
	got, err = h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, got.Status)
	assert.True(t, firstStart.Equal(*got.StartedAt), "resume keeps the first start time")

	got, err = h.svc.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCancelled, got.Status)

	for _, op := range []func(context.Context, string) (*model.Campaign, error){h.svc.Start, h.svc.Pause, h.svc.Cancel, h.svc.Schedule} {
		_, err := op(ctx, c.ID)
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "cancelled", te.Current)
	}
}

func TestService_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.svc.Metrics(context.Background(), "missing", true)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestService_CancelFailsPendingWithoutSending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.clock.Set(t0.Add(time.Hour))
	c := h.running(t, businessHours(1), []model.SequenceStep{emailStep(1, 0, "Hello {{first_name}}")}, h.leads(t, 4))

	rep := h.tick(t)
	assert.Equal(t, int64(1), rep.Sent)
	require.Len(t, h.tr.Calls(), 1)

	got, err := h.svc.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Metrics{Sent: 1, Failed: 3}, got.Metrics)

	msgs := h.messages(t, c.ID)
	assert.Equal(t, 1, countStatus(msgs, model.MessageSent), "sent messages keep their status")
	assert.Equal(t, 3, countStatus(msgs, model.MessageFailed))
	for _, m := range msgs {
		if m.Status == model.MessageFailed {
			assert.Equal(t, CancelReason, m.LastError)
		}
	}

	h.clock.Set(t0.Add(24 * time.Hour))
	h.tick(t)
	assert.Len(t, h.tr.Calls(), 1, "no transport calls after cancel")
}

func TestService_CancelWaitsForDispatch(t *testing.T) {
	h := newHarness(t)
	c := h.running(t, businessHours(5), []model.SequenceStep{emailStep(1, 0, "a")}, h.leads(t, 1))

	unlock, err := h.locker.TryLock(context.Background(), lock.Campaign(c.ID))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.svc.Cancel(ctx, c.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()

	got, err := h.svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, got.Status)
}
