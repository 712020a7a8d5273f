package outreach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-engine/internal/model"
)

func TestRecordEvent_Monotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.clock.Set(t0.Add(time.Hour))
	c := h.running(t, businessHours(10), []model.SequenceStep{emailStep(1, 0, "a")}, h.leads(t, 1))
	h.tick(t)

	msgs := h.messages(t, c.ID)
	require.Len(t, msgs, 1)
	pid := msgs[0].ProviderMessageID
	require.NotEmpty(t, pid)

	steps := []struct {
		status  model.MessageStatus
		applied bool
		want    model.MessageStatus
	}{
		{model.MessageOpened, true, model.MessageOpened},
		{model.MessageDelivered, false, model.MessageOpened},
		{model.MessageOpened, false, model.MessageOpened},
		{model.MessageBounced, false, model.MessageOpened},
		{model.MessageReplied, true, model.MessageReplied},
		{model.MessageClicked, false, model.MessageReplied},
	}
	for _, s := range steps {
		applied, err := h.svc.RecordEvent(ctx, Event{ProviderMessageID: pid, Status: s.status})
		require.NoError(t, err)
		assert.Equal(t, s.applied, applied, "event %s", s.status)

		m, err := h.st.GetMessage(ctx, msgs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, s.want, m.Status)
	}

	got, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Metrics{Sent: 1, Delivered: 1, Opened: 1, Clicked: 1, Replied: 1}, got.Metrics)
}

func TestRecordEvent_BounceIsFinal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.clock.Set(t0.Add(time.Hour))
	c := h.running(t, businessHours(10), []model.SequenceStep{emailStep(1, 0, "a")}, h.leads(t, 1))
	h.tick(t)
	pid := h.messages(t, c.ID)[0].ProviderMessageID

	applied, err := h.svc.RecordEvent(ctx, Event{ProviderMessageID: pid, Status: model.MessageBounced})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = h.svc.RecordEvent(ctx, Event{ProviderMessageID: pid, Status: model.MessageOpened})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := h.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Metrics{Sent: 1, Bounced: 1}, got.Metrics)
}

func TestRecordEvent_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RecordEvent(ctx, Event{ProviderMessageID: "nope", Status: model.MessageDelivered})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.svc.RecordEvent(ctx, Event{ProviderMessageID: "x", Status: model.MessagePending})
	var ve *model.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = h.svc.RecordEvent(ctx, Event{ProviderMessageID: "x", Status: "teleported"})
	assert.True(t, errors.As(err, &ve))
}
