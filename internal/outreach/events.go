package outreach

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
)

// Event is a delivery event reported by a transport provider.
type Event struct {
	ProviderMessageID string              `json:"provider_message_id" validate:"required"`
	Status            model.MessageStatus `json:"status" validate:"required,oneof=delivered opened clicked replied bounced"`
	At                time.Time           `json:"at"`
}

// maxEventAttempts bounds re-reads when two events for one message race.
const maxEventAttempts = 3

// RecordEvent applies a provider event to the message it names. Events that
// would move a message backwards, or out of a final state, are ignored and
// reported as not applied.
func (s *Service) RecordEvent(ctx context.Context, ev Event) (bool, error) {
	if !ev.Status.Valid() || ev.Status == model.MessagePending || ev.Status == model.MessageFailed {
		v := &model.ValidationError{Entity: "event"}
		v.Add("status", "unsupported event status %q", ev.Status)
		return false, v
	}
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}

	for range maxEventAttempts {
		m, err := s.store.GetMessageByProviderID(ctx, ev.ProviderMessageID)
		if err != nil {
			return false, err
		}
		if !m.Status.CanAdvance(ev.Status) {
			s.metrics.TransportEvents.WithLabelValues(string(ev.Status), "false").Inc()
			zap.L().Debug("outreach: stale event ignored",
				zap.String("message_id", m.ID), zap.String("current", string(m.Status)), zap.String("event", string(ev.Status)))
			return false, nil
		}
		applied, err := s.store.UpdateMessageStatus(ctx, m.ID, model.MessageUpdate{From: m.Status, To: ev.Status}, at)
		if err != nil {
			return false, eris.Wrapf(err, "outreach: apply event to %s", m.ID)
		}
		if applied {
			s.metrics.TransportEvents.WithLabelValues(string(ev.Status), "true").Inc()
			return true, nil
		}
	}
	return false, eris.Errorf("outreach: message for provider id %s kept changing", ev.ProviderMessageID)
}
