package outreach

import (
	"time"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/internal/sendwindow"
)

// BuildMessages expands a campaign over leads into one pending message per
// (lead, step). Step n is due at enrolledAt plus the sum of delays of steps
// 1..n, in calendar days of the campaign timezone, rolled forward into the
// send window.
func BuildMessages(c *model.Campaign, leadIDs []int64, policy *sendwindow.Policy, enrolledAt time.Time) []model.Message {
	local := enrolledAt.In(policy.Location())

	due := make([]time.Time, len(c.Steps))
	for i, step := range c.Steps {
		days := model.CumulativeDelayDays(c.Steps, step.StepNumber)
		due[i] = policy.NextAllowed(local.AddDate(0, 0, days)).UTC()
	}

	msgs := make([]model.Message, 0, len(leadIDs)*len(c.Steps))
	for _, leadID := range leadIDs {
		for i, step := range c.Steps {
			msgs = append(msgs, model.Message{
				CampaignID:  c.ID,
				LeadID:      leadID,
				StepNumber:  step.StepNumber,
				Channel:     step.Channel(),
				ScheduledAt: due[i],
				Status:      model.MessagePending,
			})
		}
	}
	return msgs
}

// dedupe keeps the first occurrence of every id.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// RecomputeMetrics derives campaign metrics from its messages.
func RecomputeMetrics(msgs []model.Message) model.Metrics {
	var m model.Metrics
	for _, msg := range msgs {
		m = m.Add(msg.Status.Contribution())
	}
	return m
}
