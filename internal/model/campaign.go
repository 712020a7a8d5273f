package model

import (
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// CampaignAction is a lifecycle operation requested on a campaign.
type CampaignAction string

const (
	ActionSchedule CampaignAction = "schedule"
	ActionStart    CampaignAction = "start"
	ActionPause    CampaignAction = "pause"
	ActionCancel   CampaignAction = "cancel"
	ActionComplete CampaignAction = "complete"
)

// campaignTransitions is the only definition of the campaign lifecycle.
var campaignTransitions = map[CampaignAction]map[CampaignStatus]CampaignStatus{
	ActionSchedule: {
		CampaignDraft: CampaignScheduled,
	},
	ActionStart: {
		CampaignScheduled: CampaignRunning,
		CampaignPaused:    CampaignRunning,
	},
	ActionPause: {
		CampaignRunning: CampaignPaused,
	},
	ActionCancel: {
		CampaignDraft:     CampaignCancelled,
		CampaignScheduled: CampaignCancelled,
		CampaignRunning:   CampaignCancelled,
		CampaignPaused:    CampaignCancelled,
	},
	ActionComplete: {
		CampaignRunning: CampaignCompleted,
	},
}

// NextCampaignStatus returns the state reached by applying action to current.
func NextCampaignStatus(current CampaignStatus, action CampaignAction) (CampaignStatus, bool) {
	next, ok := campaignTransitions[action][current]
	return next, ok
}

// AllowedCampaignActions lists the operator actions legal from status, in a
// stable order. The automatic complete action is not included.
func AllowedCampaignActions(status CampaignStatus) []CampaignAction {
	var out []CampaignAction
	for _, a := range []CampaignAction{ActionSchedule, ActionStart, ActionPause, ActionCancel} {
		if _, ok := campaignTransitions[a][status]; ok {
			out = append(out, a)
		}
	}
	return out
}

// SendSettings controls when and how fast a campaign sends.
type SendSettings struct {
	DailyLimit      int    `json:"daily_limit" yaml:"daily_limit"`
	SendWindowStart string `json:"send_window_start" yaml:"send_window_start"`
	SendWindowEnd   string `json:"send_window_end" yaml:"send_window_end"`
	Timezone        string `json:"timezone" yaml:"timezone"`
	SkipWeekends    bool   `json:"skip_weekends" yaml:"skip_weekends"`
}

// Metrics is the campaign read model over its messages. Each counter is the
// number of messages whose current status falls in that bucket; see
// MessageStatus.Contribution.
type Metrics struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Replied   int `json:"replied"`
	Bounced   int `json:"bounced"`
	Failed    int `json:"failed"`
}

// Add returns m + o.
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		Pending:   m.Pending + o.Pending,
		Sent:      m.Sent + o.Sent,
		Delivered: m.Delivered + o.Delivered,
		Opened:    m.Opened + o.Opened,
		Clicked:   m.Clicked + o.Clicked,
		Replied:   m.Replied + o.Replied,
		Bounced:   m.Bounced + o.Bounced,
		Failed:    m.Failed + o.Failed,
	}
}

// Scale returns m with every counter multiplied by n.
func (m Metrics) Scale(n int) Metrics {
	return Metrics{
		Pending:   m.Pending * n,
		Sent:      m.Sent * n,
		Delivered: m.Delivered * n,
		Opened:    m.Opened * n,
		Clicked:   m.Clicked * n,
		Replied:   m.Replied * n,
		Bounced:   m.Bounced * n,
		Failed:    m.Failed * n,
	}
}

// Campaign is the outreach aggregate.
type Campaign struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required,max=200"`
	Channel     Channel        `json:"channel"`
	Steps       []SequenceStep `json:"steps"`
	Settings    SendSettings   `json:"settings"`
	LeadListID  *int64         `json:"lead_list_id,omitempty"`
	LeadIDs     []int64        `json:"lead_ids,omitempty"`
	Status      CampaignStatus `json:"status"`
	Metrics     Metrics        `json:"metrics"`
	EnrolledAt  *time.Time     `json:"enrolled_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Step returns the step with the given number.
func (c *Campaign) Step(n int) (SequenceStep, bool) {
	if n < 1 || n > len(c.Steps) {
		return SequenceStep{}, false
	}
	return c.Steps[n-1], true
}
