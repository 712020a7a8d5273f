package model

import (
	"time"
)

// MessageStatus is the delivery state of one scheduled message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageOpened    MessageStatus = "opened"
	MessageClicked   MessageStatus = "clicked"
	MessageReplied   MessageStatus = "replied"
	MessageBounced   MessageStatus = "bounced"
	MessageFailed    MessageStatus = "failed"
)

// engagementRank orders the forward-only engagement path.
var engagementRank = map[MessageStatus]int{
	MessageSent:      1,
	MessageDelivered: 2,
	MessageOpened:    3,
	MessageClicked:   4,
	MessageReplied:   5,
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessagePending, MessageBounced, MessageFailed:
		return true
	}
	_, ok := engagementRank[s]
	return ok
}

// Terminal reports whether the message needs no further processing for
// campaign completion purposes. Sent is not terminal: it awaits confirmation.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageDelivered, MessageOpened, MessageClicked, MessageReplied, MessageBounced, MessageFailed:
		return true
	}
	return false
}

// CanAdvance reports whether an event may move a message from s to next.
// Engagement only moves forward; bounced is reachable from sent or delivered;
// bounced and failed are final.
func (s MessageStatus) CanAdvance(next MessageStatus) bool {
	switch {
	case s == MessageBounced || s == MessageFailed:
		return false
	case next == MessageBounced:
		return s == MessageSent || s == MessageDelivered
	case s == MessagePending:
		return next == MessageSent || next == MessageFailed
	}
	cur, ok1 := engagementRank[s]
	nxt, ok2 := engagementRank[next]
	return ok1 && ok2 && nxt > cur
}

// Contribution is the metrics footprint of one message in status s. The
// engagement buckets are a funnel: a message counts in every stage up to the
// one it reached, so replied also counts as clicked. A bounce retracts
// delivery but the message still counts as sent.
func (s MessageStatus) Contribution() Metrics {
	switch s {
	case MessagePending:
		return Metrics{Pending: 1}
	case MessageSent:
		return Metrics{Sent: 1}
	case MessageDelivered:
		return Metrics{Sent: 1, Delivered: 1}
	case MessageOpened:
		return Metrics{Sent: 1, Delivered: 1, Opened: 1}
	case MessageClicked:
		return Metrics{Sent: 1, Delivered: 1, Opened: 1, Clicked: 1}
	case MessageReplied:
		return Metrics{Sent: 1, Delivered: 1, Opened: 1, Clicked: 1, Replied: 1}
	case MessageBounced:
		return Metrics{Sent: 1, Bounced: 1}
	case MessageFailed:
		return Metrics{Failed: 1}
	}
	return Metrics{}
}

// MetricsDelta is the change in campaign metrics when one message moves from
// one status to another.
func MetricsDelta(from, to MessageStatus) Metrics {
	return to.Contribution().Add(from.Contribution().Scale(-1))
}

// Message is one concrete (campaign, lead, step) send.
type Message struct {
	ID                string        `json:"id"`
	CampaignID        string        `json:"campaign_id"`
	LeadID            int64         `json:"lead_id"`
	StepNumber        int           `json:"step_number"`
	Channel           Channel       `json:"channel"`
	ScheduledAt       time.Time     `json:"scheduled_at"`
	Status            MessageStatus `json:"status"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Attempts          int           `json:"attempts"`
	NextAttemptAt     *time.Time    `json:"next_attempt_at,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// MessageUpdate describes a status change applied by the store. Only
// non-nil/non-empty fields are written besides Status.
type MessageUpdate struct {
	From              MessageStatus
	To                MessageStatus
	SentAt            *time.Time
	ProviderMessageID string
	Error             string
}

// RetryUpdate records a transient failure on a still-pending message.
type RetryUpdate struct {
	NextAttemptAt time.Time
	Error         string
}
