package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

// ErrConflict is returned by conditional writes when the row no longer holds
// the expected state, i.e. another writer got there first.
var ErrConflict = eris.New("store: state changed concurrently")

// DealFilter specifies criteria for listing deals.
type DealFilter struct {
	Stage  model.Stage `json:"stage,omitempty"`
	LeadID *int64      `json:"lead_id,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

// Store defines the persistence interface for the outreach engine. Every
// multi-row state change happens inside one transaction.
type Store interface {
	// Leads and lists
	CreateLead(ctx context.Context, lead *model.Lead) error
	GetLead(ctx context.Context, id int64) (*model.Lead, error)
	GetLeads(ctx context.Context, ids []int64) (map[int64]model.Lead, error)
	MarkLeadResearching(ctx context.Context, id int64, at time.Time) error
	// ResetLeadResearch returns a lead still marked researching to none.
	ResetLeadResearch(ctx context.Context, id int64, at time.Time) error
	CreateLeadList(ctx context.Context, name string) (*model.LeadList, error)
	AddLeadsToList(ctx context.Context, listID int64, leadIDs []int64) error
	ListLeadIDs(ctx context.Context, listID int64) ([]int64, error)

	// Campaigns
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error)
	// TransitionCampaign moves a campaign from one status to another,
	// returning ErrConflict when it is no longer in from.
	TransitionCampaign(ctx context.Context, id string, from, to model.CampaignStatus, at time.Time) error
	// ScheduleCampaign transitions draft -> scheduled, records enrollment and
	// inserts msgs, ignoring any (campaign, lead, step) that already exists.
	// It returns the number of messages inserted.
	ScheduleCampaign(ctx context.Context, id string, enrolledAt time.Time, msgs []model.Message) (int, error)
	// CancelCampaign transitions from -> cancelled and fails every pending
	// message with reason. It returns the number of messages failed.
	CancelCampaign(ctx context.Context, id string, from model.CampaignStatus, reason string, at time.Time) (int, error)
	SetCampaignMetrics(ctx context.Context, id string, m model.Metrics) error

	// Messages
	InsertMessages(ctx context.Context, campaignID string, msgs []model.Message) (int, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error)
	ListMessages(ctx context.Context, campaignID string) ([]model.Message, error)
	// DueMessages returns pending messages due at now, oldest first.
	DueMessages(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Message, error)
	// CountSentSince counts messages whose send was accepted at or after since.
	CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error)
	// CountOutstanding counts messages still pending or sent after sentAfter
	// without confirmation.
	CountOutstanding(ctx context.Context, campaignID string, sentAfter time.Time) (int, error)
	// UpdateMessageStatus applies upd when the message is still in upd.From and
	// adjusts campaign metrics in the same transaction. It reports whether the
	// update was applied.
	UpdateMessageStatus(ctx context.Context, id string, upd model.MessageUpdate, at time.Time) (bool, error)
	RecordRetry(ctx context.Context, id string, upd model.RetryUpdate, at time.Time) error

	// Deals
	CreateDeal(ctx context.Context, d *model.Deal) error
	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error)
	// MoveDealStage updates the deal only when it is still at from and appends
	// act in the same transaction. Returns ErrConflict otherwise.
	MoveDealStage(ctx context.Context, d *model.Deal, from model.Stage, act *model.Activity) error
	AddActivity(ctx context.Context, act *model.Activity) error
	ListActivities(ctx context.Context, dealID string) ([]model.Activity, error)
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// CompleteTask marks an open task completed and appends act. Returns
	// ErrConflict when the task was already completed.
	CompleteTask(ctx context.Context, id string, at time.Time, act *model.Activity) error
	ListTasks(ctx context.Context, dealID string, includeCompleted bool) ([]model.Task, error)

	// Research batches
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context, status model.BatchStatus) ([]model.Batch, error)
	// StartBatch snapshots the batch's leads into items and transitions
	// draft -> running. A batch with no leads completes immediately.
	StartBatch(ctx context.Context, id string, at time.Time) (*model.Batch, error)
	PendingBatchItems(ctx context.Context, batchID string, limit int) ([]model.BatchItem, error)
	ListBatchItems(ctx context.Context, batchID string) ([]model.BatchItem, error)
	// SettleBatchItem records the outcome of one pending item, updates the lead
	// and the batch counters together, and completes the batch when every item
	// is settled. It reports false when the item was already settled.
	SettleBatchItem(ctx context.Context, batchID string, out model.ItemOutcome) (bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func notFound(entity, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
}

func stampNow(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

// campaignTimestampColumn names the lifecycle timestamp first recorded when a
// campaign enters status to, or "" when none is kept.
func campaignTimestampColumn(to model.CampaignStatus) string {
	switch to {
	case model.CampaignScheduled:
		return "enrolled_at"
	case model.CampaignRunning:
		return "started_at"
	case model.CampaignCompleted:
		return "completed_at"
	case model.CampaignCancelled:
		return "cancelled_at"
	}
	return ""
}
