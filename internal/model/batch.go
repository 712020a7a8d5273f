package model

import "time"

// BatchStatus is the lifecycle state of a research batch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
)

// BatchError records why one lead failed enrichment.
type BatchError struct {
	LeadID int64  `json:"lead_id"`
	Error  string `json:"error"`
}

// Batch is a research run over a snapshot of leads.
type Batch struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	ListID         *int64       `json:"list_id,omitempty"`
	Status         BatchStatus  `json:"status"`
	TotalLeads     int          `json:"total_leads"`
	ProcessedLeads int          `json:"processed_leads"`
	FailedLeads    int          `json:"failed_leads"`
	TotalCostUSD   float64      `json:"total_cost_usd"`
	Errors         []BatchError `json:"errors"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// Done reports whether every snapshotted item has been settled.
func (b *Batch) Done() bool {
	return b.Status == BatchRunning && b.ProcessedLeads >= b.TotalLeads
}

// BatchItemStatus is the state of one lead within a batch.
type BatchItemStatus string

const (
	ItemPending   BatchItemStatus = "pending"
	ItemSucceeded BatchItemStatus = "succeeded"
	ItemFailed    BatchItemStatus = "failed"
)

// BatchItem is the snapshot entry for one lead. Position fixes processing order.
type BatchItem struct {
	BatchID  string          `json:"batch_id"`
	LeadID   int64           `json:"lead_id"`
	Position int             `json:"position"`
	Status   BatchItemStatus `json:"status"`
	CostUSD  float64         `json:"cost_usd"`
	Error    string          `json:"error,omitempty"`
}

// ItemOutcome settles one batch item.
type ItemOutcome struct {
	LeadID   int64
	Success  bool
	Research *LeadResearch
	CostUSD  float64
	Error    string
	At       time.Time
}
