package deal

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-engine/internal/model"
	"github.com/sells-group/outreach-engine/pkg/salesforce"
)

// defaultCloseDays sets CloseDate on new opportunities relative to deal creation.
const defaultCloseDays = 90

var opportunityStages = map[model.Stage]string{
	model.StageLead:           "Prospecting",
	model.StageMQL:            "Prospecting",
	model.StageSQL:            "Qualification",
	model.StageDiscovery:      "Needs Analysis",
	model.StageAIBADiagnostic: "Value Proposition",
	model.StageProposalSent:   "Proposal/Price Quote",
	model.StageNegotiation:    "Negotiation/Review",
	model.StageClosedWon:      "Closed Won",
	model.StageClosedLost:     "Closed Lost",
}

// OpportunityStage maps a pipeline stage to a standard Opportunity StageName.
func OpportunityStage(s model.Stage) string {
	return opportunityStages[s]
}

// SalesforceSync mirrors deals to Salesforce Opportunities keyed by deal id.
type SalesforceSync struct {
	client salesforce.Client
}

// NewSalesforceSync creates a Syncer backed by c.
func NewSalesforceSync(c salesforce.Client) *SalesforceSync {
	return &SalesforceSync{client: c}
}

func opportunityFields(d model.Deal) salesforce.OpportunityFields {
	return salesforce.OpportunityFields{
		DealID:      d.ID,
		Name:        d.Title,
		StageName:   OpportunityStage(d.Stage),
		Amount:      d.Value,
		Probability: d.Probability,
		CloseDate:   d.CreatedAt.AddDate(0, 0, defaultCloseDays).Format("2006-01-02"),
	}
}

// SyncDeal upserts the Opportunity for d.
func (s *SalesforceSync) SyncDeal(ctx context.Context, d model.Deal) error {
	id, err := salesforce.UpsertOpportunity(ctx, s.client, opportunityFields(d))
	if err != nil {
		return err
	}
	zap.L().Debug("deal: opportunity synced", zap.String("deal_id", d.ID), zap.String("opportunity_id", id))
	return nil
}

// SyncAll reconciles many deals: linked opportunities are updated in
// collection batches and missing ones are created. It returns the number of
// records Salesforce accepted.
func (s *SalesforceSync) SyncAll(ctx context.Context, deals []model.Deal) (int, error) {
	var updates []salesforce.OpportunityUpdate
	synced := 0
	for _, d := range deals {
		opp, err := salesforce.FindOpportunityByDealID(ctx, s.client, d.ID)
		if err != nil {
			return synced, err
		}
		if opp == nil {
			if _, err := salesforce.UpsertOpportunity(ctx, s.client, opportunityFields(d)); err != nil {
				zap.L().Warn("deal: create opportunity failed", zap.String("deal_id", d.ID), zap.Error(err))
				continue
			}
			synced++
			continue
		}
		updates = append(updates, salesforce.OpportunityUpdate{
			ID: opp.ID,
			Fields: map[string]any{
				"Name":        d.Title,
				"StageName":   OpportunityStage(d.Stage),
				"Amount":      d.Value,
				"Probability": d.Probability,
			},
		})
	}

	results, err := salesforce.BulkUpdateOpportunities(ctx, s.client, updates)
	for _, r := range results {
		if r.Success {
			synced++
			continue
		}
		zap.L().Warn("deal: opportunity update rejected", zap.String("opportunity_id", r.ID), zap.Strings("errors", r.Errors))
	}
	if err != nil {
		return synced, eris.Wrap(err, "deal: bulk sync")
	}
	return synced, nil
}
