package salesforce

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// maxBatchSize is the Collections API limit per request.
const maxBatchSize = 200

// ExternalIDField links an Opportunity to the engine's deal id.
const ExternalIDField = "Outreach_Deal_Id__c"

// Opportunity is the subset of Opportunity fields the engine reads.
type Opportunity struct {
	ID          string  `json:"Id" salesforce:"Id"`
	Name        string  `json:"Name" salesforce:"Name"`
	StageName   string  `json:"StageName" salesforce:"StageName"`
	Amount      float64 `json:"Amount" salesforce:"Amount"`
	Probability float64 `json:"Probability" salesforce:"Probability"`
	DealID      string  `json:"Outreach_Deal_Id__c" salesforce:"Outreach_Deal_Id__c"`
}

// OpportunityFields is what the engine writes.
type OpportunityFields struct {
	DealID      string
	Name        string
	StageName   string
	Amount      float64
	Probability int
	// CloseDate is YYYY-MM-DD; Salesforce requires it on insert.
	CloseDate string
}

func (f OpportunityFields) record() map[string]any {
	return map[string]any{
		"Name":          f.Name,
		"StageName":     f.StageName,
		"Amount":        f.Amount,
		"Probability":   f.Probability,
		"CloseDate":     f.CloseDate,
		ExternalIDField: f.DealID,
	}
}

// FindOpportunityByDealID returns the Opportunity linked to dealID, or nil.
func FindOpportunityByDealID(ctx context.Context, c Client, dealID string) (*Opportunity, error) {
	soql := "SELECT Id, Name, StageName, Amount, Probability, " + ExternalIDField +
		" FROM Opportunity WHERE " + ExternalIDField + " = '" + escapeSoql(dealID) + "' LIMIT 1"

	var opps []Opportunity
	if err := c.Query(ctx, soql, &opps); err != nil {
		return nil, eris.Wrapf(err, "sf: find opportunity for deal %s", dealID)
	}
	if len(opps) == 0 {
		return nil, nil
	}
	return &opps[0], nil
}

// UpsertOpportunity updates the Opportunity linked to f.DealID, creating it
// when none exists. It returns the Salesforce id.
func UpsertOpportunity(ctx context.Context, c Client, f OpportunityFields) (string, error) {
	if f.DealID == "" {
		return "", eris.New("sf: deal id is required")
	}
	existing, err := FindOpportunityByDealID(ctx, c, f.DealID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		fields := f.record()
		delete(fields, ExternalIDField)
		if f.CloseDate == "" {
			delete(fields, "CloseDate")
		}
		if err := c.UpdateOne(ctx, "Opportunity", existing.ID, fields); err != nil {
			return "", eris.Wrapf(err, "sf: update opportunity for deal %s", f.DealID)
		}
		return existing.ID, nil
	}
	if f.Name == "" || f.CloseDate == "" {
		return "", eris.New("sf: opportunity Name and CloseDate are required")
	}
	id, err := c.InsertOne(ctx, "Opportunity", f.record())
	if err != nil {
		return "", eris.Wrapf(err, "sf: create opportunity for deal %s", f.DealID)
	}
	return id, nil
}

// OpportunityUpdate holds an Opportunity id and the fields to set.
type OpportunityUpdate struct {
	ID     string
	Fields map[string]any
}

// BulkUpdateOpportunities sends updates in batches of 200.
func BulkUpdateOpportunities(ctx context.Context, c Client, updates []OpportunityUpdate) ([]CollectionResult, error) {
	var all []CollectionResult
	for start := 0; start < len(updates); start += maxBatchSize {
		end := min(start+maxBatchSize, len(updates))
		records := make([]CollectionRecord, 0, end-start)
		for _, u := range updates[start:end] {
			records = append(records, CollectionRecord(u))
		}
		results, err := c.UpdateCollection(ctx, "Opportunity", records)
		if err != nil {
			return all, eris.Wrapf(err, "sf: bulk update opportunities %d-%d", start, end)
		}
		all = append(all, results...)
	}
	return all, nil
}

// escapeSoql escapes single quotes in SOQL string literals.
func escapeSoql(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`)
}
