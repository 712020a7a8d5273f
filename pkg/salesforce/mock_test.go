package salesforce

import (
	"context"
	"encoding/json"
)

// mockClient records calls and lets tests stub each operation.
type mockClient struct {
	queryFn      func(soql string, out any) error
	insertFn     func(obj string, rec map[string]any) (string, error)
	updateFn     func(obj, id string, fields map[string]any) error
	updateCollFn func(obj string, recs []CollectionRecord) ([]CollectionResult, error)

	queries []string
	inserts []map[string]any
	updates []map[string]any
	batches [][]CollectionRecord
}

func (m *mockClient) Query(_ context.Context, soql string, out any) error {
	m.queries = append(m.queries, soql)
	if m.queryFn != nil {
		return m.queryFn(soql, out)
	}
	return nil
}

func (m *mockClient) InsertOne(_ context.Context, obj string, rec map[string]any) (string, error) {
	m.inserts = append(m.inserts, rec)
	if m.insertFn != nil {
		return m.insertFn(obj, rec)
	}
	return "006new", nil
}

func (m *mockClient) UpdateOne(_ context.Context, obj, id string, fields map[string]any) error {
	m.updates = append(m.updates, fields)
	if m.updateFn != nil {
		return m.updateFn(obj, id, fields)
	}
	return nil
}

func (m *mockClient) UpdateCollection(_ context.Context, obj string, recs []CollectionRecord) ([]CollectionResult, error) {
	m.batches = append(m.batches, recs)
	if m.updateCollFn != nil {
		return m.updateCollFn(obj, recs)
	}
	out := make([]CollectionResult, len(recs))
	for i, r := range recs {
		out[i] = CollectionResult{ID: r.ID, Success: true}
	}
	return out, nil
}

// returnOpps fills the query destination with opps.
func returnOpps(opps ...Opportunity) func(string, any) error {
	return func(_ string, out any) error {
		b, _ := json.Marshal(opps)
		return json.Unmarshal(b, out)
	}
}
