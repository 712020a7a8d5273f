package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSFClient(t *testing.T, handler http.Handler, opts ...ClientOption) Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	return NewClient(sf, opts...)
}

func TestSFClient_Query(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/query")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"totalSize": 1,
			"done":      true,
			"records": []map[string]any{{
				"attributes":          map[string]any{"type": "Opportunity"},
				"Id":                  "006xx",
				"Name":                "Acme",
				"StageName":           "Prospecting",
				"Amount":              5000,
				"Outreach_Deal_Id__c": "d-1",
			}},
		})
	}))

	opp, err := FindOpportunityByDealID(context.Background(), client, "d-1")
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, "006xx", opp.ID)
	assert.Equal(t, 5000.0, opp.Amount)
	assert.Equal(t, "d-1", opp.DealID)
}

func TestSFClient_Query_Error(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "invalid SOQL", "errorCode": "MALFORMED_QUERY"},
		})
	}))

	var opps []Opportunity
	err := client.Query(context.Background(), "INVALID", &opps)
	assert.ErrorContains(t, err, "sf: query")
}

func TestSFClient_InsertOne(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "006new", "success": true, "errors": []any{}})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	id, err := client.InsertOne(context.Background(), "Opportunity", map[string]any{"Name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "006new", id)
}

func TestSFClient_InsertOne_Failure(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "",
			"success": false,
			"errors":  []map[string]any{{"message": "required field missing"}},
		})
	}))

	_, err := client.InsertOne(context.Background(), "Opportunity", map[string]any{})
	assert.ErrorContains(t, err, "insert Opportunity failed")
}

func TestSFClient_UpdateOne(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	fields := map[string]any{"StageName": "Closed Won"}
	err := client.UpdateOne(context.Background(), "Opportunity", "006xx", fields)
	require.NoError(t, err)
	assert.NotContains(t, fields, "Id")
}

func TestSFClient_UpdateOne_Error(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{{"message": "invalid field", "errorCode": "INVALID_FIELD"}})
	}))

	err := client.UpdateOne(context.Background(), "Opportunity", "006xx", map[string]any{"Bad": "x"})
	assert.ErrorContains(t, err, "sf: update")
}

func TestSFClient_UpdateCollection(t *testing.T) {
	client := newTestSFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": "006a", "success": true, "errors": []any{}},
				{"id": "006b", "success": true, "errors": []any{}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	results, err := client.UpdateCollection(context.Background(), "Opportunity", []CollectionRecord{
		{ID: "006a", Fields: map[string]any{"StageName": "Qualification"}},
		{ID: "006b", Fields: map[string]any{"StageName": "Qualification"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, "006a", results[0].ID)
}

func TestSFClient_RateLimitHonorsContext(t *testing.T) {
	client := newTestSFClient(t, http.NotFoundHandler(), WithRateLimit(0.001))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var opps []Opportunity
	err := client.Query(ctx, "SELECT Id FROM Opportunity", &opps)
	assert.ErrorContains(t, err, "sf: rate limit")
}

func TestConnect_RequiresClientID(t *testing.T) {
	_, err := Connect(Credentials{})
	assert.ErrorContains(t, err, "client id is required")
}

func TestConnect_MissingKey(t *testing.T) {
	_, err := Connect(Credentials{ClientID: "cid", KeyPath: t.TempDir() + "/missing.pem"})
	assert.ErrorContains(t, err, "read JWT private key")
}
