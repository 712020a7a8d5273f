// Package salesforce mirrors the deal pipeline into Salesforce Opportunities
// over the REST API.
package salesforce

import (
	"context"
	"maps"
	"os"
	"strings"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the sObject surface deal sync needs.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error)
	UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error
	UpdateCollection(ctx context.Context, sObjectName string, records []CollectionRecord) ([]CollectionResult, error)
}

// CollectionRecord is one record in a collection update.
type CollectionRecord struct {
	ID     string
	Fields map[string]any
}

// CollectionResult is the per-record outcome of a collection update.
type CollectionResult struct {
	ID      string
	Success bool
	Errors  []string
}

// Credentials configures the OAuth JWT bearer flow.
type Credentials struct {
	LoginURL string
	Username string
	ClientID string
	KeyPath  string
}

// ClientOption configures the client.
type ClientOption func(*restClient)

// WithRateLimit caps API calls per second. Non-positive values disable the cap.
func WithRateLimit(rps float64) ClientOption {
	return func(c *restClient) {
		if rps <= 0 {
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

// restClient adapts go-salesforce, which takes no context. ctx bounds only
// the limiter wait.
type restClient struct {
	sf      *salesforce.Salesforce
	limiter *rate.Limiter
}

// NewClient wraps an authenticated go-salesforce session.
func NewClient(sf *salesforce.Salesforce, opts ...ClientOption) Client {
	c := &restClient{sf: sf}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect signs in with the JWT bearer flow.
func Connect(creds Credentials, opts ...ClientOption) (Client, error) {
	if strings.TrimSpace(creds.ClientID) == "" {
		return nil, eris.New("sf: client id is required")
	}
	key, err := os.ReadFile(creds.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "sf: read JWT private key")
	}
	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         creds.LoginURL,
		Username:       creds.Username,
		ConsumerKey:    creds.ClientID,
		ConsumerRSAPem: string(key),
	})
	if err != nil {
		return nil, eris.Wrap(err, "sf: authenticate")
	}
	return NewClient(sf, opts...), nil
}

// do waits for a rate limit token and runs fn, wrapping its error with op.
func (c *restClient) do(ctx context.Context, op string, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrapf(err, "sf: rate limit before %s", op)
		}
	}
	if err := fn(); err != nil {
		return eris.Wrap(err, "sf: "+op)
	}
	return nil
}

// withID copies fields and sets Id, leaving the caller's map untouched.
func withID(id string, fields map[string]any) map[string]any {
	rec := make(map[string]any, len(fields)+1)
	maps.Copy(rec, fields)
	rec["Id"] = id
	return rec
}

func (c *restClient) Query(ctx context.Context, soql string, out any) error {
	return c.do(ctx, "query", func() error { return c.sf.Query(soql, out) })
}

func (c *restClient) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	var id string
	err := c.do(ctx, "insert "+sObjectName, func() error {
		res, err := c.sf.InsertOne(sObjectName, record)
		if err != nil {
			return err
		}
		if !res.Success {
			return eris.Errorf("insert %s failed: %v", sObjectName, res.Errors)
		}
		id = res.Id
		return nil
	})
	return id, err
}

func (c *restClient) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	return c.do(ctx, "update "+sObjectName+" "+id, func() error {
		return c.sf.UpdateOne(sObjectName, withID(id, fields))
	})
}

func (c *restClient) UpdateCollection(ctx context.Context, sObjectName string, records []CollectionRecord) ([]CollectionResult, error) {
	var results []CollectionResult
	err := c.do(ctx, "update collection "+sObjectName, func() error {
		recs := make([]map[string]any, 0, len(records))
		for _, r := range records {
			recs = append(recs, withID(r.ID, r.Fields))
		}
		res, err := c.sf.UpdateCollection(sObjectName, recs, maxBatchSize)
		if err != nil {
			return err
		}
		results = make([]CollectionResult, 0, len(res.Results))
		for _, r := range res.Results {
			cr := CollectionResult{ID: r.Id, Success: r.Success}
			for _, e := range r.Errors {
				cr.Errors = append(cr.Errors, e.Message)
			}
			results = append(results, cr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
