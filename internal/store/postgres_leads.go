package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const pgLeadColumns = `id, first_name, last_name, email, linkedin_url, company, title, industry,
	website, firm_size, source, research_status, research, created_at, updated_at`

func (s *PostgresStore) CreateLead(ctx context.Context, lead *model.Lead) error {
	stampNow(&lead.CreatedAt)
	lead.UpdatedAt = lead.CreatedAt
	if lead.ResearchStatus == "" {
		lead.ResearchStatus = model.ResearchNone
	}
	research, err := researchJSON(lead.Research)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO leads (first_name, last_name, email, linkedin_url, company, title, industry,
			website, firm_size, source, research_status, research, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		lead.FirstName, lead.LastName, lead.Email, lead.LinkedInURL, lead.Company, lead.Title,
		lead.Industry, lead.Website, lead.FirmSize, lead.Source, string(lead.ResearchStatus), research,
		lead.CreatedAt, lead.UpdatedAt,
	).Scan(&lead.ID)
	return eris.Wrap(err, "postgres: insert lead")
}

func (s *PostgresStore) GetLead(ctx context.Context, id int64) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx, `SELECT `+pgLeadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("lead", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %d", id)
	}
	return l, nil
}

func (s *PostgresStore) GetLeads(ctx context.Context, ids []int64) (map[int64]model.Lead, error) {
	out := make(map[int64]model.Lead, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgLeadColumns+` FROM leads WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get leads")
	}
	defer rows.Close()

	for rows.Next() {
		l, err := scanPgLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out[l.ID] = *l
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

func (s *PostgresStore) MarkLeadResearching(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET research_status = $1, updated_at = $2 WHERE id = $3`,
		string(model.ResearchResearching), at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark lead researching %d", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("lead", strconv.FormatInt(id, 10))
	}
	return nil
}

func (s *PostgresStore) ResetLeadResearch(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE leads SET research_status = $1, updated_at = $2 WHERE id = $3 AND research_status = $4`,
		string(model.ResearchNone), at, id, string(model.ResearchResearching),
	)
	return eris.Wrapf(err, "postgres: reset lead research %d", id)
}

func (s *PostgresStore) CreateLeadList(ctx context.Context, name string) (*model.LeadList, error) {
	l := &model.LeadList{Name: name, CreatedAt: time.Now().UTC()}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO lead_lists (name, created_at) VALUES ($1, $2) RETURNING id`, name, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert lead list")
	}
	return l, nil
}

func (s *PostgresStore) AddLeadsToList(ctx context.Context, listID int64, leadIDs []int64) error {
	if len(leadIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lead_list_members (list_id, lead_id, position)
		 SELECT $1, ids.lead_id,
			(SELECT COALESCE(MAX(position), 0) FROM lead_list_members WHERE list_id = $1) + ids.ord
		 FROM unnest($2::bigint[]) WITH ORDINALITY AS ids(lead_id, ord)
		 ON CONFLICT (list_id, lead_id) DO NOTHING`,
		listID, leadIDs,
	)
	return eris.Wrapf(err, "postgres: add leads to list %d", listID)
}

func (s *PostgresStore) ListLeadIDs(ctx context.Context, listID int64) ([]int64, error) {
	return pgInt64s(ctx, s.pool,
		`SELECT lead_id FROM lead_list_members WHERE list_id = $1 ORDER BY position`, listID)
}

type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgInt64s(ctx context.Context, q pgQueryer, query string, args ...any) ([]int64, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query ids")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate ids")
}

func scanPgLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var research []byte
	err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.LinkedInURL, &l.Company, &l.Title,
		&l.Industry, &l.Website, &l.FirmSize, &l.Source, &l.ResearchStatus, &research,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if research != nil {
		l.Research = &model.LeadResearch{}
		if err := json.Unmarshal(research, l.Research); err != nil {
			return nil, eris.Wrap(err, "unmarshal research")
		}
	}
	return &l, nil
}

// researchJSON encodes research for a JSONB column; nil stays NULL.
func researchJSON(r *model.LeadResearch) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	return b, eris.Wrap(err, "marshal research")
}
