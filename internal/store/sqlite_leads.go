package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const sqliteLeadColumns = `id, first_name, last_name, email, linkedin_url, company, title, industry,
	website, firm_size, source, research_status, research, created_at, updated_at`

func (s *SQLiteStore) CreateLead(ctx context.Context, lead *model.Lead) error {
	stampNow(&lead.CreatedAt)
	lead.UpdatedAt = lead.CreatedAt
	if lead.ResearchStatus == "" {
		lead.ResearchStatus = model.ResearchNone
	}
	research, err := marshalResearch(lead.Research)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (first_name, last_name, email, linkedin_url, company, title, industry,
			website, firm_size, source, research_status, research, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.FirstName, lead.LastName, lead.Email, lead.LinkedInURL, lead.Company, lead.Title,
		lead.Industry, lead.Website, lead.FirmSize, lead.Source, string(lead.ResearchStatus), research,
		dbTime(lead.CreatedAt), dbTime(lead.UpdatedAt),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert lead")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: lead id")
	}
	lead.ID = id
	return nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id int64) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLeadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanSQLiteLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("lead", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %d", id)
	}
	return l, nil
}

func (s *SQLiteStore) GetLeads(ctx context.Context, ids []int64) (map[int64]model.Lead, error) {
	out := make(map[int64]model.Lead, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteLeadColumns+` FROM leads WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get leads")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		out[l.ID] = *l
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func (s *SQLiteStore) MarkLeadResearching(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET research_status = ?, updated_at = ? WHERE id = ?`,
		string(model.ResearchResearching), dbTime(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark lead researching %d", id)
	}
	return checkRowsAffected(res, "lead", strconv.FormatInt(id, 10))
}

func (s *SQLiteStore) ResetLeadResearch(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET research_status = ?, updated_at = ? WHERE id = ? AND research_status = ?`,
		string(model.ResearchNone), dbTime(at), id, string(model.ResearchResearching),
	)
	return eris.Wrapf(err, "sqlite: reset lead research %d", id)
}

func (s *SQLiteStore) CreateLeadList(ctx context.Context, name string) (*model.LeadList, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_lists (name, created_at) VALUES (?, ?)`, name, dbTime(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert lead list")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lead list id")
	}
	return &model.LeadList{ID: id, Name: name, CreatedAt: now}, nil
}

func (s *SQLiteStore) AddLeadsToList(ctx context.Context, listID int64, leadIDs []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) FROM lead_list_members WHERE list_id = ?`, listID,
		).Scan(&next)
		if err != nil {
			return eris.Wrapf(err, "sqlite: list %d position", listID)
		}
		for _, leadID := range leadIDs {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO lead_list_members (list_id, lead_id, position) VALUES (?, ?, ?)
				 ON CONFLICT (list_id, lead_id) DO NOTHING`,
				listID, leadID, next+1,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: add lead %d to list %d", leadID, listID)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				next++
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListLeadIDs(ctx context.Context, listID int64) ([]int64, error) {
	return queryInt64s(ctx, s.db,
		`SELECT lead_id FROM lead_list_members WHERE list_id = ? ORDER BY position`, listID)
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryInt64s(ctx context.Context, q sqlQueryer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query ids")
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate ids")
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var research sql.NullString
	err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.LinkedInURL, &l.Company, &l.Title,
		&l.Industry, &l.Website, &l.FirmSize, &l.Source, &l.ResearchStatus, &research,
		timeCol{&l.CreatedAt}, timeCol{&l.UpdatedAt})
	if err != nil {
		return nil, err
	}
	if research.Valid {
		l.Research = &model.LeadResearch{}
		if err := json.Unmarshal([]byte(research.String), l.Research); err != nil {
			return nil, eris.Wrap(err, "unmarshal research")
		}
	}
	return &l, nil
}

func marshalResearch(r *model.LeadResearch) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "marshal research")
	}
	return string(b), nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
