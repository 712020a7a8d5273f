package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const pgDealColumns = `id, title, lead_id, stage, value, probability, weighted_value, assigned_to, created_at, updated_at`

const pgTaskColumns = `id, deal_id, title, due_date, completed, completed_at, created_at`

func (s *PostgresStore) CreateDeal(ctx context.Context, d *model.Deal) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	stampNow(&d.CreatedAt)
	d.UpdatedAt = d.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO deals (`+pgDealColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Title, d.LeadID, string(d.Stage), d.Value, d.Probability, d.WeightedValue, d.AssignedTo,
		d.CreatedAt, d.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert deal")
}

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	d, err := scanPgDeal(s.pool.QueryRow(ctx, `SELECT `+pgDealColumns+` FROM deals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("deal", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get deal %s", id)
	}
	return d, nil
}

func (s *PostgresStore) ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var stage *string
	if filter.Stage != "" {
		v := string(filter.Stage)
		stage = &v
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgDealColumns+` FROM deals
		 WHERE ($1::text IS NULL OR stage = $1) AND ($2::bigint IS NULL OR lead_id = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		stage, filter.LeadID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deals")
	}
	defer rows.Close()

	var out []model.Deal
	for rows.Next() {
		d, err := scanPgDeal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan deal")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate deals")
}

func (s *PostgresStore) MoveDealStage(ctx context.Context, d *model.Deal, from model.Stage, act *model.Activity) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE deals SET stage = $1, probability = $2, weighted_value = $3, updated_at = $4
			 WHERE id = $5 AND stage = $6`,
			string(d.Stage), d.Probability, d.WeightedValue, d.UpdatedAt, d.ID, string(from),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: move deal %s", d.ID)
		}
		if tag.RowsAffected() == 0 {
			ok, err := rowExists(ctx, tx, `SELECT 1 FROM deals WHERE id = $1`, d.ID)
			if err != nil {
				return err
			}
			if !ok {
				return notFound("deal", d.ID)
			}
			return ErrConflict
		}
		return pgInsertActivity(ctx, tx, act)
	})
}

func (s *PostgresStore) AddActivity(ctx context.Context, act *model.Activity) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return pgInsertActivity(ctx, tx, act)
	})
}

func pgInsertActivity(ctx context.Context, tx pgx.Tx, act *model.Activity) error {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	stampNow(&act.CreatedAt)
	var meta []byte
	if len(act.Metadata) > 0 {
		b, err := json.Marshal(act.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal activity metadata")
		}
		meta = b
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO activities (id, deal_id, type, description, metadata, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		act.ID, act.DealID, string(act.Type), act.Description, meta, act.CreatedBy, act.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert activity for deal %s", act.DealID)
}

func (s *PostgresStore) ListActivities(ctx context.Context, dealID string) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, deal_id, type, description, metadata, created_by, created_at
		 FROM activities WHERE deal_id = $1 ORDER BY created_at`, dealID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list activities")
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var meta []byte
		if err := rows.Scan(&a.ID, &a.DealID, &a.Type, &a.Description, &meta, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		if meta != nil {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal activity metadata")
			}
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate activities")
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	stampNow(&task.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (`+pgTaskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, task.DealID, task.Title, task.DueDate, task.Completed, task.CompletedAt, task.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert task")
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	return t, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id string, at time.Time, act *model.Activity) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tasks SET completed = true, completed_at = $1 WHERE id = $2 AND NOT completed`, at, id)
		if err != nil {
			return eris.Wrapf(err, "postgres: complete task %s", id)
		}
		if tag.RowsAffected() == 0 {
			ok, err := rowExists(ctx, tx, `SELECT 1 FROM tasks WHERE id = $1`, id)
			if err != nil {
				return err
			}
			if !ok {
				return notFound("task", id)
			}
			return ErrConflict
		}
		if act == nil {
			return nil
		}
		return pgInsertActivity(ctx, tx, act)
	})
}

func (s *PostgresStore) ListTasks(ctx context.Context, dealID string, includeCompleted bool) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks
		 WHERE deal_id = $1 AND ($2 OR NOT completed)
		 ORDER BY due_date NULLS LAST, created_at`,
		dealID, includeCompleted,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func scanPgDeal(row pgx.Row) (*model.Deal, error) {
	var d model.Deal
	err := row.Scan(&d.ID, &d.Title, &d.LeadID, &d.Stage, &d.Value, &d.Probability, &d.WeightedValue,
		&d.AssignedTo, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanPgTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.DealID, &t.Title, &t.DueDate, &t.Completed, &t.CompletedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
