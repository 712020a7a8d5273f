package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const sqliteDealColumns = `id, title, lead_id, stage, value, probability, weighted_value, assigned_to, created_at, updated_at`

func (s *SQLiteStore) CreateDeal(ctx context.Context, d *model.Deal) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	stampNow(&d.CreatedAt)
	d.UpdatedAt = d.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deals (`+sqliteDealColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.LeadID, string(d.Stage), d.Value, d.Probability, d.WeightedValue, d.AssignedTo,
		dbTime(d.CreatedAt), dbTime(d.UpdatedAt),
	)
	return eris.Wrap(err, "sqlite: insert deal")
}

func (s *SQLiteStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	d, err := scanSQLiteDeal(s.db.QueryRowContext(ctx, `SELECT `+sqliteDealColumns+` FROM deals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("deal", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get deal %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error) {
	query := `SELECT ` + sqliteDealColumns + ` FROM deals WHERE 1 = 1`
	var args []any
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.LeadID != nil {
		query += ` AND lead_id = ?`
		args = append(args, *filter.LeadID)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Deal
	for rows.Next() {
		d, err := scanSQLiteDeal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deal")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate deals")
}

func (s *SQLiteStore) MoveDealStage(ctx context.Context, d *model.Deal, from model.Stage, act *model.Activity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE deals SET stage = ?, probability = ?, weighted_value = ?, updated_at = ?
			 WHERE id = ? AND stage = ?`,
			string(d.Stage), d.Probability, d.WeightedValue, dbTime(d.UpdatedAt), d.ID, string(from),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: move deal %s", d.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM deals WHERE id = ?`, d.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("deal", d.ID)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: check deal %s", d.ID)
			}
			return ErrConflict
		}
		return sqliteInsertActivity(ctx, tx, act)
	})
}

func (s *SQLiteStore) AddActivity(ctx context.Context, act *model.Activity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteInsertActivity(ctx, tx, act)
	})
}

func sqliteInsertActivity(ctx context.Context, tx *sql.Tx, act *model.Activity) error {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	stampNow(&act.CreatedAt)
	var meta any
	if len(act.Metadata) > 0 {
		b, err := json.Marshal(act.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal activity metadata")
		}
		meta = string(b)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO activities (id, deal_id, type, description, metadata, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		act.ID, act.DealID, string(act.Type), act.Description, meta, act.CreatedBy, dbTime(act.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert activity for deal %s", act.DealID)
}

func (s *SQLiteStore) ListActivities(ctx context.Context, dealID string) ([]model.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deal_id, type, description, metadata, created_by, created_at
		 FROM activities WHERE deal_id = ? ORDER BY created_at, rowid`, dealID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list activities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var meta sql.NullString
		if err := rows.Scan(&a.ID, &a.DealID, &a.Type, &a.Description, &meta, &a.CreatedBy, timeCol{&a.CreatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activity")
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal activity metadata")
			}
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate activities")
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	stampNow(&task.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, deal_id, title, due_date, completed, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.DealID, task.Title, dbNullTime(task.DueDate), task.Completed,
		dbNullTime(task.CompletedAt), dbTime(task.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert task")
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx,
		`SELECT id, deal_id, title, due_date, completed, completed_at, created_at FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, at time.Time, act *model.Activity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET completed = 1, completed_at = ? WHERE id = ? AND completed = 0`,
			dbTime(at), id,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: complete task %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("task", id)
			}
			if err != nil {
				return eris.Wrapf(err, "sqlite: check task %s", id)
			}
			return ErrConflict
		}
		if act == nil {
			return nil
		}
		return sqliteInsertActivity(ctx, tx, act)
	})
}

func (s *SQLiteStore) ListTasks(ctx context.Context, dealID string, includeCompleted bool) ([]model.Task, error) {
	query := `SELECT id, deal_id, title, due_date, completed, completed_at, created_at FROM tasks WHERE deal_id = ?`
	if !includeCompleted {
		query += ` AND completed = 0`
	}
	query += ` ORDER BY due_date IS NULL, due_date, created_at`

	rows, err := s.db.QueryContext(ctx, query, dealID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func scanSQLiteDeal(row scannable) (*model.Deal, error) {
	var d model.Deal
	var leadID sql.NullInt64
	err := row.Scan(&d.ID, &d.Title, &leadID, &d.Stage, &d.Value, &d.Probability, &d.WeightedValue,
		&d.AssignedTo, timeCol{&d.CreatedAt}, timeCol{&d.UpdatedAt})
	if err != nil {
		return nil, err
	}
	if leadID.Valid {
		d.LeadID = &leadID.Int64
	}
	return &d, nil
}

func scanSQLiteTask(row scannable) (*model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.DealID, &t.Title, nullTimeCol{&t.DueDate}, &t.Completed,
		nullTimeCol{&t.CompletedAt}, timeCol{&t.CreatedAt})
	if err != nil {
		return nil, err
	}
	return &t, nil
}
