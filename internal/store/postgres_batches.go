package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const pgBatchColumns = `id, name, list_id, status, total_leads, processed_leads, failed_leads,
	total_cost_micros, created_at, started_at, completed_at`

func (s *PostgresStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	stampNow(&b.CreatedAt)
	if b.Status == "" {
		b.Status = model.BatchDraft
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, name, list_id, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Name, b.ListID, string(b.Status), b.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := scanPgBatch(s.pool.QueryRow(ctx, `SELECT `+pgBatchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("batch", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	if err := s.loadBatchErrors(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) loadBatchErrors(ctx context.Context, b *model.Batch) error {
	rows, err := s.pool.Query(ctx,
		`SELECT lead_id, error FROM batch_items WHERE batch_id = $1 AND status = $2 ORDER BY position`,
		b.ID, string(model.ItemFailed))
	if err != nil {
		return eris.Wrapf(err, "postgres: batch errors %s", b.ID)
	}
	defer rows.Close()

	b.Errors = []model.BatchError{}
	for rows.Next() {
		var e model.BatchError
		if err := rows.Scan(&e.LeadID, &e.Error); err != nil {
			return eris.Wrap(err, "postgres: scan batch error")
		}
		b.Errors = append(b.Errors, e)
	}
	return eris.Wrap(rows.Err(), "postgres: iterate batch errors")
}

func (s *PostgresStore) ListBatches(ctx context.Context, status model.BatchStatus) ([]model.Batch, error) {
	query := `SELECT ` + pgBatchColumns + ` FROM batches`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	var out []model.Batch
	for rows.Next() {
		b, err := scanPgBatch(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		out = append(out, *b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate batches")
	}
	for i := range out {
		if err := s.loadBatchErrors(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) StartBatch(ctx context.Context, id string, at time.Time) (*model.Batch, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		var listID *int64
		err := tx.QueryRow(ctx, `SELECT status, list_id FROM batches WHERE id = $1 FOR UPDATE`, id).Scan(&status, &listID)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("batch", id)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: load batch %s", id)
		}
		if model.BatchStatus(status) != model.BatchDraft {
			return ErrConflict
		}

		var tag pgconn.CommandTag
		if listID != nil {
			tag, err = tx.Exec(ctx,
				`INSERT INTO batch_items (batch_id, lead_id, position, status)
				 SELECT $1, lead_id, ROW_NUMBER() OVER (ORDER BY position), $2
				 FROM lead_list_members WHERE list_id = $3`,
				id, string(model.ItemPending), *listID)
		} else {
			tag, err = tx.Exec(ctx,
				`INSERT INTO batch_items (batch_id, lead_id, position, status)
				 SELECT $1, id, ROW_NUMBER() OVER (ORDER BY id), $2
				 FROM leads WHERE research_status = $3`,
				id, string(model.ItemPending), string(model.ResearchNone))
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: snapshot batch %s", id)
		}
		total := tag.RowsAffected()

		next := model.BatchRunning
		var completedAt *time.Time
		if total == 0 {
			next, completedAt = model.BatchCompleted, &at
		}
		_, err = tx.Exec(ctx,
			`UPDATE batches SET status = $1, total_leads = $2, started_at = $3, completed_at = $4 WHERE id = $5`,
			string(next), total, at, completedAt, id,
		)
		return eris.Wrapf(err, "postgres: start batch %s", id)
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, id)
}

func (s *PostgresStore) PendingBatchItems(ctx context.Context, batchID string, limit int) ([]model.BatchItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryBatchItems(ctx,
		`SELECT batch_id, lead_id, position, status, cost_micros, error FROM batch_items
		 WHERE batch_id = $1 AND status = $2 ORDER BY position LIMIT $3`,
		batchID, string(model.ItemPending), limit)
}

func (s *PostgresStore) ListBatchItems(ctx context.Context, batchID string) ([]model.BatchItem, error) {
	return s.queryBatchItems(ctx,
		`SELECT batch_id, lead_id, position, status, cost_micros, error FROM batch_items
		 WHERE batch_id = $1 ORDER BY position`, batchID)
}

func (s *PostgresStore) queryBatchItems(ctx context.Context, query string, args ...any) ([]model.BatchItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query batch items")
	}
	defer rows.Close()

	var out []model.BatchItem
	for rows.Next() {
		var it model.BatchItem
		var micros int64
		if err := rows.Scan(&it.BatchID, &it.LeadID, &it.Position, &it.Status, &micros, &it.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch item")
		}
		it.CostUSD = fromMicros(micros)
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate batch items")
}

func (s *PostgresStore) SettleBatchItem(ctx context.Context, batchID string, out model.ItemOutcome) (bool, error) {
	settled := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Only successful leads count toward the batch's spend.
		status, failed, micros := model.ItemSucceeded, 0, toMicros(out.CostUSD)
		if !out.Success {
			status, failed, micros = model.ItemFailed, 1, 0
		}

		tag, err := tx.Exec(ctx,
			`UPDATE batch_items SET status = $1, cost_micros = $2, error = $3, settled_at = $4
			 WHERE batch_id = $5 AND lead_id = $6 AND status = $7`,
			string(status), micros, out.Error, out.At, batchID, out.LeadID, string(model.ItemPending),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: settle item batch=%s lead=%d", batchID, out.LeadID)
		}
		if tag.RowsAffected() == 0 {
			ok, err := rowExists(ctx, tx,
				`SELECT 1 FROM batch_items WHERE batch_id = $1 AND lead_id = $2`, batchID, out.LeadID)
			if err != nil {
				return err
			}
			if !ok {
				return notFound("batch item", batchID+"/"+strconv.FormatInt(out.LeadID, 10))
			}
			return nil
		}
		settled = true

		if out.Success {
			research, err := researchJSON(out.Research)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`UPDATE leads SET research_status = $1, research = $2, updated_at = $3 WHERE id = $4`,
				string(model.ResearchComplete), research, out.At, out.LeadID)
			if err != nil {
				return eris.Wrapf(err, "postgres: store research lead %d", out.LeadID)
			}
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE leads SET research_status = $1, updated_at = $2 WHERE id = $3`,
				string(model.ResearchError), out.At, out.LeadID)
			if err != nil {
				return eris.Wrapf(err, "postgres: mark lead error %d", out.LeadID)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE batches SET
				processed_leads = processed_leads + 1,
				failed_leads = failed_leads + $1,
				total_cost_micros = total_cost_micros + $2,
				status = CASE WHEN processed_leads + 1 >= total_leads THEN $3 ELSE status END,
				completed_at = CASE WHEN processed_leads + 1 >= total_leads THEN $4 ELSE completed_at END
			 WHERE id = $5`,
			failed, micros, string(model.BatchCompleted), out.At, batchID)
		return eris.Wrapf(err, "postgres: bump batch counters %s", batchID)
	})
	return settled, err
}

func scanPgBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	var micros int64
	err := row.Scan(&b.ID, &b.Name, &b.ListID, &b.Status, &b.TotalLeads, &b.ProcessedLeads, &b.FailedLeads,
		&micros, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if err != nil {
		return nil, err
	}
	b.TotalCostUSD = fromMicros(micros)
	return &b, nil
}
