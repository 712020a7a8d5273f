package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const sqliteBatchColumns = `id, name, list_id, status, total_leads, processed_leads, failed_leads,
	total_cost_micros, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	stampNow(&b.CreatedAt)
	if b.Status == "" {
		b.Status = model.BatchDraft
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, name, list_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.ListID, string(b.Status), dbTime(b.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := scanSQLiteBatch(s.db.QueryRowContext(ctx, `SELECT `+sqliteBatchColumns+` FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("batch", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	if err := s.loadBatchErrors(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// loadBatchErrors fills Errors from failed items in snapshot order.
func (s *SQLiteStore) loadBatchErrors(ctx context.Context, b *model.Batch) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lead_id, error FROM batch_items WHERE batch_id = ? AND status = ? ORDER BY position`,
		b.ID, string(model.ItemFailed))
	if err != nil {
		return eris.Wrapf(err, "sqlite: batch errors %s", b.ID)
	}
	defer rows.Close() //nolint:errcheck

	b.Errors = []model.BatchError{}
	for rows.Next() {
		var e model.BatchError
		if err := rows.Scan(&e.LeadID, &e.Error); err != nil {
			return eris.Wrap(err, "sqlite: scan batch error")
		}
		b.Errors = append(b.Errors, e)
	}
	return eris.Wrap(rows.Err(), "sqlite: iterate batch errors")
}

func (s *SQLiteStore) ListBatches(ctx context.Context, status model.BatchStatus) ([]model.Batch, error) {
	query := `SELECT ` + sqliteBatchColumns + ` FROM batches`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	var out []model.Batch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		out = append(out, *b)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate batches")
	}
	// Errors are loaded after the cursor is closed; the store holds one connection.
	for i := range out {
		if err := s.loadBatchErrors(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) StartBatch(ctx context.Context, id string, at time.Time) (*model.Batch, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var listID sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT status, list_id FROM batches WHERE id = ?`, id).Scan(&status, &listID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("batch", id)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: load batch %s", id)
		}
		if model.BatchStatus(status) != model.BatchDraft {
			return ErrConflict
		}

		var leadIDs []int64
		if listID.Valid {
			leadIDs, err = queryInt64s(ctx, tx,
				`SELECT lead_id FROM lead_list_members WHERE list_id = ? ORDER BY position`, listID.Int64)
		} else {
			leadIDs, err = queryInt64s(ctx, tx,
				`SELECT id FROM leads WHERE research_status = ? ORDER BY id`, string(model.ResearchNone))
		}
		if err != nil {
			return err
		}

		for i, leadID := range leadIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO batch_items (batch_id, lead_id, position, status) VALUES (?, ?, ?, ?)`,
				id, leadID, i+1, string(model.ItemPending),
			); err != nil {
				return eris.Wrapf(err, "sqlite: snapshot lead %d", leadID)
			}
		}

		next := model.BatchRunning
		var completedAt any
		if len(leadIDs) == 0 {
			next, completedAt = model.BatchCompleted, dbTime(at)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET status = ?, total_leads = ?, started_at = ?, completed_at = ? WHERE id = ?`,
			string(next), len(leadIDs), dbTime(at), completedAt, id,
		)
		return eris.Wrapf(err, "sqlite: start batch %s", id)
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, id)
}

func (s *SQLiteStore) PendingBatchItems(ctx context.Context, batchID string, limit int) ([]model.BatchItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryBatchItems(ctx,
		`SELECT batch_id, lead_id, position, status, cost_micros, error FROM batch_items
		 WHERE batch_id = ? AND status = ? ORDER BY position LIMIT ?`,
		batchID, string(model.ItemPending), limit)
}

func (s *SQLiteStore) ListBatchItems(ctx context.Context, batchID string) ([]model.BatchItem, error) {
	return s.queryBatchItems(ctx,
		`SELECT batch_id, lead_id, position, status, cost_micros, error FROM batch_items
		 WHERE batch_id = ? ORDER BY position`, batchID)
}

func (s *SQLiteStore) queryBatchItems(ctx context.Context, query string, args ...any) ([]model.BatchItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query batch items")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BatchItem
	for rows.Next() {
		var it model.BatchItem
		var micros int64
		if err := rows.Scan(&it.BatchID, &it.LeadID, &it.Position, &it.Status, &micros, &it.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch item")
		}
		it.CostUSD = fromMicros(micros)
		out = append(out, it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate batch items")
}

func (s *SQLiteStore) SettleBatchItem(ctx context.Context, batchID string, out model.ItemOutcome) (bool, error) {
	settled := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Only successful leads count toward the batch's spend.
		status, failed, micros := model.ItemSucceeded, 0, toMicros(out.CostUSD)
		if !out.Success {
			status, failed, micros = model.ItemFailed, 1, 0
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE batch_items SET status = ?, cost_micros = ?, error = ?, settled_at = ?
			 WHERE batch_id = ? AND lead_id = ? AND status = ?`,
			string(status), micros, out.Error, dbTime(out.At), batchID, out.LeadID, string(model.ItemPending),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: settle item batch=%s lead=%d", batchID, out.LeadID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM batch_items WHERE batch_id = ? AND lead_id = ?`, batchID, out.LeadID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("batch item", batchID+"/"+strconv.FormatInt(out.LeadID, 10))
			}
			return eris.Wrap(err, "sqlite: check batch item")
		}
		settled = true

		if out.Success {
			research, err := marshalResearch(out.Research)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE leads SET research_status = ?, research = ?, updated_at = ? WHERE id = ?`,
				string(model.ResearchComplete), research, dbTime(out.At), out.LeadID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: store research lead %d", out.LeadID)
			}
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE leads SET research_status = ?, updated_at = ? WHERE id = ?`,
				string(model.ResearchError), dbTime(out.At), out.LeadID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: mark lead error %d", out.LeadID)
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET processed_leads = processed_leads + 1, failed_leads = failed_leads + ?,
				total_cost_micros = total_cost_micros + ?
			 WHERE id = ?`,
			failed, micros, batchID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: bump batch counters %s", batchID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE batches SET status = ?, completed_at = ?
			 WHERE id = ? AND status = ? AND processed_leads >= total_leads`,
			string(model.BatchCompleted), dbTime(out.At), batchID, string(model.BatchRunning))
		return eris.Wrapf(err, "sqlite: complete batch %s", batchID)
	})
	return settled, err
}

func scanSQLiteBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var listID sql.NullInt64
	var micros int64
	err := row.Scan(&b.ID, &b.Name, &listID, &b.Status, &b.TotalLeads, &b.ProcessedLeads, &b.FailedLeads,
		&micros, timeCol{&b.CreatedAt}, nullTimeCol{&b.StartedAt}, nullTimeCol{&b.CompletedAt})
	if err != nil {
		return nil, err
	}
	if listID.Valid {
		b.ListID = &listID.Int64
	}
	b.TotalCostUSD = fromMicros(micros)
	return &b, nil
}
