package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const sqliteMessageColumns = `id, campaign_id, lead_id, step_number, channel, scheduled_at, status, sent_at,
	provider_message_id, attempts, next_attempt_at, last_error, updated_at`

func (s *SQLiteStore) InsertMessages(ctx context.Context, campaignID string, msgs []model.Message) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := sqliteInsertMessages(ctx, tx, campaignID, msgs, time.Now().UTC())
		inserted = n
		return err
	})
	return inserted, err
}

// sqliteInsertMessages inserts pending messages, skipping existing
// (campaign, lead, step) rows, and adds the inserted count to metrics.
func sqliteInsertMessages(ctx context.Context, tx *sql.Tx, campaignID string, msgs []model.Message, at time.Time) (int, error) {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (id, campaign_id, lead_id, step_number, channel, scheduled_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (campaign_id, lead_id, step_number) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert message")
	}
	defer stmt.Close() //nolint:errcheck

	inserted := 0
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		res, err := stmt.ExecContext(ctx, m.ID, campaignID, m.LeadID, m.StepNumber, string(m.Channel),
			dbTime(m.ScheduledAt), string(model.MessagePending), dbTime(at))
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert message lead=%d step=%d", m.LeadID, m.StepNumber)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	delta := model.MessagePending.Contribution().Scale(inserted)
	return inserted, sqliteApplyMetricsDelta(ctx, tx, campaignID, delta, at)
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.getMessage(ctx, `SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, id)
}

func (s *SQLiteStore) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	if providerMessageID == "" {
		return nil, notFound("message", "provider id (empty)")
	}
	return s.getMessage(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE provider_message_id = ? LIMIT 1`, providerMessageID)
}

func (s *SQLiteStore) getMessage(ctx context.Context, query, key string) (*model.Message, error) {
	m, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("message", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get message %s", key)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, campaignID string) ([]model.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages WHERE campaign_id = ? ORDER BY scheduled_at, lead_id, step_number`,
		campaignID)
}

func (s *SQLiteStore) DueMessages(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	ts := dbTime(now)
	return s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM messages
		 WHERE campaign_id = ? AND status = ? AND scheduled_at <= ?
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY scheduled_at, id
		 LIMIT ?`,
		campaignID, string(model.MessagePending), ts, ts, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query messages")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate messages")
}

func (s *SQLiteStore) CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE campaign_id = ? AND sent_at IS NOT NULL AND sent_at >= ?`,
		campaignID, dbTime(since),
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count sent %s", campaignID)
}

func (s *SQLiteStore) CountOutstanding(ctx context.Context, campaignID string, sentAfter time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE campaign_id = ? AND (status = ? OR (status = ? AND sent_at > ?))`,
		campaignID, string(model.MessagePending), string(model.MessageSent), dbTime(sentAfter),
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count outstanding %s", campaignID)
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, upd model.MessageUpdate, at time.Time) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var campaignID string
		err := tx.QueryRowContext(ctx, `SELECT campaign_id FROM messages WHERE id = ?`, id).Scan(&campaignID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("message", id)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: lookup message %s", id)
		}

		attempt := 0
		if upd.From == model.MessagePending {
			attempt = 1
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET
				status = ?,
				sent_at = COALESCE(?, sent_at),
				provider_message_id = CASE WHEN ? = '' THEN provider_message_id ELSE ? END,
				last_error = CASE WHEN ? = '' THEN last_error ELSE ? END,
				attempts = attempts + ?,
				next_attempt_at = NULL,
				updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(upd.To), dbNullTime(upd.SentAt),
			upd.ProviderMessageID, upd.ProviderMessageID,
			upd.Error, upd.Error,
			attempt, dbTime(at), id, string(upd.From),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update message %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		applied = true
		return sqliteApplyMetricsDelta(ctx, tx, campaignID, model.MetricsDelta(upd.From, upd.To), at)
	})
	return applied, err
}

func (s *SQLiteStore) RecordRetry(ctx context.Context, id string, upd model.RetryUpdate, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		dbTime(upd.NextAttemptAt), upd.Error, dbTime(at), id, string(model.MessagePending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record retry %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func scanSQLiteMessage(row scannable) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.CampaignID, &m.LeadID, &m.StepNumber, &m.Channel, timeCol{&m.ScheduledAt},
		&m.Status, nullTimeCol{&m.SentAt}, &m.ProviderMessageID, &m.Attempts, nullTimeCol{&m.NextAttemptAt},
		&m.LastError, timeCol{&m.UpdatedAt})
	if err != nil {
		return nil, err
	}
	return &m, nil
}
