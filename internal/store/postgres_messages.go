package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/db"
	"github.com/sells-group/outreach-engine/internal/model"
)

const pgMessageColumns = `id, campaign_id, lead_id, step_number, channel, scheduled_at, status, sent_at,
	provider_message_id, attempts, next_attempt_at, last_error, updated_at`

var messageInsert = db.InsertConfig{
	Table:        "messages",
	Columns:      []string{"id", "campaign_id", "lead_id", "step_number", "channel", "scheduled_at", "status", "updated_at"},
	ConflictKeys: []string{"campaign_id", "lead_id", "step_number"},
}

func (s *PostgresStore) InsertMessages(ctx context.Context, campaignID string, msgs []model.Message) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		n, err := pgInsertMessages(ctx, tx, campaignID, msgs, time.Now().UTC())
		inserted = n
		return err
	})
	return inserted, err
}

// pgInsertMessages bulk-loads pending messages, skipping existing
// (campaign, lead, step) rows, and adds the inserted count to metrics.
func pgInsertMessages(ctx context.Context, tx pgx.Tx, campaignID string, msgs []model.Message, at time.Time) (int, error) {
	rows := make([][]any, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		rows[i] = []any{m.ID, campaignID, m.LeadID, m.StepNumber, string(m.Channel), m.ScheduledAt,
			string(model.MessagePending), at}
	}
	n, err := db.InsertIgnore(ctx, tx, messageInsert, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert messages %s", campaignID)
	}
	inserted := int(n)
	delta := model.MessagePending.Contribution().Scale(inserted)
	return inserted, pgApplyMetricsDelta(ctx, tx, campaignID, delta, at)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.getMessage(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE id = $1`, id)
}

func (s *PostgresStore) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	if providerMessageID == "" {
		return nil, notFound("message", "provider id (empty)")
	}
	return s.getMessage(ctx,
		`SELECT `+pgMessageColumns+` FROM messages WHERE provider_message_id = $1 LIMIT 1`, providerMessageID)
}

func (s *PostgresStore) getMessage(ctx context.Context, query, key string) (*model.Message, error) {
	m, err := scanPgMessage(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("message", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get message %s", key)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, campaignID string) ([]model.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages WHERE campaign_id = $1 ORDER BY scheduled_at, lead_id, step_number`,
		campaignID)
}

func (s *PostgresStore) DueMessages(ctx context.Context, campaignID string, now time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages
		 WHERE campaign_id = $1 AND status = $2 AND scheduled_at <= $3
		   AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		 ORDER BY scheduled_at, id
		 LIMIT $4`,
		campaignID, string(model.MessagePending), now, limit)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query messages")
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate messages")
}

func (s *PostgresStore) CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE campaign_id = $1 AND sent_at >= $2`,
		campaignID, since,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count sent %s", campaignID)
}

func (s *PostgresStore) CountOutstanding(ctx context.Context, campaignID string, sentAfter time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE campaign_id = $1 AND (status = $2 OR (status = $3 AND sent_at > $4))`,
		campaignID, string(model.MessagePending), string(model.MessageSent), sentAfter,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count outstanding %s", campaignID)
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, upd model.MessageUpdate, at time.Time) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		attempt := 0
		if upd.From == model.MessagePending {
			attempt = 1
		}
		var campaignID string
		err := tx.QueryRow(ctx,
			`UPDATE messages SET
				status = $1,
				sent_at = COALESCE($2, sent_at),
				provider_message_id = CASE WHEN $3 = '' THEN provider_message_id ELSE $3 END,
				last_error = CASE WHEN $4 = '' THEN last_error ELSE $4 END,
				attempts = attempts + $5,
				next_attempt_at = NULL,
				updated_at = $6
			 WHERE id = $7 AND status = $8
			 RETURNING campaign_id`,
			string(upd.To), upd.SentAt, upd.ProviderMessageID, upd.Error, attempt, at, id, string(upd.From),
		).Scan(&campaignID)
		if errors.Is(err, pgx.ErrNoRows) {
			ok, err := rowExists(ctx, tx, `SELECT 1 FROM messages WHERE id = $1`, id)
			if err != nil {
				return err
			}
			if !ok {
				return notFound("message", id)
			}
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: update message %s", id)
		}
		applied = true
		return pgApplyMetricsDelta(ctx, tx, campaignID, model.MetricsDelta(upd.From, upd.To), at)
	})
	return applied, err
}

func (s *PostgresStore) RecordRetry(ctx context.Context, id string, upd model.RetryUpdate, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET attempts = attempts + 1, next_attempt_at = $1, last_error = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		upd.NextAttemptAt, upd.Error, at, id, string(model.MessagePending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanPgMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.CampaignID, &m.LeadID, &m.StepNumber, &m.Channel, &m.ScheduledAt,
		&m.Status, &m.SentAt, &m.ProviderMessageID, &m.Attempts, &m.NextAttemptAt, &m.LastError, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
