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

const sqliteCampaignColumns = `id, name, channel, steps, settings, lead_list_id, lead_ids, status,
	metric_pending, metric_sent, metric_delivered, metric_opened, metric_clicked, metric_replied,
	metric_bounced, metric_failed, enrolled_at, started_at, completed_at, cancelled_at, created_at, updated_at`

const sqliteApplyMetrics = `UPDATE campaigns SET
	metric_pending = metric_pending + ?, metric_sent = metric_sent + ?,
	metric_delivered = metric_delivered + ?, metric_opened = metric_opened + ?,
	metric_clicked = metric_clicked + ?, metric_replied = metric_replied + ?,
	metric_bounced = metric_bounced + ?, metric_failed = metric_failed + ?,
	updated_at = ?
	WHERE id = ?`

func metricArgs(m model.Metrics) []any {
	return []any{m.Pending, m.Sent, m.Delivered, m.Opened, m.Clicked, m.Replied, m.Bounced, m.Failed}
}

func (s *SQLiteStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	stampNow(&c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	steps, settings, leadIDs, err := marshalCampaign(c)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, channel, steps, settings, lead_list_id, lead_ids, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(c.Channel), steps, settings, c.LeadListID, leadIDs, string(c.Status),
		dbTime(c.CreatedAt), dbTime(c.UpdatedAt),
	)
	return eris.Wrap(err, "sqlite: insert campaign")
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCampaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanSQLiteCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("campaign", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get campaign %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	query := `SELECT ` + sqliteCampaignColumns + ` FROM campaigns`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list campaigns")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Campaign
	for rows.Next() {
		c, err := scanSQLiteCampaign(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate campaigns")
}

func (s *SQLiteStore) TransitionCampaign(ctx context.Context, id string, from, to model.CampaignStatus, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteTransition(ctx, tx, id, from, to, at)
	})
}

func sqliteTransition(ctx context.Context, tx *sql.Tx, id string, from, to model.CampaignStatus, at time.Time) error {
	set := `status = ?, updated_at = ?`
	args := []any{string(to), dbTime(at)}
	if col := campaignTimestampColumn(to); col != "" {
		set += `, ` + col + ` = COALESCE(` + col + `, ?)`
		args = append(args, dbTime(at))
	}
	args = append(args, id, string(from))

	res, err := tx.ExecContext(ctx, `UPDATE campaigns SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition campaign %s", id)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM campaigns WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("campaign", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check campaign %s", id)
	}
	return ErrConflict
}

func (s *SQLiteStore) ScheduleCampaign(ctx context.Context, id string, enrolledAt time.Time, msgs []model.Message) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteTransition(ctx, tx, id, model.CampaignDraft, model.CampaignScheduled, enrolledAt); err != nil {
			return err
		}
		n, err := sqliteInsertMessages(ctx, tx, id, msgs, enrolledAt)
		inserted = n
		return err
	})
	return inserted, err
}

func (s *SQLiteStore) CancelCampaign(ctx context.Context, id string, from model.CampaignStatus, reason string, at time.Time) (int, error) {
	var failed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteTransition(ctx, tx, id, from, model.CampaignCancelled, at); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, last_error = ?, next_attempt_at = NULL, updated_at = ?
			 WHERE campaign_id = ? AND status = ?`,
			string(model.MessageFailed), reason, dbTime(at), id, string(model.MessagePending),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: fail pending messages %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		failed = int(n)
		delta := model.MetricsDelta(model.MessagePending, model.MessageFailed).Scale(failed)
		return sqliteApplyMetricsDelta(ctx, tx, id, delta, at)
	})
	return failed, err
}

func (s *SQLiteStore) SetCampaignMetrics(ctx context.Context, id string, m model.Metrics) error {
	args := append(metricArgs(m), dbTime(time.Now().UTC()), id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET metric_pending = ?, metric_sent = ?, metric_delivered = ?, metric_opened = ?,
			metric_clicked = ?, metric_replied = ?, metric_bounced = ?, metric_failed = ?, updated_at = ?
		 WHERE id = ?`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set metrics %s", id)
	}
	return checkRowsAffected(res, "campaign", id)
}

func sqliteApplyMetricsDelta(ctx context.Context, tx *sql.Tx, campaignID string, delta model.Metrics, at time.Time) error {
	if delta == (model.Metrics{}) {
		return nil
	}
	args := append(metricArgs(delta), dbTime(at), campaignID)
	_, err := tx.ExecContext(ctx, sqliteApplyMetrics, args...)
	return eris.Wrapf(err, "sqlite: apply metrics %s", campaignID)
}

func marshalCampaign(c *model.Campaign) (steps, settings, leadIDs string, err error) {
	b, err := json.Marshal(c.Steps)
	if err != nil {
		return "", "", "", eris.Wrap(err, "marshal steps")
	}
	steps = string(b)
	if b, err = json.Marshal(c.Settings); err != nil {
		return "", "", "", eris.Wrap(err, "marshal settings")
	}
	settings = string(b)
	ids := c.LeadIDs
	if ids == nil {
		ids = []int64{}
	}
	if b, err = json.Marshal(ids); err != nil {
		return "", "", "", eris.Wrap(err, "marshal lead ids")
	}
	return steps, settings, string(b), nil
}

func unmarshalCampaign(c *model.Campaign, steps, settings, leadIDs []byte) error {
	if err := json.Unmarshal(steps, &c.Steps); err != nil {
		return eris.Wrap(err, "unmarshal steps")
	}
	if err := json.Unmarshal(settings, &c.Settings); err != nil {
		return eris.Wrap(err, "unmarshal settings")
	}
	if err := json.Unmarshal(leadIDs, &c.LeadIDs); err != nil {
		return eris.Wrap(err, "unmarshal lead ids")
	}
	if len(c.LeadIDs) == 0 {
		c.LeadIDs = nil
	}
	return nil
}

func scanSQLiteCampaign(row scannable) (*model.Campaign, error) {
	var c model.Campaign
	var steps, settings, leadIDs string
	var listID sql.NullInt64
	m := &c.Metrics
	err := row.Scan(&c.ID, &c.Name, &c.Channel, &steps, &settings, &listID, &leadIDs, &c.Status,
		&m.Pending, &m.Sent, &m.Delivered, &m.Opened, &m.Clicked, &m.Replied, &m.Bounced, &m.Failed,
		nullTimeCol{&c.EnrolledAt}, nullTimeCol{&c.StartedAt}, nullTimeCol{&c.CompletedAt},
		nullTimeCol{&c.CancelledAt}, timeCol{&c.CreatedAt}, timeCol{&c.UpdatedAt})
	if err != nil {
		return nil, err
	}
	if listID.Valid {
		c.LeadListID = &listID.Int64
	}
	if err := unmarshalCampaign(&c, []byte(steps), []byte(settings), []byte(leadIDs)); err != nil {
		return nil, err
	}
	return &c, nil
}
