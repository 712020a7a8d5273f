package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/model"
)

const pgCampaignColumns = `id, name, channel, steps, settings, lead_list_id, lead_ids, status,
	metric_pending, metric_sent, metric_delivered, metric_opened, metric_clicked, metric_replied,
	metric_bounced, metric_failed, enrolled_at, started_at, completed_at, cancelled_at, created_at, updated_at`

const pgApplyMetrics = `UPDATE campaigns SET
	metric_pending = metric_pending + $1, metric_sent = metric_sent + $2,
	metric_delivered = metric_delivered + $3, metric_opened = metric_opened + $4,
	metric_clicked = metric_clicked + $5, metric_replied = metric_replied + $6,
	metric_bounced = metric_bounced + $7, metric_failed = metric_failed + $8,
	updated_at = $9
	WHERE id = $10`

func (s *PostgresStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, name, channel, steps, settings, lead_list_id, lead_ids, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Name, string(c.Channel), []byte(steps), []byte(settings), c.LeadListID, []byte(leadIDs),
		string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert campaign")
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := scanPgCampaign(s.pool.QueryRow(ctx, `SELECT `+pgCampaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("campaign", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get campaign %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	query := `SELECT ` + pgCampaignColumns + ` FROM campaigns`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list campaigns")
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanPgCampaign(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate campaigns")
}

func (s *PostgresStore) TransitionCampaign(ctx context.Context, id string, from, to model.CampaignStatus, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return pgTransition(ctx, tx, id, from, to, at)
	})
}

func pgTransition(ctx context.Context, tx pgx.Tx, id string, from, to model.CampaignStatus, at time.Time) error {
	set := `status = $1, updated_at = $2`
	if col := campaignTimestampColumn(to); col != "" {
		set += fmt.Sprintf(`, %s = COALESCE(%s, $2)`, col, col)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE campaigns SET `+set+` WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition campaign %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ok, err := rowExists(ctx, tx, `SELECT 1 FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("campaign", id)
	}
	return ErrConflict
}

func (s *PostgresStore) ScheduleCampaign(ctx context.Context, id string, enrolledAt time.Time, msgs []model.Message) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := pgTransition(ctx, tx, id, model.CampaignDraft, model.CampaignScheduled, enrolledAt); err != nil {
			return err
		}
		n, err := pgInsertMessages(ctx, tx, id, msgs, enrolledAt)
		inserted = n
		return err
	})
	return inserted, err
}

func (s *PostgresStore) CancelCampaign(ctx context.Context, id string, from model.CampaignStatus, reason string, at time.Time) (int, error) {
	var failed int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := pgTransition(ctx, tx, id, from, model.CampaignCancelled, at); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE messages SET status = $1, last_error = $2, next_attempt_at = NULL, updated_at = $3
			 WHERE campaign_id = $4 AND status = $5`,
			string(model.MessageFailed), reason, at, id, string(model.MessagePending),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: fail pending messages %s", id)
		}
		failed = int(tag.RowsAffected())
		delta := model.MetricsDelta(model.MessagePending, model.MessageFailed).Scale(failed)
		return pgApplyMetricsDelta(ctx, tx, id, delta, at)
	})
	return failed, err
}

func (s *PostgresStore) SetCampaignMetrics(ctx context.Context, id string, m model.Metrics) error {
	args := append(metricArgs(m), time.Now().UTC(), id)
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET metric_pending = $1, metric_sent = $2, metric_delivered = $3, metric_opened = $4,
			metric_clicked = $5, metric_replied = $6, metric_bounced = $7, metric_failed = $8, updated_at = $9
		 WHERE id = $10`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set metrics %s", id)
	}
	if tag.RowsAffected() == 0 {
		return notFound("campaign", id)
	}
	return nil
}

func pgApplyMetricsDelta(ctx context.Context, tx pgx.Tx, campaignID string, delta model.Metrics, at time.Time) error {
	if delta == (model.Metrics{}) {
		return nil
	}
	args := append(metricArgs(delta), at, campaignID)
	_, err := tx.Exec(ctx, pgApplyMetrics, args...)
	return eris.Wrapf(err, "postgres: apply metrics %s", campaignID)
}

func scanPgCampaign(row pgx.Row) (*model.Campaign, error) {
	var c model.Campaign
	var steps, settings, leadIDs []byte
	m := &c.Metrics
	err := row.Scan(&c.ID, &c.Name, &c.Channel, &steps, &settings, &c.LeadListID, &leadIDs, &c.Status,
		&m.Pending, &m.Sent, &m.Delivered, &m.Opened, &m.Clicked, &m.Replied, &m.Bounced, &m.Failed,
		&c.EnrolledAt, &c.StartedAt, &c.CompletedAt, &c.CancelledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalCampaign(&c, steps, settings, leadIDs); err != nil {
		return nil, err
	}
	return &c, nil
}
