package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-engine/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id              BIGSERIAL PRIMARY KEY,
	first_name      TEXT NOT NULL DEFAULT '',
	last_name       TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	linkedin_url    TEXT NOT NULL DEFAULT '',
	company         TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	industry        TEXT NOT NULL DEFAULT '',
	website         TEXT NOT NULL DEFAULT '',
	firm_size       TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	research_status TEXT NOT NULL DEFAULT 'none',
	research        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_research_status ON leads(research_status);

CREATE TABLE IF NOT EXISTS lead_lists (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS lead_list_members (
	list_id  BIGINT NOT NULL REFERENCES lead_lists(id),
	lead_id  BIGINT NOT NULL REFERENCES leads(id),
	position INTEGER NOT NULL,
	PRIMARY KEY (list_id, lead_id)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name             TEXT NOT NULL,
	channel          TEXT NOT NULL,
	steps            JSONB NOT NULL,
	settings         JSONB NOT NULL,
	lead_list_id     BIGINT REFERENCES lead_lists(id),
	lead_ids         JSONB NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'draft',
	metric_pending   INTEGER NOT NULL DEFAULT 0,
	metric_sent      INTEGER NOT NULL DEFAULT 0,
	metric_delivered INTEGER NOT NULL DEFAULT 0,
	metric_opened    INTEGER NOT NULL DEFAULT 0,
	metric_clicked   INTEGER NOT NULL DEFAULT 0,
	metric_replied   INTEGER NOT NULL DEFAULT 0,
	metric_bounced   INTEGER NOT NULL DEFAULT 0,
	metric_failed    INTEGER NOT NULL DEFAULT 0,
	enrolled_at      TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	cancelled_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	campaign_id         TEXT NOT NULL REFERENCES campaigns(id),
	lead_id             BIGINT NOT NULL,
	step_number         INTEGER NOT NULL,
	channel             TEXT NOT NULL,
	scheduled_at        TIMESTAMPTZ NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	sent_at             TIMESTAMPTZ,
	provider_message_id TEXT NOT NULL DEFAULT '',
	attempts            INTEGER NOT NULL DEFAULT 0,
	next_attempt_at     TIMESTAMPTZ,
	last_error          TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (campaign_id, lead_id, step_number)
);

CREATE INDEX IF NOT EXISTS idx_messages_due ON messages(campaign_id, status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider_message_id) WHERE provider_message_id <> '';

CREATE TABLE IF NOT EXISTS deals (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	title          TEXT NOT NULL,
	lead_id        BIGINT,
	stage          TEXT NOT NULL,
	value          DOUBLE PRECISION NOT NULL DEFAULT 0,
	probability    INTEGER NOT NULL DEFAULT 0 CHECK (probability BETWEEN 0 AND 100),
	weighted_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	assigned_to    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deals_stage ON deals(stage);

CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	deal_id     TEXT NOT NULL REFERENCES deals(id),
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_activities_deal ON activities(deal_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	deal_id      TEXT NOT NULL REFERENCES deals(id),
	title        TEXT NOT NULL,
	due_date     TIMESTAMPTZ,
	completed    BOOLEAN NOT NULL DEFAULT false,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_deal ON tasks(deal_id);

CREATE TABLE IF NOT EXISTS batches (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name              TEXT NOT NULL,
	list_id           BIGINT REFERENCES lead_lists(id),
	status            TEXT NOT NULL DEFAULT 'draft',
	total_leads       INTEGER NOT NULL DEFAULT 0,
	processed_leads   INTEGER NOT NULL DEFAULT 0,
	failed_leads      INTEGER NOT NULL DEFAULT 0,
	total_cost_micros BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id    TEXT NOT NULL REFERENCES batches(id),
	lead_id     BIGINT NOT NULL,
	position    INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	cost_micros BIGINT NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	settled_at  TIMESTAMPTZ,
	PRIMARY KEY (batch_id, lead_id)
);

CREATE INDEX IF NOT EXISTS idx_batch_items_pending ON batch_items(batch_id, status, position);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// rowExists distinguishes a missing row from a failed conditional update.
func rowExists(ctx context.Context, tx pgx.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: check exists")
	}
	return true, nil
}
