package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite has a single writer. One connection keeps transactions that
	// read then write from failing with SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
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
	research        TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_lists (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_list_members (
	list_id  INTEGER NOT NULL REFERENCES lead_lists(id),
	lead_id  INTEGER NOT NULL REFERENCES leads(id),
	position INTEGER NOT NULL,
	PRIMARY KEY (list_id, lead_id)
);

CREATE TABLE IF NOT EXISTS campaigns (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	channel          TEXT NOT NULL,
	steps            TEXT NOT NULL,
	settings         TEXT NOT NULL,
	lead_list_id     INTEGER,
	lead_ids         TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'draft',
	metric_pending   INTEGER NOT NULL DEFAULT 0,
	metric_sent      INTEGER NOT NULL DEFAULT 0,
	metric_delivered INTEGER NOT NULL DEFAULT 0,
	metric_opened    INTEGER NOT NULL DEFAULT 0,
	metric_clicked   INTEGER NOT NULL DEFAULT 0,
	metric_replied   INTEGER NOT NULL DEFAULT 0,
	metric_bounced   INTEGER NOT NULL DEFAULT 0,
	metric_failed    INTEGER NOT NULL DEFAULT 0,
	enrolled_at      TEXT,
	started_at       TEXT,
	completed_at     TEXT,
	cancelled_at     TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                  TEXT PRIMARY KEY,
	campaign_id         TEXT NOT NULL REFERENCES campaigns(id),
	lead_id             INTEGER NOT NULL,
	step_number         INTEGER NOT NULL,
	channel             TEXT NOT NULL,
	scheduled_at        TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	sent_at             TEXT,
	provider_message_id TEXT NOT NULL DEFAULT '',
	attempts            INTEGER NOT NULL DEFAULT 0,
	next_attempt_at     TEXT,
	last_error          TEXT NOT NULL DEFAULT '',
	updated_at          TEXT NOT NULL,
	UNIQUE (campaign_id, lead_id, step_number)
);

CREATE INDEX IF NOT EXISTS idx_messages_due ON messages(campaign_id, status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider_message_id);

CREATE TABLE IF NOT EXISTS deals (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	lead_id        INTEGER,
	stage          TEXT NOT NULL,
	value          REAL NOT NULL DEFAULT 0,
	probability    INTEGER NOT NULL DEFAULT 0,
	weighted_value REAL NOT NULL DEFAULT 0,
	assigned_to    TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY,
	deal_id     TEXT NOT NULL REFERENCES deals(id),
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_deal ON activities(deal_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	deal_id      TEXT NOT NULL REFERENCES deals(id),
	title        TEXT NOT NULL,
	due_date     TEXT,
	completed    INTEGER NOT NULL DEFAULT 0,
	completed_at TEXT,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_deal ON tasks(deal_id);

CREATE TABLE IF NOT EXISTS batches (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	list_id           INTEGER,
	status            TEXT NOT NULL DEFAULT 'draft',
	total_leads       INTEGER NOT NULL DEFAULT 0,
	processed_leads   INTEGER NOT NULL DEFAULT 0,
	failed_leads      INTEGER NOT NULL DEFAULT 0,
	total_cost_micros INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	started_at        TEXT,
	completed_at      TEXT
);

CREATE TABLE IF NOT EXISTS batch_items (
	batch_id    TEXT NOT NULL REFERENCES batches(id),
	lead_id     INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	cost_micros INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	settled_at  TEXT,
	PRIMARY KEY (batch_id, lead_id)
);

CREATE INDEX IF NOT EXISTS idx_batch_items_pending ON batch_items(batch_id, status, position);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func dbTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func dbNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

// timeCol scans a stored timestamp into a time.Time.
type timeCol struct{ dst *time.Time }

func (c timeCol) Scan(src any) error {
	s, err := textValue(src)
	if err != nil {
		return err
	}
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	*c.dst = t
	return nil
}

// nullTimeCol scans a nullable timestamp into a *time.Time.
type nullTimeCol struct{ dst **time.Time }

func (c nullTimeCol) Scan(src any) error {
	if src == nil {
		*c.dst = nil
		return nil
	}
	var t time.Time
	if err := (timeCol{dst: &t}).Scan(src); err != nil {
		return err
	}
	*c.dst = &t
	return nil
}

func textValue(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", eris.Errorf("sqlite: unexpected column type %T", src)
	}
}

// Costs are stored as integer micro-dollars so batch totals are exact sums.
func toMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

func fromMicros(m int64) float64 {
	return float64(m) / 1e6
}
