package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig describes a bulk insert that skips rows already present.
type InsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns supplied by each row, in order
	ConflictKeys []string // unique key that identifies an existing row
}

// InsertIgnore COPYs rows into a temp table shaped like cfg.Table, then moves
// them across with ON CONFLICT DO NOTHING. It returns how many rows were new.
// q must be a transaction: the temp table is dropped when it commits.
func InsertIgnore(ctx context.Context, q Copier, cfg InsertConfig, rows [][]any) (int64, error) {
	switch {
	case len(rows) == 0:
		return 0, nil
	case len(cfg.Columns) == 0:
		return 0, eris.New("db: insert: no columns specified")
	case len(cfg.ConflictKeys) == 0:
		return 0, eris.New("db: insert: no conflict keys specified")
	}

	target := qualified(cfg.Table)
	staging := pgx.Identifier{TempTableName(cfg.Table)}
	cols := identList(cfg.Columns)

	if _, err := q.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), target)); err != nil {
		return 0, eris.Wrapf(err, "db: insert: stage %s", cfg.Table)
	}
	if _, err := q.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: insert: copy %d rows for %s", len(rows), cfg.Table)
	}
	tag, err := q.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		target, cols, cols, staging.Sanitize(), identList(cfg.ConflictKeys)))
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert: merge into %s", cfg.Table)
	}
	return tag.RowsAffected(), nil
}

// TempTableName is the staging table InsertIgnore creates for table.
func TempTableName(table string) string {
	return "_tmp_insert_" + strings.ReplaceAll(table, ".", "_")
}

// qualified quotes a table name, splitting an optional schema prefix.
func qualified(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func identList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(out, ", ")
}
