package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/table"
)

const schema = `
CREATE TABLE IF NOT EXISTS spot_columns (
	position INTEGER PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS spot_rows (
	ts TIMESTAMPTZ PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS spot_cells (
	ts    TIMESTAMPTZ NOT NULL REFERENCES spot_rows (ts) ON DELETE CASCADE,
	col   TEXT NOT NULL,
	value DOUBLE PRECISION,
	PRIMARY KEY (ts, col)
);
`

// PostgresStore persists the table in long form: one row per non-null cell.
// Column order and the row index are stored separately so empty columns and
// all-null rows survive a round trip.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgresStore creates a Postgres-backed table store
func NewPostgresStore(pool *pgxpool.Pool, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		log:  log.With().Str("component", "store").Str("backend", "postgres").Logger(),
	}
}

// EnsureSchema creates the tables if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Load reads the whole table. Empty tables mean a first run.
func (s *PostgresStore) Load(ctx context.Context) (*table.Table, error) {
	columns, err := s.loadColumns(ctx)
	if err != nil {
		return nil, err
	}
	t := table.New(columns...)

	rows, err := s.pool.Query(ctx, `SELECT ts FROM spot_rows ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	index, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	for i := range index {
		index[i] = index[i].UTC()
	}
	t.Extend(index)

	cells, err := s.pool.Query(ctx, `SELECT ts, col, value FROM spot_cells WHERE value IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer cells.Close()

	for cells.Next() {
		var (
			ts    time.Time
			col   string
			value float64
		)
		if err := cells.Scan(&ts, &col, &value); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		if err := t.Set(ts.UTC(), col, &value); err != nil {
			return nil, fmt.Errorf("cell %s/%s: %w", ts.UTC().Format(time.RFC3339), col, err)
		}
	}
	if err := cells.Err(); err != nil {
		return nil, fmt.Errorf("read cells: %w", err)
	}

	s.log.Debug().Int("rows", t.Len()).Int("columns", len(columns)).Msg("snapshot loaded")
	return t, nil
}

func (s *PostgresStore) loadColumns(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM spot_columns ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	columns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan columns: %w", err)
	}
	return columns, nil
}

// Save replaces the stored table inside one transaction.
func (s *PostgresStore) Save(ctx context.Context, t *table.Table) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE spot_cells, spot_rows, spot_columns`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	columns := t.Columns()
	colRows := make([][]any, len(columns))
	for i, c := range columns {
		colRows[i] = []any{i, c}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"spot_columns"}, []string{"position", "name"}, pgx.CopyFromRows(colRows)); err != nil {
		return fmt.Errorf("copy columns: %w", err)
	}

	index := t.Index()
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"spot_rows"}, []string{"ts"}, pgx.CopyFromSlice(len(index), func(i int) ([]any, error) {
		return []any{index[i]}, nil
	})); err != nil {
		return fmt.Errorf("copy rows: %w", err)
	}

	var cells [][]any
	for _, ts := range index {
		for _, c := range columns {
			if v := t.Get(ts, c); v != nil {
				cells = append(cells, []any{ts, c, *v})
			}
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"spot_cells"}, []string{"ts", "col", "value"}, pgx.CopyFromRows(cells)); err != nil {
		return fmt.Errorf("copy cells: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.log.Info().Int("rows", len(index)).Int("cells", len(cells)).Msg("snapshot saved")
	return nil
}
