package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/balticgrid/estfeed/internal/models"
)

// PostgresStore implements HistoryStore on Postgres. Merge is expressed as
// an upsert keyed on (eic, resolution, ts, field), so re-inserting the same
// points is a no-op and a changed value wins. Coverage intervals are kept
// normalized inside the merge transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, verifies connectivity, and ensures the schema.
//
// The connection string is in the usual lib/pq form:
// "host=... port=... user=... password=... dbname=... sslmode=...".
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}
	if err := db.Ping(); err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metering_data (
			eic        TEXT             NOT NULL,
			resolution TEXT             NOT NULL,
			ts         TIMESTAMPTZ      NOT NULL,
			field      TEXT             NOT NULL,
			value      DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (eic, resolution, ts, field)
		)`,
		`CREATE TABLE IF NOT EXISTS metering_coverage (
			eic        TEXT        NOT NULL,
			resolution TEXT        NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metering_series (
			eic        TEXT        NOT NULL,
			resolution TEXT        NOT NULL,
			last_fetch TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (eic, resolution)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &StorageError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func (s *PostgresStore) CoveredRanges(ctx context.Context, eic string, res models.Resolution) ([]models.TimeRange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_time, end_time FROM metering_coverage
		 WHERE eic = $1 AND resolution = $2
		 ORDER BY start_time`,
		eic, string(res),
	)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	defer rows.Close()

	var ranges []models.TimeRange
	for rows.Next() {
		var r models.TimeRange
		if err := rows.Scan(&r.Start, &r.End); err != nil {
			return nil, &StorageError{Op: "read", Err: err}
		}
		ranges = append(ranges, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	return MergeRanges(ranges), nil
}

func (s *PostgresStore) Query(ctx context.Context, eic string, res models.Resolution, start, end time.Time) ([]models.DataPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, field, value FROM metering_data
		 WHERE eic = $1 AND resolution = $2 AND ts >= $3 AND ts < $4
		 ORDER BY ts, field`,
		eic, string(res), start, end,
	)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var points []models.DataPoint
	for rows.Next() {
		var p models.DataPoint
		if err := rows.Scan(&p.Timestamp, &p.Field, &p.Value); err != nil {
			return nil, &StorageError{Op: "query", Err: err}
		}
		p.Timestamp = p.Timestamp.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	return points, nil
}

// Merge upserts the points and folds span into the stored coverage inside
// one transaction, so a crash leaves either the old or the new state.
func (s *PostgresStore) Merge(ctx context.Context, eic string, res models.Resolution, span models.TimeRange, points []models.DataPoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "merge", Err: err}
	}
	defer tx.Rollback() // rollback if not committed

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metering_data (eic, resolution, ts, field, value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (eic, resolution, ts, field) DO UPDATE SET value = EXCLUDED.value`,
	)
	if err != nil {
		return &StorageError{Op: "merge", Err: err}
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, eic, string(res), p.Timestamp, p.Field, p.Value); err != nil {
			return &StorageError{Op: "merge", Err: err}
		}
	}

	// Read-merge-write the coverage intervals.
	rows, err := tx.QueryContext(ctx,
		`SELECT start_time, end_time FROM metering_coverage
		 WHERE eic = $1 AND resolution = $2`,
		eic, string(res),
	)
	if err != nil {
		return &StorageError{Op: "merge", Err: err}
	}
	ranges := []models.TimeRange{span}
	for rows.Next() {
		var r models.TimeRange
		if err := rows.Scan(&r.Start, &r.End); err != nil {
			rows.Close()
			return &StorageError{Op: "merge", Err: err}
		}
		ranges = append(ranges, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return &StorageError{Op: "merge", Err: err}
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM metering_coverage WHERE eic = $1 AND resolution = $2`,
		eic, string(res),
	); err != nil {
		return &StorageError{Op: "merge", Err: err}
	}
	for _, r := range MergeRanges(ranges) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metering_coverage (eic, resolution, start_time, end_time)
			 VALUES ($1, $2, $3, $4)`,
			eic, string(res), r.Start, r.End,
		); err != nil {
			return &StorageError{Op: "merge", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO metering_series (eic, resolution, last_fetch)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (eic, resolution) DO UPDATE SET last_fetch = EXCLUDED.last_fetch`,
		eic, string(res), time.Now().UTC(),
	); err != nil {
		return &StorageError{Op: "merge", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "merge", Err: err}
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context, eic string, res models.Resolution) (SeriesStats, error) {
	var stats SeriesStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metering_data WHERE eic = $1 AND resolution = $2`,
		eic, string(res),
	).Scan(&stats.Points)
	if err != nil {
		return SeriesStats{}, &StorageError{Op: "stats", Err: err}
	}

	var lastFetch sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT last_fetch FROM metering_series WHERE eic = $1 AND resolution = $2`,
		eic, string(res),
	).Scan(&lastFetch)
	if err != nil && err != sql.ErrNoRows {
		return SeriesStats{}, &StorageError{Op: "stats", Err: err}
	}
	if lastFetch.Valid {
		stats.LastFetch = lastFetch.Time.UTC()
	}
	return stats, nil
}

func (s *PostgresStore) Clear(ctx context.Context, eic string, res models.Resolution) error {
	for _, table := range []string{"metering_data", "metering_coverage", "metering_series"} {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE eic = $1 AND resolution = $2`,
			eic, string(res),
		); err != nil {
			return &StorageError{Op: "clear", Err: err}
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

var _ HistoryStore = (*PostgresStore)(nil)
