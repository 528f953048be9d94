// Package sqlite persists alignment runs: one summary row per run, one
// comparison row per (station, time) sample, and the per-station metric
// reductions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sfalkner/gridobs/internal/align"
	"github.com/sfalkner/gridobs/internal/grid"
	"github.com/sfalkner/gridobs/pkg/logger"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound means no run exists under the requested id.
var ErrRunNotFound = errors.New("alignment run not found")

// Store is the SQLite-backed run store.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// New opens (or creates) the database at dbPath and ensures the schema.
func New(dbPath string, log *logger.Logger) (*Store, error) {
	storeLogger := log.Named("sqlite")
	storeLogger.Info("Initializing SQLite storage", logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := initDatabase(db, storeLogger); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: storeLogger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema.
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	statements := []string{
		`CREATE TABLE IF NOT EXISTS alignment_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TIMESTAMP NOT NULL,
			model TEXT NOT NULL,
			grid_param TEXT NOT NULL,
			station_param TEXT NOT NULL,
			idw_radius REAL NOT NULL DEFAULT 0,
			row_count INTEGER NOT NULL,
			compared_count INTEGER NOT NULL,
			me REAL NOT NULL,
			mae REAL NOT NULL,
			rmse REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alignment_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES alignment_runs(id),
			time TIMESTAMP NOT NULL,
			station_id INTEGER NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			fcst_minutes INTEGER NOT NULL,
			station_value REAL,
			model_value REAL,
			abs_error REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alignment_rows_run ON alignment_rows(run_id)`,
		`CREATE TABLE IF NOT EXISTS station_metrics (
			run_id INTEGER NOT NULL REFERENCES alignment_runs(id),
			station_id INTEGER NOT NULL,
			count INTEGER NOT NULL,
			me REAL NOT NULL,
			mae REAL NOT NULL,
			rmse REAL NOT NULL,
			PRIMARY KEY (run_id, station_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// SaveRun persists a completed run in one transaction and returns its id.
func (s *Store) SaveRun(ctx context.Context, run *align.Run) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO alignment_runs
			(created_at, model, grid_param, station_param, idw_radius,
			 row_count, compared_count, me, mae, rmse)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.CreatedAt.UTC(), string(run.Model), run.GridParam, run.StationParam,
		run.IDWRadius, len(run.Rows), run.Overall.Count,
		run.Overall.ME, run.Overall.MAE, run.Overall.RMSE)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}

	rowStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO alignment_rows
			(run_id, time, station_id, lat, lon, fcst_minutes,
			 station_value, model_value, abs_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare row insert: %w", err)
	}
	defer rowStmt.Close()
	for _, row := range run.Rows {
		if _, err := rowStmt.ExecContext(ctx,
			runID, row.Time.UTC(), row.StationID, row.Lat, row.Lon, row.FcstMinutes,
			nullable(row.Station), nullable(row.Model), nullable(row.AbsError)); err != nil {
			return 0, fmt.Errorf("failed to insert comparison row: %w", err)
		}
	}

	for _, sm := range run.PerStation {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO station_metrics (run_id, station_id, count, me, mae, rmse)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, sm.StationID, sm.Count, sm.ME, sm.MAE, sm.RMSE); err != nil {
			return 0, fmt.Errorf("failed to insert station metrics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run: %w", err)
	}
	s.logger.Info("Persisted alignment run",
		logger.Int64("run_id", runID), logger.Int("rows", len(run.Rows)))
	return runID, nil
}

// GetRunMetrics loads a run's summary and per-station metrics, without the
// comparison rows.
func (s *Store) GetRunMetrics(ctx context.Context, runID int64) (*align.Run, error) {
	run := &align.Run{ID: runID}
	var createdAt time.Time
	var model string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, model, grid_param, station_param, idw_radius,
			compared_count, me, mae, rmse
		 FROM alignment_runs WHERE id = ?`, runID).Scan(
		&createdAt, &model, &run.GridParam, &run.StationParam, &run.IDWRadius,
		&run.Overall.Count, &run.Overall.ME, &run.Overall.MAE, &run.Overall.RMSE)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %d: %w", runID, err)
	}
	run.CreatedAt = createdAt.UTC()
	run.Model = grid.Model(model)

	rows, err := s.db.QueryContext(ctx,
		`SELECT station_id, count, me, mae, rmse
		 FROM station_metrics WHERE run_id = ? ORDER BY station_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load station metrics of run %d: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sm align.StationMetrics
		if err := rows.Scan(&sm.StationID, &sm.Count, &sm.ME, &sm.MAE, &sm.RMSE); err != nil {
			return nil, fmt.Errorf("failed to scan station metrics: %w", err)
		}
		run.PerStation = append(run.PerStation, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate station metrics: %w", err)
	}
	return run, nil
}

// GetRunRows loads the comparison rows of a run in (time, lat, lon) order.
func (s *Store) GetRunRows(ctx context.Context, runID int64) ([]align.ComparisonRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, station_id, lat, lon, fcst_minutes,
			station_value, model_value, abs_error
		 FROM alignment_rows WHERE run_id = ? ORDER BY time, lat, lon`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows of run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []align.ComparisonRow
	for rows.Next() {
		var (
			row                 align.ComparisonRow
			ts                  time.Time
			stVal, mdVal, abErr sql.NullFloat64
		)
		if err := rows.Scan(&ts, &row.StationID, &row.Lat, &row.Lon,
			&row.FcstMinutes, &stVal, &mdVal, &abErr); err != nil {
			return nil, fmt.Errorf("failed to scan comparison row: %w", err)
		}
		row.Time = ts.UTC()
		row.Station = fromNull(stVal)
		row.Model = fromNull(mdVal)
		row.AbsError = fromNull(abErr)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate comparison rows: %w", err)
	}
	return out, nil
}

// ListRuns returns all run summaries, newest first, without rows or
// per-station metrics.
func (s *Store) ListRuns(ctx context.Context) ([]align.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, model, grid_param, station_param, idw_radius,
			compared_count, me, mae, rmse
		 FROM alignment_runs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []align.Run
	for rows.Next() {
		var (
			run       align.Run
			createdAt time.Time
			model     string
		)
		if err := rows.Scan(&run.ID, &createdAt, &model, &run.GridParam,
			&run.StationParam, &run.IDWRadius, &run.Overall.Count,
			&run.Overall.ME, &run.Overall.MAE, &run.Overall.RMSE); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		run.CreatedAt = createdAt.UTC()
		run.Model = grid.Model(model)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
