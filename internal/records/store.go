// Package records persists the per-model answer records of ensemble runs so
// that aggregation can be repeated without re-running inference.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/squadqa/internal/ensemble"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("ensemble run not found")

// Driver names accepted by New.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Run describes one ensemble evaluation.
type Run struct {
	ID            string
	InputPath     string
	CheckpointDir string
	Models        int
	Rule          string
	CreatedAt     time.Time
}

// Store reads and writes answer records in SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to dsn. postgres:// and postgresql:// URLs use lib/pq;
// anything else is a SQLite database path.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("records dsn is required")
	}
	driver := DriverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = DriverPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open records db: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping records db: %w", err)
	}
	store, err := New(ctx, db, driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and ensures the schema exists.
func New(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported records driver %q", driver)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		driver: driver,
		logger: logger.With("component", "records"),
		now:    time.Now,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ensemble_runs (
			id TEXT PRIMARY KEY,
			input_path TEXT NOT NULL,
			checkpoint_dir TEXT NOT NULL,
			models INTEGER NOT NULL,
			rule TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS answer_records (
			run_id TEXT NOT NULL,
			model INTEGER NOT NULL,
			uuid TEXT NOT NULL,
			answer TEXT NOT NULL,
			span_start INTEGER NOT NULL,
			span_end INTEGER NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, model, uuid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ensemble_runs_created_at ON ensemble_runs (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure records schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites $N placeholders to ? for SQLite. Queries number their
// placeholders in order of appearance.
func (s *Store) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// CreateRun registers a new ensemble run.
func (s *Store) CreateRun(ctx context.Context, inputPath, checkpointDir string, models int, rule ensemble.Rule) (Run, error) {
	run := Run{
		ID:            uuid.NewString(),
		InputPath:     inputPath,
		CheckpointDir: checkpointDir,
		Models:        models,
		Rule:          string(rule),
		CreatedAt:     s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ensemble_runs (id, input_path, checkpoint_dir, models, rule, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`),
		run.ID, run.InputPath, run.CheckpointDir, run.Models, run.Rule, run.CreatedAt)
	if err != nil {
		return Run{}, fmt.Errorf("insert ensemble run: %w", err)
	}
	s.logger.Info("ensemble run created", "run_id", run.ID, "models", models)
	return run, nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, input_path, checkpoint_dir, models, rule, created_at
		FROM ensemble_runs WHERE id = $1`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get ensemble run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, input_path, checkpoint_dir, models, rule, created_at
		FROM ensemble_runs ORDER BY created_at DESC, id LIMIT $1`), limit)
	if err != nil {
		return nil, fmt.Errorf("list ensemble runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ensemble run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.InputPath, &run.CheckpointDir, &run.Models, &run.Rule, &run.CreatedAt)
	return run, err
}

// SaveRecordSet replaces the records of one model in a run.
func (s *Store) SaveRecordSet(ctx context.Context, runID string, set ensemble.RecordSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM answer_records WHERE run_id = $1 AND model = $2`),
		runID, set.Model); err != nil {
		return fmt.Errorf("clear model %d records: %w", set.Model, err)
	}

	ids := make([]string, 0, len(set.Records))
	for id := range set.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	insert := s.rebind(`
		INSERT INTO answer_records (run_id, model, uuid, answer, span_start, span_end, score)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	for _, id := range ids {
		rec := set.Records[id]
		if _, err := tx.ExecContext(ctx, insert,
			runID, set.Model, id, rec.Text, rec.Start, rec.End, rec.Score); err != nil {
			return fmt.Errorf("insert record %s for model %d: %w", id, set.Model, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit model %d records: %w", set.Model, err)
	}
	s.logger.Debug("record set saved", "run_id", runID, "model", set.Model, "records", len(ids))
	return nil
}

// LoadRecordSets returns the record sets of a run ordered by model.
func (s *Store) LoadRecordSets(ctx context.Context, runID string) ([]ensemble.RecordSet, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT model, uuid, answer, span_start, span_end, score
		FROM answer_records WHERE run_id = $1 ORDER BY model, uuid`), runID)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var sets []ensemble.RecordSet
	for rows.Next() {
		var (
			model int
			rec   ensemble.Record
		)
		if err := rows.Scan(&model, &rec.UUID, &rec.Text, &rec.Start, &rec.End, &rec.Score); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if len(sets) == 0 || sets[len(sets)-1].Model != model {
			sets = append(sets, ensemble.RecordSet{Model: model, Records: map[string]ensemble.Record{}})
		}
		sets[len(sets)-1].Records[rec.UUID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sets, nil
}
