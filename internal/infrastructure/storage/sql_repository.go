package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/ports"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	workItemsTable = "work_items"
)

var (
	//go:embed schema_sqlite.sql
	sqliteSchema string
	//go:embed schema_postgres.sql
	postgresSchema string
)

var workItemColumns = []string{
	"source", "collection", "number", "revision_fingerprint", "raw_content",
	"artifact", "status", "stage", "started_at_ms", "run_id",
}

// SQLRepository persists work items in SQLite or Postgres. Every lock
// transition is one predicate-guarded statement; nothing is read-then-written.
type SQLRepository struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

var _ ports.WorkItemStore = (*SQLRepository)(nil)

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLRepository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	repo, err := NewSQLRepository(db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return repo, nil
}

// NewSQLRepository wires an existing sql.DB for the given driver.
func NewSQLRepository(db *sql.DB, driver string) (*SQLRepository, error) {
	var format sq.PlaceholderFormat
	switch driver {
	case DriverSQLite:
		format = sq.Question
	case DriverPostgres:
		format = sq.Dollar
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	return &SQLRepository{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
	}, nil
}

// Migrate creates the work_items table if it does not exist.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if r.driver == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *SQLRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Get performs a point lookup by composite key.
func (r *SQLRepository) Get(ctx context.Context, key domain.Key) (domain.WorkItem, bool, error) {
	query, args, err := r.sb.Select(workItemColumns...).From(workItemsTable).Where(keyEq(key)).ToSql()
	if err != nil {
		return domain.WorkItem{}, false, fmt.Errorf("build get: %w", err)
	}

	var (
		item                       domain.WorkItem
		fingerprint, raw, artifact sql.NullString
		stage, runID               sql.NullString
		status                     string
		startedAt                  sql.NullInt64
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&item.Key.Source, &item.Key.Collection, &item.Key.Number,
		&fingerprint, &raw, &artifact, &status, &stage, &startedAt, &runID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, false, nil
	}
	if err != nil {
		return domain.WorkItem{}, false, fmt.Errorf("get work item %s: %w", key, err)
	}

	item.RevisionFingerprint = fingerprint.String
	item.RawContent = raw.String
	item.Artifact = artifact.String
	item.Status = domain.Status(status)
	item.Stage = domain.Stage(stage.String)
	item.RunID = runID.String
	if startedAt.Valid {
		item.StartedAt = time.UnixMilli(startedAt.Int64).UTC()
	}

	return item, true, nil
}

// Invalidate resets a row derived from staleFingerprint back to idle and
// records currentFingerprint. It is a no-op if another caller got there first.
func (r *SQLRepository) Invalidate(ctx context.Context, key domain.Key, staleFingerprint, currentFingerprint string) (bool, error) {
	builder := r.sb.Update(workItemsTable).
		Set("status", string(domain.StatusIdle)).
		Set("raw_content", nil).
		Set("artifact", nil).
		Set("stage", nil).
		Set("started_at_ms", nil).
		Set("run_id", nil).
		Set("revision_fingerprint", nullString(currentFingerprint)).
		Where(keyEq(key)).
		Where(sq.Eq{"revision_fingerprint": nullString(staleFingerprint)})

	return r.exec(ctx, "invalidate", key, builder)
}

// TryAcquire is the compare-and-set that elects the sole generator: it only
// matches rows that are not generating (or whose generation predates
// claim.StaleBefore) and that are not already fresh for claim.Fingerprint.
func (r *SQLRepository) TryAcquire(ctx context.Context, key domain.Key, claim domain.Claim) (bool, error) {
	notRunning := sq.Or{sq.NotEq{"status": string(domain.StatusGenerating)}}
	if !claim.StaleBefore.IsZero() {
		notRunning = append(notRunning, sq.Lt{"started_at_ms": claim.StaleBefore.UnixMilli()})
	}

	notFresh := sq.Or{
		sq.NotEq{"status": string(domain.StatusReady)},
		sq.Eq{"revision_fingerprint": nil},
		sq.NotEq{"revision_fingerprint": claim.Fingerprint},
	}

	builder := r.sb.Update(workItemsTable).
		Set("status", string(domain.StatusGenerating)).
		Set("stage", string(domain.StageFetchingSource)).
		Set("started_at_ms", claim.StartedAt.UnixMilli()).
		Set("revision_fingerprint", nullString(claim.Fingerprint)).
		Set("run_id", claim.RunID).
		Set("raw_content", nil).
		Set("artifact", nil).
		Where(keyEq(key)).
		Where(notRunning).
		Where(notFresh)

	return r.exec(ctx, "acquire", key, builder)
}

// Create inserts a row already in the generating state. A duplicate key is
// reported as created=false so the caller can re-read and resolve.
func (r *SQLRepository) Create(ctx context.Context, key domain.Key, claim domain.Claim) (bool, error) {
	query, args, err := r.sb.Insert(workItemsTable).
		Columns("source", "collection", "number", "revision_fingerprint", "status", "stage", "started_at_ms", "run_id").
		Values(key.Source, key.Collection, key.Number, nullString(claim.Fingerprint),
			string(domain.StatusGenerating), string(domain.StageFetchingSource),
			claim.StartedAt.UnixMilli(), claim.RunID).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build create: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("create work item %s: %w", key, err)
	}
	return true, nil
}

// SetStage records pipeline progress for the run holding the lock.
func (r *SQLRepository) SetStage(ctx context.Context, key domain.Key, runID string, stage domain.Stage) (bool, error) {
	builder := r.sb.Update(workItemsTable).
		Set("stage", string(stage)).
		Where(runEq(key, runID))

	return r.exec(ctx, "set stage", key, builder)
}

// Complete stores the result and releases the lock.
func (r *SQLRepository) Complete(ctx context.Context, key domain.Key, runID, rawContent, artifact string) (bool, error) {
	builder := r.sb.Update(workItemsTable).
		Set("raw_content", rawContent).
		Set("artifact", artifact).
		Set("status", string(domain.StatusReady)).
		Set("stage", nil).
		Set("started_at_ms", nil).
		Where(runEq(key, runID))

	return r.exec(ctx, "complete", key, builder)
}

// Fail marks the run's row as errored and releases the lock.
func (r *SQLRepository) Fail(ctx context.Context, key domain.Key, runID string) (bool, error) {
	builder := r.sb.Update(workItemsTable).
		Set("status", string(domain.StatusError)).
		Set("stage", nil).
		Set("started_at_ms", nil).
		Set("raw_content", nil).
		Set("artifact", nil).
		Where(runEq(key, runID))

	return r.exec(ctx, "fail", key, builder)
}

func (r *SQLRepository) exec(ctx context.Context, op string, key domain.Key, builder sq.UpdateBuilder) (bool, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return false, fmt.Errorf("build %s: %w", op, err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s work item %s: %w", op, key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s work item %s: rows affected: %w", op, key, err)
	}
	return n > 0, nil
}

func keyEq(key domain.Key) sq.Eq {
	return sq.Eq{
		"source":     key.Source,
		"collection": key.Collection,
		"number":     key.Number,
	}
}

func runEq(key domain.Key, runID string) sq.Eq {
	eq := keyEq(key)
	eq["run_id"] = runID
	eq["status"] = string(domain.StatusGenerating)
	return eq
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}
