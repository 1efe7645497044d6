package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const maxTxAttempts = 10

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// DB is a storage.Database backed by PostgreSQL.
type DB struct {
	*sqlx.DB
	logger *slog.Logger
}

// NewDB creates a new database connection.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set pool configuration
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}

	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, logger: slog.Default().With("component", "postgres")}, nil
}

// Migrate applies the embedded schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// StartMetricsCollector starts a background goroutine to collect DB metrics.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// Health checks if the database is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// statusRow is the single row of sync_status.
type statusRow struct {
	HeadNumber      sql.NullInt64  `db:"head_number"`
	HeadHash        sql.NullString `db:"head_hash"`
	FinalizedNumber sql.NullInt64  `db:"finalized_number"`
	FinalizedHash   sql.NullString `db:"finalized_hash"`
}

func (r statusRow) head() *domain.BlockRef {
	return toRef(r.HeadNumber, r.HeadHash)
}

func (r statusRow) finalized() *domain.BlockRef {
	return toRef(r.FinalizedNumber, r.FinalizedHash)
}

func toRef(n sql.NullInt64, h sql.NullString) *domain.BlockRef {
	if !n.Valid {
		return nil
	}
	return &domain.BlockRef{Number: uint64(n.Int64), Hash: h.String}
}

func fromRef(r *domain.BlockRef) (sql.NullInt64, sql.NullString) {
	if r == nil {
		return sql.NullInt64{}, sql.NullString{}
	}
	return sql.NullInt64{Int64: int64(r.Number), Valid: true}, sql.NullString{String: r.Hash, Valid: true}
}

const selectStatus = `SELECT head_number, head_hash, finalized_number, finalized_hash FROM sync_status WHERE id = 1`

func (db *DB) status(ctx context.Context) (statusRow, error) {
	var row statusRow
	if err := db.GetContext(ctx, &row, selectStatus); err != nil {
		return row, fmt.Errorf("failed to read sync status: %w", err)
	}
	return row, nil
}

// GetHead implements storage.Database.
func (db *DB) GetHead(ctx context.Context) (*domain.BlockRef, error) {
	row, err := db.status(ctx)
	if err != nil {
		return nil, err
	}
	return row.head(), nil
}

// GetFinalizedHead implements storage.Database.
func (db *DB) GetFinalizedHead(ctx context.Context) (*domain.BlockRef, error) {
	row, err := db.status(ctx)
	if err != nil {
		return nil, err
	}
	return row.finalized(), nil
}

// GetUnfinalizedBlocks implements storage.Database.
func (db *DB) GetUnfinalizedBlocks(ctx context.Context, top uint64) ([]domain.BlockRef, error) {
	var refs []domain.BlockRef
	err := db.SelectContext(ctx, &refs,
		`SELECT block_number, block_hash FROM hot_blocks WHERE block_number <= $1 ORDER BY block_number DESC`,
		int64(top))
	if err != nil {
		return nil, fmt.Errorf("failed to read hot blocks: %w", err)
	}
	return refs, nil
}

// Transact implements storage.Database. Transactions run with serializable
// isolation and are retried on serialization conflicts.
func (db *DB) Transact(ctx context.Context, fn func(tx storage.Transaction) error) error {
	for attempt := 0; ; attempt++ {
		err := db.transactOnce(ctx, fn)
		if err == nil || !isSerializationFailure(err) || attempt+1 >= maxTxAttempts {
			return err
		}

		metrics.DBTxRetries.Inc()
		db.logger.Debug("serialization failure, retrying", "attempt", attempt+1, "maxRetries", maxTxAttempts)

		// 1ms, 2ms, 4ms ... capped at 100ms, plus jitter
		base := min(time.Duration(1<<attempt)*time.Millisecond, 100*time.Millisecond)
		jitter := time.Duration(rand.Int63n(int64(base)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(base + jitter):
		}
	}
}

func (db *DB) transactOnce(ctx context.Context, fn func(tx storage.Transaction) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			db.logger.Warn("failed to rollback transaction", "error", err)
		}
	}()

	uow, err := newUnitOfWork(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(uow); err != nil {
		return err
	}
	if err := uow.flush(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isSerializationFailure checks for SQLSTATE 40001 (serialization_failure)
// and 40P01 (deadlock_detected).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
