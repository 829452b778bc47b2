package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/leafsii/leafsii-liquidity/internal/ledger"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Repository stores the ledger reconciliation outbox in Postgres.
type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

var _ ledger.Outbox = (*Repository)(nil)

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Open connects to Postgres through the pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

const entryColumns = `id, tx_reference, amount, interest_rate_percent, lock_duration_months,
	status, attempts, last_error, available_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	var status string
	err := row.Scan(
		&e.ID,
		&e.Record.TransactionReference,
		&e.Record.Amount,
		&e.Record.InterestRatePercent,
		&e.Record.LockDurationMonths,
		&status,
		&e.Attempts,
		&e.LastError,
		&e.AvailableAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	e.Status = ledger.Status(status)
	return e, err
}

func (r *Repository) Enqueue(ctx context.Context, rec ledger.Record, availableAt time.Time) (ledger.Entry, bool, error) {
	query := `
		INSERT INTO ledger_outbox (tx_reference, amount, interest_rate_percent, lock_duration_months, status, available_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (tx_reference) DO NOTHING
		RETURNING ` + entryColumns

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query,
		rec.TransactionReference,
		rec.Amount,
		rec.InterestRatePercent,
		rec.LockDurationMonths,
		availableAt,
	))
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, fmt.Errorf("failed to enqueue ledger record: %w", err)
	}

	existing, err := r.Get(ctx, rec.TransactionReference)
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return existing, false, nil
}

func (r *Repository) Get(ctx context.Context, ref string) (ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_outbox WHERE tx_reference = $1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, ledger.ErrNotFound
		}
		return ledger.Entry{}, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

func (r *Repository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int32) ([]ledger.Entry, error) {
	query := `
		UPDATE ledger_outbox SET available_at = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM ledger_outbox
			WHERE status = 'pending' AND available_at <= $1
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	rows, err := r.db.QueryContext(ctx, query, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim ledger entries: %w", err)
	}
	defer rows.Close()

	entries, err := collect(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (r *Repository) MarkDone(ctx context.Context, ref string) error {
	return r.exec(ctx, "mark ledger entry done", `
		UPDATE ledger_outbox SET status = 'done', last_error = '', updated_at = NOW()
		WHERE tx_reference = $1`, ref)
}

func (r *Repository) MarkRetry(ctx context.Context, ref string, next time.Time, lastError string) error {
	return r.exec(ctx, "schedule ledger retry", `
		UPDATE ledger_outbox
		SET status = 'pending', attempts = attempts + 1, available_at = $2, last_error = $3, updated_at = NOW()
		WHERE tx_reference = $1`, ref, next, lastError)
}

func (r *Repository) MarkFailed(ctx context.Context, ref string, lastError string) error {
	return r.exec(ctx, "mark ledger entry failed", `
		UPDATE ledger_outbox
		SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE tx_reference = $1`, ref, lastError)
}

func (r *Repository) Reschedule(ctx context.Context, ref string, at time.Time) error {
	return r.exec(ctx, "reschedule ledger entry", `
		UPDATE ledger_outbox
		SET status = CASE WHEN status = 'done' THEN status ELSE 'pending' END,
			available_at = $2, updated_at = NOW()
		WHERE tx_reference = $1`, ref, at)
}

func (r *Repository) List(ctx context.Context, status ledger.Status, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + entryColumns + ` FROM ledger_outbox
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func collect(rows *sql.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}
