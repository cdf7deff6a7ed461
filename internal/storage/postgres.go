package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mholetzko/permetix/internal/domain"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// PostgresArchive implements domain.Archive using PostgreSQL. It
// holds the durable history of borrows and overage charges; the
// ledger's in-memory state stays authoritative for live counters.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive opens the connection pool and ensures the
// schema exists.
func NewPostgresArchive(config PostgresConfig) (*PostgresArchive, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.Database,
		config.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	archive := &PostgresArchive{db: db}
	if err := archive.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return archive, nil
}

func (a *PostgresArchive) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS borrows (
		id VARCHAR(64) PRIMARY KEY,
		tool VARCHAR(255) NOT NULL,
		borrower VARCHAR(255) NOT NULL,
		borrowed_at TIMESTAMPTZ NOT NULL,
		returned_at TIMESTAMPTZ,
		is_overage BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_borrows_borrower ON borrows(borrower);
	CREATE INDEX IF NOT EXISTS idx_borrows_outstanding ON borrows(borrowed_at DESC) WHERE returned_at IS NULL;

	CREATE TABLE IF NOT EXISTS overage_charges (
		id VARCHAR(64) PRIMARY KEY,
		tool VARCHAR(255) NOT NULL,
		borrow_id VARCHAR(64) NOT NULL REFERENCES borrows(id),
		borrower VARCHAR(255) NOT NULL,
		charged_at TIMESTAMPTZ NOT NULL,
		amount DOUBLE PRECISION NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overage_charges_tool ON overage_charges(tool, charged_at DESC);
	`

	_, err := a.db.ExecContext(ctx, schema)
	return err
}

func (a *PostgresArchive) SaveBorrow(ctx context.Context, borrow *domain.Borrow) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO borrows (id, tool, borrower, borrowed_at, is_overage)
		 VALUES ($1, $2, $3, $4, $5)`,
		borrow.ID, borrow.Tool, borrow.User, borrow.BorrowedAt, borrow.IsOverage,
	)
	if err != nil {
		return fmt.Errorf("failed to save borrow: %w", err)
	}
	return nil
}

func (a *PostgresArchive) MarkReturned(ctx context.Context, borrowID string) error {
	result, err := a.db.ExecContext(ctx,
		`UPDATE borrows SET returned_at = NOW() WHERE id = $1 AND returned_at IS NULL`,
		borrowID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark borrow returned: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrUnknownBorrow
	}
	return nil
}

func (a *PostgresArchive) SaveOverageCharge(ctx context.Context, charge *domain.OverageCharge) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO overage_charges (id, tool, borrow_id, borrower, charged_at, amount)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		charge.ID, charge.Tool, charge.BorrowID, charge.User, charge.ChargedAt, charge.Amount,
	)
	if err != nil {
		return fmt.Errorf("failed to save overage charge: %w", err)
	}
	return nil
}

func (a *PostgresArchive) ListBorrows(ctx context.Context, user string) ([]domain.Borrow, error) {
	query := `SELECT id, tool, borrower, borrowed_at, returned_at, is_overage
		FROM borrows WHERE returned_at IS NULL`
	args := []interface{}{}
	if user != "" {
		query += ` AND borrower = $1`
		args = append(args, user)
	}
	query += ` ORDER BY borrowed_at DESC`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list borrows: %w", err)
	}
	defer rows.Close()

	var out []domain.Borrow
	for rows.Next() {
		var borrow domain.Borrow
		var returnedAt sql.NullTime
		if err := rows.Scan(&borrow.ID, &borrow.Tool, &borrow.User,
			&borrow.BorrowedAt, &returnedAt, &borrow.IsOverage); err != nil {
			return nil, err
		}
		if returnedAt.Valid {
			borrow.ReturnedAt = &returnedAt.Time
		}
		out = append(out, borrow)
	}
	return out, rows.Err()
}

func (a *PostgresArchive) ListOverageCharges(ctx context.Context, tool string) ([]domain.OverageCharge, error) {
	query := `SELECT id, tool, borrow_id, borrower, charged_at, amount FROM overage_charges`
	args := []interface{}{}
	if tool != "" {
		query += ` WHERE tool = $1`
		args = append(args, tool)
	}
	query += ` ORDER BY charged_at DESC`

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list overage charges: %w", err)
	}
	defer rows.Close()

	var out []domain.OverageCharge
	for rows.Next() {
		var charge domain.OverageCharge
		if err := rows.Scan(&charge.ID, &charge.Tool, &charge.BorrowID,
			&charge.User, &charge.ChargedAt, &charge.Amount); err != nil {
			return nil, err
		}
		out = append(out, charge)
	}
	return out, rows.Err()
}

func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
