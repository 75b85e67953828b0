// Package repository implements SQLite-backed persistence for credentials,
// upstreams, model overrides, and settings. Conditional-UPDATE statements
// double as the compare-and-swap primitive the balance ledger (internal/ledger)
// builds its atomic operations on, following the plain database/sql +
// RFC3339-string-timestamps idiom of the teacher's internal/repository package.
package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmylchreest/proxyd/internal/models"
)

// CredentialRepository persists credential rows and performs the
// conditional atomic updates the ledger depends on.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository constructs a CredentialRepository.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// ErrNoRows is returned when a conditional update affects zero rows — the
// caller lost a race or the precondition did not hold.
var ErrNoRows = sql.ErrNoRows

func scanCredential(row interface {
	Scan(dest ...any) error
}) (*models.Credential, error) {
	var c models.Credential
	var createdAt, updatedAt string
	if err := row.Scan(
		&c.Hash, &c.BalanceMsats, &c.ReservedMsats, &c.TotalSpentMsats, &c.TotalRequests,
		&c.RefundAddress, &c.RefundMint, &c.RefundCurrency, &c.ExpiryTime, &c.ParentCredentialHash,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

const credentialColumns = `hash, balance_msats, reserved_msats, total_spent_msats, total_requests,
	refund_address, refund_mint, refund_currency, expiry_time, parent_credential_hash,
	created_at, updated_at`

// Get fetches a credential by hash. Returns (nil, nil) if not found.
func (r *CredentialRepository) Get(ctx context.Context, hash string) (*models.Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE hash = ?`, hash)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts a new zero-balance (or explicitly seeded) credential row.
// Returns the driver's unique constraint error (see IsUniqueViolation) when
// the hash already exists; callers should treat that as "reuse the existing row".
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (
			hash, balance_msats, reserved_msats, total_spent_msats, total_requests,
			refund_address, refund_mint, refund_currency, expiry_time, parent_credential_hash,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Hash, c.BalanceMsats, c.ReservedMsats, c.TotalSpentMsats, c.TotalRequests,
		c.RefundAddress, c.RefundMint, c.RefundCurrency, c.ExpiryTime, c.ParentCredentialHash,
		now, now,
	)
	return err
}

// Reserve performs the C5 reserve() op: on the row with the given hash (the
// ledger passes the parent's hash for a sub-credential), atomically requires balance >= reserved+amount
// then applies reserved += amount, total_requests += 1. Returns ErrNoRows if
// the condition failed (insufficient balance or a lost race).
func (r *CredentialRepository) Reserve(ctx context.Context, hash string, amount int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET reserved_msats = reserved_msats + ?, total_requests = total_requests + 1, updated_at = ?
		WHERE hash = ? AND balance_msats >= reserved_msats + ?`,
		amount, time.Now().UTC().Format(time.RFC3339), hash, amount,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// Finalize performs the C5 finalize() op: reserved -= reservedAmount,
// balance -= actualAmount, total_spent += actualAmount.
func (r *CredentialRepository) Finalize(ctx context.Context, hash string, reservedAmount, actualAmount int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET reserved_msats = reserved_msats - ?,
		    balance_msats = balance_msats - ?,
		    total_spent_msats = total_spent_msats + ?,
		    updated_at = ?
		WHERE hash = ? AND reserved_msats >= ? AND balance_msats >= ?`,
		reservedAmount, actualAmount, actualAmount,
		time.Now().UTC().Format(time.RFC3339), hash, reservedAmount, actualAmount,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// Revert performs the C5 revert() op: reserved -= reservedAmount, total_requests -= 1.
func (r *CredentialRepository) Revert(ctx context.Context, hash string, reservedAmount int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET reserved_msats = reserved_msats - ?, total_requests = total_requests - 1, updated_at = ?
		WHERE hash = ? AND reserved_msats >= ?`,
		reservedAmount, time.Now().UTC().Format(time.RFC3339), hash, reservedAmount,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// Credit performs the C5 credit() op: balance += amount.
func (r *CredentialRepository) Credit(ctx context.Context, hash string, amount int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET balance_msats = balance_msats + ?, updated_at = ? WHERE hash = ?`,
		amount, time.Now().UTC().Format(time.RFC3339), hash,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// Refund performs the C5 refund() op's ledger half: balance -= amount,
// conditioned on balance >= amount and a non-null refund_address. The
// caller (internal/ledger) still must invoke the wallet collaborator.
func (r *CredentialRepository) Refund(ctx context.Context, hash string, amount int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET balance_msats = balance_msats - ?, updated_at = ?
		WHERE hash = ? AND balance_msats >= ? AND refund_address IS NOT NULL AND refund_address != ''`,
		amount, time.Now().UTC().Format(time.RFC3339), hash, amount,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// SetRefundInfo records the refund address/mint/currency/expiry on a credential.
func (r *CredentialRepository) SetRefundInfo(ctx context.Context, hash, address, mint, currency string, expiry *int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET refund_address = ?, refund_mint = ?, refund_currency = ?, expiry_time = ?, updated_at = ?
		WHERE hash = ?`,
		nullableString(address), nullableString(mint), nullableString(currency), expiry,
		time.Now().UTC().Format(time.RFC3339), hash,
	)
	return err
}

// BumpRequestCounter adjusts only total_requests on a row, used to keep a
// sub-credential's own display counter in sync while its reservation lives
// on the parent row.
func (r *CredentialRepository) BumpRequestCounter(ctx context.Context, hash string, delta int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET total_requests = total_requests + ?, updated_at = ? WHERE hash = ?`,
		delta, time.Now().UTC().Format(time.RFC3339), hash,
	)
	return err
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint
// conflict, the signal the payment-method resolver (C6) treats as "another
// request already redeemed this exact token, reuse its row instead."
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "UNIQUE CONSTRAINT") || strings.Contains(msg, "CONSTRAINT FAILED")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}
