package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/oklog/ulid/v2"
)

// LedgerTxRepository records an append-only audit trail of every ledger
// operation, independent of the credential row's current counters. Not
// read on the hot path; useful for reconciliation and support.
type LedgerTxRepository struct {
	db *sql.DB
}

// NewLedgerTxRepository constructs a LedgerTxRepository.
func NewLedgerTxRepository(db *sql.DB) *LedgerTxRepository {
	return &LedgerTxRepository{db: db}
}

// Op is the ledger operation name recorded on each row.
type Op string

const (
	OpReserve  Op = "reserve"
	OpFinalize Op = "finalize"
	OpRevert   Op = "revert"
	OpCredit   Op = "credit"
	OpRefund   Op = "refund"
)

// Append records one ledger operation against a credential hash.
func (r *LedgerTxRepository) Append(ctx context.Context, credentialHash string, op Op, reservedDelta, balanceDelta, spentDelta int64, requestsDelta int64) error {
	id := ulid.Make().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, credential_hash, op, reserved_delta_msats, balance_delta_msats, spent_delta_msats, requests_delta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, credentialHash, string(op), reservedDelta, balanceDelta, spentDelta, requestsDelta,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
