package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/metrics"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateReference indicates the confirmation reference is already attached to another payment.
	ErrDuplicateReference = errors.New("storage: duplicate confirmation reference")
	// ErrCandidateClaimed indicates the on-chain transaction already settled a payment.
	ErrCandidateClaimed = errors.New("storage: candidate already claimed")
	// ErrInsufficientBalance indicates a debit larger than the available balance.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
)

// Tx is the set of operations available inside a ledger transaction.
// Row locks taken through LockUser and LockPayment are held until the
// transaction ends. Callers lock the payment before the user.
type Tx interface {
	// LockUser creates the user row when missing and locks it.
	LockUser(ctx context.Context, userID int64) (User, error)
	// LockPayment locks the payment row. Returns ErrNotFound when missing.
	LockPayment(ctx context.Context, id string) (Payment, error)
	// FindActivePending returns the newest pending payment of the user that has not expired at now.
	FindActivePending(ctx context.Context, userID int64, now time.Time) (Payment, error)
	InsertPayment(ctx context.Context, p Payment) error
	// UpdatePayment overwrites the mutable fields of an existing payment.
	UpdatePayment(ctx context.Context, p Payment) error
	// ConfirmationRefUsed reports whether any payment carries ref.
	ConfirmationRefUsed(ctx context.Context, ref string) (bool, error)
	// CreditBalance adds amount and returns the new balance.
	CreditBalance(ctx context.Context, userID int64, amount int64) (int64, error)
	// DebitBalance subtracts amount, failing with ErrInsufficientBalance.
	DebitBalance(ctx context.Context, userID int64, amount int64) (int64, error)
	SetEntitlement(ctx context.Context, userID int64, until time.Time) error
	// ClaimCandidate binds an unclaimed candidate to a payment.
	// Fails with ErrCandidateClaimed when it is already bound, ErrNotFound when unknown.
	ClaimCandidate(ctx context.Context, txHash, paymentID string) error
}

// Store is the payment ledger.
type Store interface {
	// InTx runs fn in a single transaction, committing when fn returns nil.
	// fn must only use the Tx it is given for writes.
	InTx(ctx context.Context, fn func(Tx) error) error

	GetPayment(ctx context.Context, id string) (Payment, error)
	// GetUser returns ErrNotFound for users that never had a ledger row.
	GetUser(ctx context.Context, userID int64) (User, error)
	// ListByStatus lists payments with status, optionally filtered by method ("" = all), oldest first.
	ListByStatus(ctx context.Context, method Method, status Status) ([]Payment, error)
	// ListExpiredSince lists expired payments of method whose deadline is not older than since.
	ListExpiredSince(ctx context.Context, method Method, since time.Time) ([]Payment, error)

	// InsertCandidate stores an observed transfer. It is idempotent by tx hash
	// and reports whether a new row was written.
	InsertCandidate(ctx context.Context, c Candidate) (bool, error)
	// UnclaimedCandidates lists unclaimed candidates carrying memo with a block time at or after since.
	UnclaimedCandidates(ctx context.Context, memo string, since time.Time) ([]Candidate, error)

	// ExpireOverdue moves pending payments past their deadline to expired.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	// DeleteTerminalOlderThan removes expired, cancelled and failed payments
	// last updated before cutoff, along with unclaimed candidates observed before it.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// NewStore creates a Store for the configured backend.
// sharedDB is used for the postgres backend when non-nil; otherwise a new pool is opened.
func NewStore(cfg config.StorageConfig, sharedDB *sql.DB, m *metrics.Metrics) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		// Memory backend loses the ledger on restart. Development and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var (
			store *PostgresStore
			err   error
		)
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB, tableNamesFromConfig(cfg.SchemaMapping))
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, tableNamesFromConfig(cfg.SchemaMapping))
		}
		if err != nil {
			return nil, err
		}
		return store.WithMetrics(m), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// TableNames holds the ledger table names.
type TableNames struct {
	Payments   string
	Users      string
	Candidates string
}

func tableNamesFromConfig(m config.SchemaMappingConfig) TableNames {
	names := TableNames{
		Payments:   DefaultPaymentsTable,
		Users:      DefaultUsersTable,
		Candidates: DefaultCandidatesTable,
	}
	if m.Payments.TableName != "" {
		names.Payments = m.Payments.TableName
	}
	if m.Users.TableName != "" {
		names.Users = m.Users.TableName
	}
	if m.Candidates.TableName != "" {
		names.Candidates = m.Candidates.TableName
	}
	return names
}
