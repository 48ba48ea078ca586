package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/lib/pq"
)

const backendPostgres = "postgres"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	ownsDB  bool // Track if we created the DB connection (for Close())
	tables  TableNames
	metrics *metrics.Metrics
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, tables TableNames) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true, tables: tables}
	if err := store.createPostgresTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB, tables TableNames) (*PostgresStore, error) {
	store := &PostgresStore{db: db, tables: tables}
	if err := store.createPostgresTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// WithMetrics attaches query duration metrics.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

// createPostgresTables creates the ledger tables if they don't exist.
func (s *PostgresStore) createPostgresTables() error {
	p, u, c := s.tables.Payments, s.tables.Users, s.tables.Candidates
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			method TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			quoted_amount BIGINT NOT NULL DEFAULT 0,
			quote_asset TEXT NOT NULL DEFAULT '',
			confirmation_ref TEXT UNIQUE,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id BIGINT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			entitlement_expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			tx_hash TEXT PRIMARY KEY,
			sender TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			block_time TIMESTAMPTZ NOT NULL,
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			observed_at TIMESTAMPTZ NOT NULL
		);

		ALTER TABLE %[3]s ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ;

		CREATE INDEX IF NOT EXISTS idx_%[1]s_user_status ON %[1]s(user_id, status);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_method_status ON %[1]s(method, status);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status_expires ON %[1]s(status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_memo_unclaimed ON %[3]s(memo, block_time) WHERE claimed_by IS NULL;
	`, p, u, c)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

// Close closes the pool when this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InTx runs fn inside a database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	done := metrics.MeasureDBQuery(s.metrics, "transaction", backendPostgres)
	defer done()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			err = fmt.Errorf("storage: transaction panicked: %v", r)
		}
	}()

	if err := fn(&pgTx{store: s, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapPgError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *PostgresStore) paymentColumns() string {
	return "id, user_id, method, amount, status, memo, quoted_amount, quote_asset, confirmation_ref, metadata, created_at, expires_at, confirmed_at, updated_at"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (Payment, error) {
	var (
		p           Payment
		method      string
		status      string
		ref         sql.NullString
		metadata    []byte
		confirmedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.UserID, &method, &p.Amount, &status, &p.Memo, &p.QuotedAmount, &p.QuoteAsset,
		&ref, &metadata, &p.CreatedAt, &p.ExpiresAt, &confirmedAt, &p.UpdatedAt); err != nil {
		return Payment{}, err
	}
	p.Method = Method(method)
	p.Status = Status(status)
	p.ConfirmationRef = ref.String
	if confirmedAt.Valid {
		p.ConfirmedAt = ptrTime(confirmedAt.Time)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return Payment{}, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]Payment, error) {
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanUser(row rowScanner) (User, error) {
	var (
		u           User
		entitlement sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Balance, &entitlement, &u.UpdatedAt); err != nil {
		return User{}, err
	}
	if entitlement.Valid {
		u.EntitlementExpiresAt = ptrTime(entitlement.Time)
	}
	return u, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// mapPgError converts unique violations into ErrDuplicateReference.
func mapPgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, pqErr.Constraint)
	}
	return err
}

// GetPayment retrieves a payment by id.
func (s *PostgresStore) GetPayment(ctx context.Context, id string) (Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_payment", backendPostgres)()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", s.paymentColumns(), s.tables.Payments)
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// GetUser retrieves a user's balance row.
func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "get_user", backendPostgres)()

	query := fmt.Sprintf("SELECT id, balance, entitlement_expires_at, updated_at FROM %s WHERE id = $1", s.tables.Users)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListByStatus lists payments in status, oldest first.
func (s *PostgresStore) ListByStatus(ctx context.Context, method Method, status Status) ([]Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_by_status", backendPostgres)()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = $1 AND ($2 = '' OR method = $2) ORDER BY created_at ASC, id ASC",
		s.paymentColumns(), s.tables.Payments)
	rows, err := s.db.QueryContext(ctx, query, string(status), string(method))
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return scanPayments(rows)
}

// ListExpiredSince lists expired payments of method whose deadline is at or after since.
func (s *PostgresStore) ListExpiredSince(ctx context.Context, method Method, since time.Time) ([]Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_expired_since", backendPostgres)()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = $1 AND method = $2 AND expires_at >= $3 ORDER BY created_at ASC, id ASC",
		s.paymentColumns(), s.tables.Payments)
	rows, err := s.db.QueryContext(ctx, query, string(StatusExpired), string(method), since)
	if err != nil {
		return nil, fmt.Errorf("list expired payments: %w", err)
	}
	return scanPayments(rows)
}

// InsertCandidate stores c unless a candidate with the same hash exists.
func (s *PostgresStore) InsertCandidate(ctx context.Context, c Candidate) (bool, error) {
	if err := validateAndPrepareCandidate(&c, time.Now()); err != nil {
		return false, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "insert_candidate", backendPostgres)()

	query := fmt.Sprintf(`
		INSERT INTO %s (tx_hash, sender, amount, memo, block_time, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING
	`, s.tables.Candidates)
	res, err := s.db.ExecContext(ctx, query, c.TxHash, c.Sender, c.Amount, c.Memo, c.BlockTime, c.ObservedAt)
	if err != nil {
		return false, fmt.Errorf("insert candidate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert candidate rows: %w", err)
	}
	return n == 1, nil
}

// UnclaimedCandidates lists unclaimed candidates for memo, oldest block first.
func (s *PostgresStore) UnclaimedCandidates(ctx context.Context, memo string, since time.Time) ([]Candidate, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "unclaimed_candidates", backendPostgres)()

	query := fmt.Sprintf(`
		SELECT tx_hash, sender, amount, memo, block_time, observed_at
		FROM %s
		WHERE memo = $1 AND claimed_by IS NULL AND block_time >= $2
		ORDER BY block_time ASC, tx_hash ASC
	`, s.tables.Candidates)
	rows, err := s.db.QueryContext(ctx, query, memo, since)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.TxHash, &c.Sender, &c.Amount, &c.Memo, &c.BlockTime, &c.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExpireOverdue moves overdue pending payments to expired.
func (s *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "expire_overdue", backendPostgres)()

	query := fmt.Sprintf("UPDATE %s SET status = $1, updated_at = $2 WHERE status = $3 AND expires_at <= $2", s.tables.Payments)
	res, err := s.db.ExecContext(ctx, query, string(StatusExpired), now, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("expire overdue payments: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalOlderThan removes stale terminal payments and unclaimed candidates.
func (s *PostgresStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "delete_terminal", backendPostgres)()

	payments := fmt.Sprintf("DELETE FROM %s WHERE status IN ($1, $2, $3) AND updated_at < $4", s.tables.Payments)
	res, err := s.db.ExecContext(ctx, payments, string(StatusExpired), string(StatusCancelled), string(StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal payments: %w", err)
	}
	deleted, _ := res.RowsAffected()

	candidates := fmt.Sprintf("DELETE FROM %s WHERE claimed_by IS NULL AND observed_at < $1", s.tables.Candidates)
	res, err = s.db.ExecContext(ctx, candidates, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("delete stale candidates: %w", err)
	}
	n, _ := res.RowsAffected()
	return deleted + n, nil
}

// pgTx implements Tx on a *sql.Tx.
type pgTx struct {
	store *PostgresStore
	tx    *sql.Tx
}

func (t *pgTx) q() queryer { return t.tx }

func (t *pgTx) LockUser(ctx context.Context, userID int64) (User, error) {
	users := t.store.tables.Users
	upsert := fmt.Sprintf("INSERT INTO %s (id, balance, updated_at) VALUES ($1, 0, $2) ON CONFLICT (id) DO NOTHING", users)
	if _, err := t.q().ExecContext(ctx, upsert, userID, time.Now()); err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	query := fmt.Sprintf("SELECT id, balance, entitlement_expires_at, updated_at FROM %s WHERE id = $1 FOR UPDATE", users)
	u, err := scanUser(t.q().QueryRowContext(ctx, query, userID))
	if err != nil {
		return User{}, fmt.Errorf("lock user: %w", err)
	}
	return u, nil
}

func (t *pgTx) LockPayment(ctx context.Context, id string) (Payment, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", t.store.paymentColumns(), t.store.tables.Payments)
	p, err := scanPayment(t.q().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("lock payment: %w", err)
	}
	return p, nil
}

func (t *pgTx) FindActivePending(ctx context.Context, userID int64, now time.Time) (Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`, t.store.paymentColumns(), t.store.tables.Payments)
	p, err := scanPayment(t.q().QueryRowContext(ctx, query, userID, string(StatusPending), now))
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("find active payment: %w", err)
	}
	return p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p Payment) error {
	if err := validateAndPreparePayment(&p, time.Now()); err != nil {
		return err
	}
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, t.store.tables.Payments, t.store.paymentColumns())
	_, err = t.q().ExecContext(ctx, query, p.ID, p.UserID, string(p.Method), p.Amount, string(p.Status), p.Memo,
		p.QuotedAmount, p.QuoteAsset, nullString(p.ConfirmationRef), metadata, p.CreatedAt, p.ExpiresAt,
		nullTime(p.ConfirmedAt), p.UpdatedAt)
	if err != nil {
		return mapPgError(fmt.Errorf("insert payment: %w", err))
	}
	return nil
}

func (t *pgTx) UpdatePayment(ctx context.Context, p Payment) error {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, memo = $3, quoted_amount = $4, quote_asset = $5,
			confirmation_ref = $6, metadata = $7, expires_at = $8, confirmed_at = $9, updated_at = $10
		WHERE id = $1
	`, t.store.tables.Payments)
	res, err := t.q().ExecContext(ctx, query, p.ID, string(p.Status), p.Memo, p.QuotedAmount, p.QuoteAsset,
		nullString(p.ConfirmationRef), metadata, p.ExpiresAt, nullTime(p.ConfirmedAt), p.UpdatedAt)
	if err != nil {
		return mapPgError(fmt.Errorf("update payment: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ConfirmationRefUsed(ctx context.Context, ref string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE confirmation_ref = $1)", t.store.tables.Payments)
	var used bool
	if err := t.q().QueryRowContext(ctx, query, ref).Scan(&used); err != nil {
		return false, fmt.Errorf("check confirmation ref: %w", err)
	}
	return used, nil
}

func (t *pgTx) CreditBalance(ctx context.Context, userID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}
	query := fmt.Sprintf("UPDATE %s SET balance = balance + $2, updated_at = $3 WHERE id = $1 RETURNING balance", t.store.tables.Users)
	var balance int64
	err := t.q().QueryRowContext(ctx, query, userID, amount, time.Now()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

func (t *pgTx) DebitBalance(ctx context.Context, userID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive")
	}
	query := fmt.Sprintf("UPDATE %s SET balance = balance - $2, updated_at = $3 WHERE id = $1 AND balance >= $2 RETURNING balance", t.store.tables.Users)
	var balance int64
	err := t.q().QueryRowContext(ctx, query, userID, amount, time.Now()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	return balance, nil
}

func (t *pgTx) SetEntitlement(ctx context.Context, userID int64, until time.Time) error {
	query := fmt.Sprintf("UPDATE %s SET entitlement_expires_at = $2, updated_at = $3 WHERE id = $1", t.store.tables.Users)
	res, err := t.q().ExecContext(ctx, query, userID, until, time.Now())
	if err != nil {
		return fmt.Errorf("set entitlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ClaimCandidate(ctx context.Context, txHash, paymentID string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET claimed_by = $2, claimed_at = COALESCE(claimed_at, $3)
		WHERE tx_hash = $1 AND (claimed_by IS NULL OR claimed_by = $2)
	`, t.store.tables.Candidates)
	res, err := t.q().ExecContext(ctx, query, txHash, paymentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("claim candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists bool
	check := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE tx_hash = $1)", t.store.tables.Candidates)
	if err := t.q().QueryRowContext(ctx, check, txHash).Scan(&exists); err != nil {
		return fmt.Errorf("check candidate: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrCandidateClaimed
}
