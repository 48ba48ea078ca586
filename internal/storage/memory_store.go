package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation suitable for tests and single-instance deployments.
// Writers are serialised by txMu, which stands in for row locks: a transaction
// holds it from start to commit, so two transactions never observe each other's
// uncommitted state.
type MemoryStore struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	payments   map[string]Payment   // id -> payment
	users      map[int64]User       // user id -> user
	candidates map[string]Candidate // tx hash -> candidate
	refs       map[string]string    // confirmation ref -> payment id
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]Payment),
		users:      make(map[int64]User),
		candidates: make(map[string]Candidate),
		refs:       make(map[string]string),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error { return nil }

// InTx runs fn against a staging area and applies it atomically on success.
func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:    m,
		payments: make(map[string]Payment),
		users:    make(map[int64]User),
		claims:   make(map[string]string),
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("storage: transaction panicked: %v", r)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range tx.payments {
		if old, ok := m.payments[id]; ok && old.ConfirmationRef != "" && old.ConfirmationRef != p.ConfirmationRef {
			delete(m.refs, old.ConfirmationRef)
		}
		m.payments[id] = p
		if p.ConfirmationRef != "" {
			m.refs[p.ConfirmationRef] = id
		}
	}
	for id, u := range tx.users {
		m.users[id] = u
	}
	for hash, paymentID := range tx.claims {
		c := m.candidates[hash]
		c.ClaimedBy = paymentID
		if c.ClaimedAt == nil {
			at := tx.claimedAt
			c.ClaimedAt = &at
		}
		m.candidates[hash] = c
	}
}

// GetPayment retrieves a payment by id.
func (m *MemoryStore) GetPayment(_ context.Context, id string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return clonePayment(p), nil
}

// GetUser retrieves a user's balance row.
func (m *MemoryStore) GetUser(_ context.Context, userID int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// ListByStatus lists payments in status, oldest first.
func (m *MemoryStore) ListByStatus(_ context.Context, method Method, status Status) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Payment
	for _, p := range m.payments {
		if p.Status != status {
			continue
		}
		if method != "" && p.Method != method {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sortByCreated(out)
	return out, nil
}

// ListExpiredSince lists expired payments of method whose deadline is at or after since.
func (m *MemoryStore) ListExpiredSince(_ context.Context, method Method, since time.Time) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Payment
	for _, p := range m.payments {
		if p.Status != StatusExpired || p.Method != method {
			continue
		}
		if p.ExpiresAt.Before(since) {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sortByCreated(out)
	return out, nil
}

// InsertCandidate stores c unless a candidate with the same hash exists.
func (m *MemoryStore) InsertCandidate(_ context.Context, c Candidate) (bool, error) {
	if err := validateAndPrepareCandidate(&c, time.Now()); err != nil {
		return false, err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.candidates[c.TxHash]; exists {
		return false, nil
	}
	m.candidates[c.TxHash] = c
	return true, nil
}

// UnclaimedCandidates lists unclaimed candidates for memo, oldest block first.
func (m *MemoryStore) UnclaimedCandidates(_ context.Context, memo string, since time.Time) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Candidate
	for _, c := range m.candidates {
		if c.ClaimedBy != "" || c.Memo != memo || c.BlockTime.Before(since) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockTime.Equal(out[j].BlockTime) {
			return out[i].TxHash < out[j].TxHash
		}
		return out[i].BlockTime.Before(out[j].BlockTime)
	})
	return out, nil
}

// ExpireOverdue moves overdue pending payments to expired.
func (m *MemoryStore) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.payments {
		if p.Status == StatusPending && p.IsExpiredAt(now) {
			p.Status = StatusExpired
			p.UpdatedAt = now
			m.payments[id] = p
			n++
		}
	}
	return n, nil
}

// DeleteTerminalOlderThan removes stale terminal payments and unclaimed candidates.
func (m *MemoryStore) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.payments {
		switch p.Status {
		case StatusExpired, StatusCancelled, StatusFailed:
		default:
			continue
		}
		if !p.UpdatedAt.Before(cutoff) {
			continue
		}
		if p.ConfirmationRef != "" {
			delete(m.refs, p.ConfirmationRef)
		}
		delete(m.payments, id)
		n++
	}
	for hash, c := range m.candidates {
		if c.ClaimedBy == "" && c.ObservedAt.Before(cutoff) {
			delete(m.candidates, hash)
			n++
		}
	}
	return n, nil
}

func sortByCreated(ps []Payment) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

// memTx stages writes until the enclosing InTx commits.
type memTx struct {
	store     *MemoryStore
	payments  map[string]Payment
	users     map[int64]User
	claims    map[string]string
	claimedAt time.Time
}

func (t *memTx) payment(id string) (Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	p, ok := t.store.payments[id]
	if !ok {
		return Payment{}, false
	}
	return clonePayment(p), true
}

func (t *memTx) user(id int64) (User, bool) {
	if u, ok := t.users[id]; ok {
		return u, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	u, ok := t.store.users[id]
	return u, ok
}

func (t *memTx) LockUser(ctx context.Context, userID int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if u, ok := t.user(userID); ok {
		return u, nil
	}
	u := User{ID: userID, UpdatedAt: time.Now()}
	t.users[userID] = u
	return u, nil
}

func (t *memTx) LockPayment(ctx context.Context, id string) (Payment, error) {
	if err := ctx.Err(); err != nil {
		return Payment{}, err
	}
	p, ok := t.payment(id)
	if !ok {
		return Payment{}, ErrNotFound
	}
	return clonePayment(p), nil
}

func (t *memTx) FindActivePending(_ context.Context, userID int64, now time.Time) (Payment, error) {
	seen := make(map[string]bool)
	var best *Payment
	consider := func(p Payment) {
		if seen[p.ID] {
			return
		}
		seen[p.ID] = true
		if p.UserID != userID || p.Status != StatusPending || p.IsExpiredAt(now) {
			return
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			cp := clonePayment(p)
			best = &cp
		}
	}
	for _, p := range t.payments {
		consider(p)
	}
	t.store.mu.RLock()
	for _, p := range t.store.payments {
		consider(p)
	}
	t.store.mu.RUnlock()

	if best == nil {
		return Payment{}, ErrNotFound
	}
	return *best, nil
}

func (t *memTx) refOwner(ref string) (string, bool) {
	for id, p := range t.payments {
		if p.ConfirmationRef == ref {
			return id, true
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	id, ok := t.store.refs[ref]
	if !ok {
		return "", false
	}
	// A staged update may have moved the ref away from its committed owner.
	if staged, ok := t.payments[id]; ok && staged.ConfirmationRef != ref {
		return "", false
	}
	return id, true
}

func (t *memTx) InsertPayment(_ context.Context, p Payment) error {
	if err := validateAndPreparePayment(&p, time.Now()); err != nil {
		return err
	}
	if _, exists := t.payment(p.ID); exists {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	if p.ConfirmationRef != "" {
		if _, used := t.refOwner(p.ConfirmationRef); used {
			return ErrDuplicateReference
		}
	}
	t.payments[p.ID] = clonePayment(p)
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p Payment) error {
	if _, exists := t.payment(p.ID); !exists {
		return ErrNotFound
	}
	if p.ConfirmationRef != "" {
		if owner, used := t.refOwner(p.ConfirmationRef); used && owner != p.ID {
			return ErrDuplicateReference
		}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	t.payments[p.ID] = clonePayment(p)
	return nil
}

func (t *memTx) ConfirmationRefUsed(_ context.Context, ref string) (bool, error) {
	_, used := t.refOwner(ref)
	return used, nil
}

func (t *memTx) CreditBalance(_ context.Context, userID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}
	u, ok := t.user(userID)
	if !ok {
		u = User{ID: userID}
	}
	u.Balance += amount
	u.UpdatedAt = time.Now()
	t.users[userID] = u
	return u.Balance, nil
}

func (t *memTx) DebitBalance(_ context.Context, userID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive")
	}
	u, ok := t.user(userID)
	if !ok || u.Balance < amount {
		return 0, ErrInsufficientBalance
	}
	u.Balance -= amount
	u.UpdatedAt = time.Now()
	t.users[userID] = u
	return u.Balance, nil
}

func (t *memTx) SetEntitlement(_ context.Context, userID int64, until time.Time) error {
	u, ok := t.user(userID)
	if !ok {
		u = User{ID: userID}
	}
	u.EntitlementExpiresAt = ptrTime(until)
	u.UpdatedAt = time.Now()
	t.users[userID] = u
	return nil
}

func (t *memTx) ClaimCandidate(_ context.Context, txHash, paymentID string) error {
	if owner, ok := t.claims[txHash]; ok && owner != paymentID {
		return ErrCandidateClaimed
	}
	t.store.mu.RLock()
	c, ok := t.store.candidates[txHash]
	t.store.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if c.ClaimedBy != "" && c.ClaimedBy != paymentID {
		return ErrCandidateClaimed
	}
	t.claims[txHash] = paymentID
	t.claimedAt = time.Now().UTC()
	return nil
}
