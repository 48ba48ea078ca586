// Package journal keeps an append-only record of credited settlements for
// support and history views. It is written after the ledger commit and is
// never consulted for balance decisions.
package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CedrosPay/settlement/internal/config"
)

// Entry is one credited payment.
type Entry struct {
	PaymentID       string    `json:"payment_id"`
	UserID          int64     `json:"user_id"`
	Method          string    `json:"method"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	BalanceAfter    int64     `json:"balance_after"`
	ConfirmationRef string    `json:"confirmation_ref"`
	Recovered       bool      `json:"recovered,omitempty"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// Journal stores entries. Record is idempotent by payment id.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	// ListByUser returns the newest entries first.
	ListByUser(ctx context.Context, userID int64, limit int) ([]Entry, error)
	Close(ctx context.Context) error
}

// DefaultListLimit caps ListByUser when no limit is given.
const DefaultListLimit = 50

// New creates the configured journal. An empty backend disables journaling.
func New(cfg config.JournalConfig) (Journal, error) {
	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "memory":
		return NewMemory(), nil
	case "mongodb":
		return NewMongo(cfg.MongoDBURL, cfg.Database, cfg.Collection)
	default:
		return nil, fmt.Errorf("unknown journal backend: %s", cfg.Backend)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

// Noop discards entries.
type Noop struct{}

func (Noop) Record(context.Context, Entry) error { return nil }
func (Noop) ListByUser(context.Context, int64, int) ([]Entry, error) {
	return nil, nil
}
func (Noop) Close(context.Context) error { return nil }

// Memory keeps entries in process.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.PaymentID == "" {
		return fmt.Errorf("journal entry requires payment id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[e.PaymentID]; exists {
		return nil
	}
	m.entries[e.PaymentID] = e
	return nil
}

func (m *Memory) ListByUser(_ context.Context, userID int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.After(out[j].ConfirmedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close(context.Context) error { return nil }
