package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// DLQStore keeps events that exhausted their delivery attempts.
type DLQStore interface {
	SaveFailedEvent(ctx context.Context, failed FailedEvent) error
	ListFailedEvents(ctx context.Context, limit int) ([]FailedEvent, error)
	DeleteFailedEvent(ctx context.Context, id string) error
}

// FailedEvent is an undelivered settlement event.
type FailedEvent struct {
	ID          string          `json:"id"` // the event id
	URL         string          `json:"url"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError"`
	LastAttempt time.Time       `json:"lastAttempt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func oldestFirst(events map[string]FailedEvent, limit int) []FailedEvent {
	out := make([]FailedEvent, 0, len(events))
	for _, e := range events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MemoryDLQStore keeps failed events in memory.
type MemoryDLQStore struct {
	mu     sync.RWMutex
	events map[string]FailedEvent
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{events: make(map[string]FailedEvent)}
}

func (m *MemoryDLQStore) SaveFailedEvent(_ context.Context, failed FailedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[failed.ID] = failed
	return nil
}

func (m *MemoryDLQStore) ListFailedEvents(_ context.Context, limit int) ([]FailedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return oldestFirst(m.events, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	return nil
}

// FileDLQStore keeps failed events in a JSON file that survives restarts.
type FileDLQStore struct {
	mu       sync.RWMutex
	filePath string
	events   map[string]FailedEvent
}

// NewFileDLQStore opens or creates the DLQ file.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	store := &FileDLQStore{
		filePath: filePath,
		events:   make(map[string]FailedEvent),
	}
	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}
	return store, nil
}

func (f *FileDLQStore) SaveFailedEvent(_ context.Context, failed FailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[failed.ID] = failed
	return f.persist()
}

func (f *FileDLQStore) ListFailedEvents(_ context.Context, limit int) ([]FailedEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return oldestFirst(f.events, limit), nil
}

func (f *FileDLQStore) DeleteFailedEvent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[id]; !ok {
		return nil
	}
	delete(f.events, id)
	return f.persist()
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}
	events := make(map[string]FailedEvent)
	if err := json.Unmarshal(data, &events); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}
	f.events = events
	return nil
}

// persist writes to a temp file and renames it over the DLQ file.
func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename DLQ file: %w", err)
	}
	return nil
}
