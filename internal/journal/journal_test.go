package journal

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/CedrosPay/settlement/internal/config"
)

func entry(id string, userID int64, at time.Time) Entry {
	return Entry{
		PaymentID:       id,
		UserID:          userID,
		Method:          "card",
		Amount:          50000,
		Currency:        "RUB",
		BalanceAfter:    50000,
		ConfirmationRef: "stripe_" + id,
		ConfirmedAt:     at,
	}
}

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := j.Record(ctx, entry(fmt.Sprintf("p%d", i), 7, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := j.Record(ctx, entry("other", 8, base)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	dup := entry("p0", 7, base.Add(time.Hour))
	dup.Amount = 1
	if err := j.Record(ctx, dup); err != nil {
		t.Fatalf("duplicate Record must be ignored, got %v", err)
	}

	got, err := j.ListByUser(ctx, 7, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].PaymentID != "p2" || got[2].PaymentID != "p0" {
		t.Errorf("entries not newest first: %s, %s", got[0].PaymentID, got[2].PaymentID)
	}
	if got[2].Amount != 50000 {
		t.Errorf("duplicate overwrote the first record: %+v", got[2])
	}

	limited, err := j.ListByUser(ctx, 7, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited ListByUser = %d, %v", len(limited), err)
	}

	if err := j.Record(ctx, Entry{}); err == nil {
		t.Error("expected error for entry without payment id")
	}
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, NewMemory())
}

func TestMongoJournal(t *testing.T) {
	url := os.Getenv("SETTLEMENT_TEST_MONGODB_URL")
	if url == "" {
		t.Skip("SETTLEMENT_TEST_MONGODB_URL not set")
	}
	j, err := NewMongo(url, "settlement_test", fmt.Sprintf("journal_%d", time.Now().UnixNano()))
	if err != nil {
		t.Skipf("mongodb unavailable: %v", err)
	}
	defer func() {
		_ = j.collection.Drop(context.Background())
		_ = j.Close(context.Background())
	}()
	exerciseJournal(t, j)
}

func TestNew(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{backend: "", want: "journal.Noop"},
		{backend: "memory", want: "*journal.Memory"},
		{backend: "cassandra", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			j, err := New(config.JournalConfig{Backend: tt.backend})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := fmt.Sprintf("%T", j); got != tt.want {
				t.Errorf("type = %s, want %s", got, tt.want)
			}
		})
	}
}
