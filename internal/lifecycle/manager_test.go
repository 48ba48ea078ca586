package lifecycle

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type stopRecorder struct {
	order *[]string
	name  string
}

func (s stopRecorder) Stop() { *s.order = append(*s.order, s.name) }

func TestManager_ClosesInReverseOrder(t *testing.T) {
	var order []string
	m := NewManager(zerolog.Nop())

	m.RegisterFunc("db", func() error { order = append(order, "db"); return nil })
	m.RegisterFunc("cache", func() error { order = append(order, "cache"); return errors.New("cache down") })
	m.RegisterStopper("poller", stopRecorder{order: &order, name: "poller"})

	err := m.Close()
	if err == nil || err.Error() != "cache down" {
		t.Fatalf("Close error = %v, want cache down", err)
	}
	want := []string{"poller", "cache", "db"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("resources closed twice: %v", order)
	}
}
