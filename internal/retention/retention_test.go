package retention

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"hallpass/internal/remote"
	"hallpass/internal/store"
	"hallpass/pkg/database"
	"hallpass/pkg/types"
)

func record(hour int) types.VisitRecord {
	return types.VisitRecord{Departures: []types.Departure{{Hour: hour, ActorIdentity: "t@x"}}}
}

// seedDays writes one record per day for n consecutive days starting 2024-01-01,
// alternating students so dates are spread over the tree
func seedDays(t *testing.T, s interface {
	Merge(context.Context, map[string]any) error
}, n int) []string {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updates := make(map[string]any, n)
	dates := make([]string, 0, n)
	for i := 0; i < n; i++ {
		date := types.FormatDate(start.AddDate(0, 0, i))
		student := fmt.Sprintf("s%d", i%3)
		updates[types.RecordPath("1A", student, date)] = record(i%6 + 1)
		dates = append(dates, date)
	}
	if err := s.Merge(context.Background(), updates); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return dates
}

// Functional Validation Tests
func TestJob_KeepsMostRecentDays(t *testing.T) {
	m := remote.NewMemoryStore()
	dates := seedDays(t, m, 45)
	before := len(m.Ops())

	result, err := NewJob(m, 40, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Days != 45 || result.Deleted != 5 || result.Cutoff != dates[5] {
		t.Errorf("Unexpected result %+v", result)
	}
	if ops := m.Ops(); len(ops) != before+1 || ops[len(ops)-1].Op != types.OpMerge {
		t.Errorf("Expected one merge, got %+v", ops[before:])
	}

	for i, date := range dates {
		raw, _ := m.ReadOnce(context.Background(), types.RecordPath("1A", fmt.Sprintf("s%d", i%3), date))
		if gone := types.IsNullJSON(raw); gone != (i < 5) {
			t.Errorf("date %s: deleted=%v, want %v", date, gone, i < 5)
		}
	}
}

func TestJob_NothingToRemove(t *testing.T) {
	m := remote.NewMemoryStore()
	seedDays(t, m, 40)
	before := len(m.Ops())

	result, err := NewJob(m, 0, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Deleted != 0 || result.Cutoff != "" || len(m.Ops()) != before {
		t.Errorf("Expected no changes at exactly %d days, got %+v", DefaultKeepDays, result)
	}

	empty, err := NewJob(remote.NewMemoryStore(), 0, nil).RunOnce(context.Background())
	if err != nil || empty.Days != 0 {
		t.Errorf("Empty store should be a no-op, got %+v (%v)", empty, err)
	}
}

func TestJob_PrunesWriteLogOnSQLite(t *testing.T) {
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "retention.db")
	manager, err := store.NewManager(config, nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = manager.Close() }()

	dates := seedDays(t, manager, 3)
	_, err = manager.GetDB().Exec(
		`INSERT INTO write_log (id, identity, op, paths, created_at) VALUES ('old', 't@x', 'write', '[]', ?)`,
		time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Failed to insert old log row: %v", err)
	}

	result, err := NewJob(manager, 2, nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Deleted != 1 || result.Cutoff != dates[1] || result.LogRowsPruned != 1 {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestJob_RunStopsWithContext(t *testing.T) {
	m := remote.NewMemoryStore()
	seedDays(t, m, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewJob(m, 1, nil).Run(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		raw, _ := m.ReadOnce(context.Background(), types.RecordPath("1A", "s0", "2024-01-01"))
		if types.IsNullJSON(raw) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Initial pass did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
