package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hallpass/pkg/database"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// Test database setup helpers
func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	manager.retryDelay = 10 * time.Millisecond
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func readJSON(t *testing.T, m *Manager, path string) string {
	t.Helper()
	raw, err := m.ReadOnce(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadOnce(%q) failed: %v", path, err)
	}
	return string(raw)
}

// Architectural Validation Tests
func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.DatabaseManager = &Manager{}
	var _ interfaces.DocumentStore = &Manager{}
}

func TestManager_NewManagerRejectsInvalidConfig(t *testing.T) {
	config := database.DefaultConfig()
	config.DatabasePath = ""
	if _, err := NewManager(config, nil); err == nil {
		t.Error("NewManager should reject an empty database path")
	}
}

// Functional Validation Tests - Document operations
func TestManager_WriteAndReadSubtree(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	err := manager.Write(ctx, "students/1A", map[string]any{
		"ana":  map[string]any{"displayName": "Ana"},
		"luis": map[string]any{"displayName": "Luis"},
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"students/1A/ana/displayName", `"Ana"`},
		{"students/1A/ana", `{"displayName":"Ana"}`},
		{"students/1A", `{"ana":{"displayName":"Ana"},"luis":{"displayName":"Luis"}}`},
		{"students", `{"1A":{"ana":{"displayName":"Ana"},"luis":{"displayName":"Luis"}}}`},
		{"students/1B", `null`},
		{"records", `null`},
	}
	for _, tt := range tests {
		if got := readJSON(t, manager, tt.path); got != tt.want {
			t.Errorf("ReadOnce(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestManager_WriteReplacesSubtree(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.Write(ctx, "a", map[string]any{"x": 1, "y": 2}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := manager.Write(ctx, "a", map[string]any{"z": 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := readJSON(t, manager, "a"); got != `{"z":3}` {
		t.Errorf("Expected subtree replaced, got %s", got)
	}

	// A scalar ancestor is removed when a child is written
	if err := manager.Write(ctx, "b", "scalar"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := manager.Write(ctx, "b/c", true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := readJSON(t, manager, "b"); got != `{"c":true}` {
		t.Errorf("Expected scalar ancestor replaced, got %s", got)
	}
}

func TestManager_SiblingPrefixNotMatched(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	// '1A_2' sorts between '1A/' and '1A0' only if the range were wrong
	if err := manager.Merge(ctx, map[string]any{
		"students/1A/ana/displayName":   "Ana",
		"students/1A_2/bea/displayName": "Bea",
		"students/1AB/cai/displayName":  "Cai",
	}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got := readJSON(t, manager, "students/1A"); got != `{"ana":{"displayName":"Ana"}}` {
		t.Errorf("Range read leaked siblings: %s", got)
	}

	if err := manager.Delete(ctx, "students/1A"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := readJSON(t, manager, "students/1A_2/bea/displayName"); got != `"Bea"` {
		t.Errorf("Delete removed a sibling: %s", got)
	}
}

func TestManager_ArraysRoundTrip(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.Write(ctx, types.PathClasses, []string{"1A", "2B", "1º ESO A"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var classes []string
	if err := json.Unmarshal([]byte(readJSON(t, manager, types.PathClasses)), &classes); err != nil {
		t.Fatalf("Failed to decode classes: %v", err)
	}
	if len(classes) != 3 || classes[0] != "1A" || classes[2] != "1º ESO A" {
		t.Errorf("Class order not preserved: %v", classes)
	}
}

func TestManager_MergeAndDelete(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.Merge(ctx, map[string]any{
		"classes":             []string{"1A"},
		"students/1A/ana":     types.Student{DisplayName: "Ana"},
		"userPreferences/a_b": map[string]any{"lastVisitedClass": "1A"},
	}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	// nil values in a merge delete
	if err := manager.Merge(ctx, map[string]any{"classes": nil, "students": nil}); err != nil {
		t.Fatalf("Merge with nils failed: %v", err)
	}
	if got := readJSON(t, manager, "classes"); got != "null" {
		t.Errorf("Expected classes deleted, got %s", got)
	}
	if got := readJSON(t, manager, "userPreferences/a_b/lastVisitedClass"); got != `"1A"` {
		t.Errorf("Untouched path changed: %s", got)
	}

	if err := manager.Delete(ctx, "userPreferences"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := readJSON(t, manager, ""); got != "null" {
		t.Errorf("Expected empty root, got %s", got)
	}
}

func TestManager_MergeValidation(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		updates map[string]any
		wantErr error
	}{
		{"overlapping paths", map[string]any{"a": 1, "a/b": 2}, ErrOverlappingPaths},
		{"invalid path", map[string]any{"a/../b": 1}, ErrInvalidUpdatePath},
		{"scalar at root", map[string]any{"": 1}, ErrScalarAtRoot},
		{"invalid key", map[string]any{"a": map[string]any{"b.c": 1}}, types.ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.Merge(ctx, tt.updates)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Merge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := readJSON(t, manager, ""); got != "null" {
		t.Errorf("Rejected merges must not write anything, got %s", got)
	}
}

func TestManager_CommitHookAndWriteLog(t *testing.T) {
	manager := setupTestDB(t)
	ctx := WithIdentity(context.Background(), "teacher@school.es")

	var mu sync.Mutex
	var committed [][]string
	manager.OnCommit(func(paths []string) {
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, paths)
	})

	if err := manager.Merge(ctx, map[string]any{"b": 1, "a": 2}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if err := manager.Merge(ctx, map[string]any{"a": map[string]any{}}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	mu.Lock()
	if len(committed) != 2 || len(committed[0]) != 2 || committed[0][0] != "a" || committed[0][1] != "b" {
		t.Errorf("Unexpected commit notifications: %v", committed)
	}
	mu.Unlock()

	var identity, op string
	err := manager.GetDB().QueryRow(
		`SELECT identity, op FROM write_log ORDER BY created_at ASC LIMIT 1`).Scan(&identity, &op)
	if err != nil {
		t.Fatalf("Failed to read write log: %v", err)
	}
	if identity != "teacher@school.es" || op != "merge" {
		t.Errorf("Unexpected write log row: %s %s", identity, op)
	}

	removed, err := manager.PruneWriteLog(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneWriteLog failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 pruned rows, got %d", removed)
	}
}

func TestManager_IdentityDefaultsToSystem(t *testing.T) {
	if got := IdentityFrom(context.Background()); got != "system" {
		t.Errorf("Expected system identity, got %s", got)
	}
	if got := IdentityFrom(WithIdentity(context.Background(), "")); got != "system" {
		t.Errorf("Empty identity should fall back to system, got %s", got)
	}
}

// Performance and concurrency tests
func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- manager.Write(ctx, types.JoinPath("counters", string(rune('a'+i))), i)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent write failed: %v", err)
		}
	}

	var counters map[string]int
	if err := json.Unmarshal([]byte(readJSON(t, manager, "counters")), &counters); err != nil {
		t.Fatalf("Failed to decode counters: %v", err)
	}
	if len(counters) != 20 {
		t.Errorf("Expected 20 counters, got %d", len(counters))
	}
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck should succeed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Close should succeed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Second Close should be a no-op: %v", err)
	}
	if err := manager.Write(ctx, "a", 1); !errors.Is(err, interfaces.ErrClosed) {
		t.Errorf("Write after Close should return ErrClosed, got %v", err)
	}
}
