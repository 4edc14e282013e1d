package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hallpass/internal/remote"
	"hallpass/internal/stats"
	"hallpass/internal/subscription"
	"hallpass/pkg/types"
)

var fixedNow = time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)

func seededStore(t *testing.T) *remote.MemoryStore {
	t.Helper()
	store := remote.NewMemoryStore()
	err := store.Merge(context.Background(), map[string]any{
		"classes":                                []string{"1A", "2B"},
		"students/1A/juan":                       types.Student{DisplayName: "Juan"},
		"students/2B/ana":                        types.Student{DisplayName: "Ana"},
		"adminRoles/designated/deputy@school_es": "deputy@school.es",
		"userDirectory/uid-77":                   "maria@school.es",
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return store
}

func newSession(t *testing.T, store *remote.MemoryStore, identity, email string) *Session {
	t.Helper()
	s, err := New(store, Config{
		Identity:     identity,
		Email:        email,
		AdminEmails:  []string{"head@school.es"},
		Location:     time.UTC,
		AwaitTimeout: time.Second,
		Clock:        func() time.Time { return fixedNow },
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Start(context.Background(), nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.AwaitReady(context.Background()); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
}

func TestNew_RejectsInvalidIdentity(t *testing.T) {
	for _, identity := range []string{"", "has space"} {
		if _, err := New(remote.NewMemoryStore(), Config{Identity: identity}, nil); !errors.Is(err, ErrInvalidIdentity) {
			t.Errorf("identity %q: expected ErrInvalidIdentity, got %v", identity, err)
		}
	}
}

// FUNCTIONAL VALIDATION TEST: Start loads roles, directory and data in one pass
func TestSession_StartLoadsEverything(t *testing.T) {
	store := seededStore(t)
	s := newSession(t, store, "uid-1", "teacher@school.es")

	if _, err := s.ToggleDeparture(context.Background(), "1A", "juan", "2024-03-04", 1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted before Start, got %v", err)
	}

	loaded := 0
	if err := s.Start(context.Background(), nil, func() { loaded++ }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if loaded != 1 {
		t.Errorf("Expected one initial load, got %d", loaded)
	}
	if s.State() != subscription.StateLoaded {
		t.Errorf("Expected loaded state, got %s", s.State())
	}
	if got := s.Cache().Classes(); len(got) != 2 || got[0] != "1A" {
		t.Errorf("Unexpected classes %v", got)
	}

	// The user registered itself in the directory
	raw, err := store.ReadOnce(context.Background(), "userDirectory/uid-1")
	if err != nil || string(raw) != `"teacher@school.es"` {
		t.Errorf("Expected directory entry, got %s (%v)", raw, err)
	}
	if s.Email("uid-77") != "maria@school.es" {
		t.Errorf("Expected directory resolution, got %q", s.Email("uid-77"))
	}
	if s.Email("uid-1") != "teacher@school.es" {
		t.Errorf("Expected own email, got %q", s.Email("uid-1"))
	}
}

func TestSession_AdminResolution(t *testing.T) {
	store := seededStore(t)

	tests := []struct {
		identity, email string
		admin           bool
	}{
		{"uid-1", "head@school.es", true},
		{"uid-2", "deputy@school.es", true},
		{"uid-3", "teacher@school.es", false},
		{"uid-4", "", false},
		{"uid-5", "deputy@school_es", false},
		{"deputy@school_es", "", false},
	}
	for _, tt := range tests {
		s := newSession(t, store, tt.identity, tt.email)
		startSession(t, s)
		if s.IsAdmin() != tt.admin {
			t.Errorf("%s: IsAdmin = %v, want %v", tt.email, s.IsAdmin(), tt.admin)
		}
	}
}

// FUNCTIONAL VALIDATION TEST: Departures are attributed to the session identity
func TestSession_ToggleUsesIdentity(t *testing.T) {
	store := seededStore(t)
	s := newSession(t, store, "uid-1", "teacher@school.es")

	updates := 0
	if err := s.Start(context.Background(), func(string) { updates++ }, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	added, err := s.ToggleDeparture(context.Background(), "1A", "juan", "2024-03-04", 2)
	if err != nil || !added {
		t.Fatalf("Expected added departure, got %v %v", added, err)
	}
	record := s.Cache().VisitRecord("1A", "juan", "2024-03-04")
	if record.Count() != 1 || record.Departures[0].ActorIdentity != "uid-1" {
		t.Fatalf("Unexpected record %+v", record)
	}
	if updates == 0 {
		t.Error("Expected an update callback for the echoed write")
	}

	report, err := s.Stats().UserActivityStats("2024-03-01", "2024-03-31")
	if err != nil {
		t.Fatalf("UserActivityStats: %v", err)
	}
	if len(report) != 1 || report[0].Email != "teacher@school.es" || report[0].Total != 1 {
		t.Errorf("Unexpected activity report %+v", report)
	}
	if avg := s.Stats().RollingAverage("1A", "juan", stats.DefaultWindow); avg != 1 {
		t.Errorf("Expected average 1, got %v", avg)
	}

	// Someone else cannot remove it
	other := newSession(t, store, "uid-2", "other@school.es")
	startSession(t, other)
	var ownership *types.OwnershipError
	if _, err := other.ToggleDeparture(context.Background(), "1A", "juan", "2024-03-04", 2); !errors.As(err, &ownership) {
		t.Errorf("Expected OwnershipError, got %v", err)
	}
}

func TestSession_AdminOnlyOperations(t *testing.T) {
	store := seededStore(t)
	teacher := newSession(t, store, "uid-3", "teacher@school.es")
	startSession(t, teacher)
	ctx := context.Background()

	rows := []types.RosterRow{{DisplayName: "Luis", ClassID: "1A"}}
	if _, err := teacher.ImportRoster(ctx, rows); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("ImportRoster: expected ErrUnauthorized, got %v", err)
	}
	if err := teacher.WipeAll(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("WipeAll: expected ErrUnauthorized, got %v", err)
	}
	if err := teacher.Designate(ctx, "x@school.es"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Designate: expected ErrUnauthorized, got %v", err)
	}

	admin := newSession(t, store, "uid-1", "head@school.es")
	startSession(t, admin)
	report, err := admin.ImportRoster(ctx, rows)
	if err != nil || report.StudentCount != 1 {
		t.Fatalf("ImportRoster: %+v %v", report, err)
	}
	if err := admin.Designate(ctx, "teacher@school.es"); err != nil {
		t.Fatalf("Designate: %v", err)
	}
	if err := admin.Revoke(ctx, "head@school.es"); err == nil {
		t.Error("Expected static admin revocation to fail")
	}
	if err := admin.WipeAll(ctx); err != nil {
		t.Fatalf("WipeAll: %v", err)
	}
	if len(admin.Cache().Classes()) != 0 {
		t.Error("Expected wiped classes")
	}
}

func TestSession_LastVisitedClass(t *testing.T) {
	store := seededStore(t)
	s := newSession(t, store, "uid-1", "teacher@school.es")
	startSession(t, s)
	ctx := context.Background()

	if got, err := s.LastVisitedClass(ctx); err != nil || got != "" {
		t.Errorf("Expected no preference, got %q %v", got, err)
	}
	if err := s.VisitClass(ctx, "2B"); err != nil {
		t.Fatalf("VisitClass: %v", err)
	}
	if got, _ := s.LastVisitedClass(ctx); got != "2B" {
		t.Errorf("Expected 2B, got %q", got)
	}

	// A class that no longer exists is not restored
	if err := s.VisitClass(ctx, "4C"); err != nil {
		t.Fatalf("VisitClass: %v", err)
	}
	if got, _ := s.LastVisitedClass(ctx); got != "" {
		t.Errorf("Expected missing class to be ignored, got %q", got)
	}

	anonymous := newSession(t, store, "uid-9", "")
	startSession(t, anonymous)
	if err := anonymous.VisitClass(ctx, "1A"); err == nil {
		t.Error("Expected an error without an email")
	}
}

// FUNCTIONAL VALIDATION TEST: Stop clears the cache and ends the session for good
func TestSession_Stop(t *testing.T) {
	store := seededStore(t)
	s := newSession(t, store, "uid-1", "teacher@school.es")
	startSession(t, s)

	s.Stop()
	s.Stop()

	if s.Cache().HasUsableData() {
		t.Error("Expected cleared cache after Stop")
	}
	if store.Subscriptions() != 0 {
		t.Errorf("Expected no live subscriptions, got %d", store.Subscriptions())
	}
	if _, err := s.ToggleDeparture(context.Background(), "1A", "juan", "2024-03-04", 1); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded, got %v", err)
	}
	if err := s.Start(context.Background(), nil, nil); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected restart to fail, got %v", err)
	}
}

// gatedStore parks the first ReadOnce until release is closed
type gatedStore struct {
	*remote.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MemoryStore.ReadOnce(ctx, path)
}

func TestSession_StopDuringStartLeavesNoSubscriptions(t *testing.T) {
	memory := seededStore(t)
	store := &gatedStore{MemoryStore: memory, entered: make(chan struct{}), release: make(chan struct{})}
	s, err := New(store, Config{Identity: "uid-1", Email: "teacher@school.es", Location: time.UTC}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), nil, nil) }()

	<-store.entered
	s.Stop()
	close(store.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionEnded) {
			t.Errorf("Expected ErrSessionEnded from the interrupted Start, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	if memory.Subscriptions() != 0 {
		t.Errorf("Expected no live subscriptions, got %d", memory.Subscriptions())
	}
	if s.State() == subscription.StateLoaded {
		t.Error("An ended session must not reach the loaded state")
	}
}

func TestSession_OfflineStartKeepsStaticAdmins(t *testing.T) {
	store := seededStore(t)
	store.SetConnected(false)
	s := newSession(t, store, "uid-1", "head@school.es")

	if err := s.Start(context.Background(), nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsAdmin() {
		t.Error("Static admin should survive an offline start")
	}
}
