package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hallpass/internal/retention"
	"hallpass/internal/store"
	"hallpass/pkg/types"
)

func importRoster(t *testing.T, stack *testStack) {
	t.Helper()
	admin := stack.openSession(t, adminEmail)
	var rows []types.RosterRow
	for i := 1; i <= 10; i++ {
		rows = append(rows, types.RosterRow{DisplayName: fmt.Sprintf("Alumno %02d", i), ClassID: "1A"})
	}
	rows = append(rows, types.RosterRow{DisplayName: "Eva", ClassID: "2B"})

	report, err := admin.ImportRoster(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportRoster: %v", err)
	}
	if report.StudentCount != 11 || report.ClassCount != 2 {
		t.Fatalf("Unexpected import report %+v", report)
	}
}

// FUNCTIONAL VALIDATION TEST: A departure marked by one teacher reaches every other session
func TestIntegration_LiveSharedRecords(t *testing.T) {
	stack := startStack(t)
	importRoster(t, stack)
	ctx := context.Background()

	teacherA := stack.openSession(t, "a@school.es")
	teacherB := stack.openSession(t, "b@school.es")
	if err := teacherA.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}

	date := today()
	added, err := teacherA.ToggleDeparture(ctx, "1A", "Alumno_01", date, 3)
	if err != nil || !added {
		t.Fatalf("ToggleDeparture: %v %v", added, err)
	}

	eventually(t, "departure pushed to teacher B", func() bool {
		return teacherB.Cache().VisitRecord("1A", "Alumno_01", date).Count() == 1
	})
	record := teacherB.Cache().VisitRecord("1A", "Alumno_01", date)
	if record.Departures[0].ActorIdentity != "a@school.es" || record.Departures[0].Hour != 3 {
		t.Errorf("Unexpected departure %+v", record.Departures[0])
	}

	// B cannot remove A's mark
	var ownership *types.OwnershipError
	if _, err := teacherB.ToggleDeparture(ctx, "1A", "Alumno_01", date, 3); !errors.As(err, &ownership) {
		t.Fatalf("Expected OwnershipError, got %v", err)
	}

	// A removes it and B sees the record disappear
	eventually(t, "teacher A cache echo", func() bool {
		return teacherA.Cache().VisitRecord("1A", "Alumno_01", date).Count() == 1
	})
	if added, err := teacherA.ToggleDeparture(ctx, "1A", "Alumno_01", date, 3); err != nil || added {
		t.Fatalf("Expected removal, got %v %v", added, err)
	}
	eventually(t, "removal pushed to teacher B", func() bool {
		return teacherB.Cache().VisitRecord("1A", "Alumno_01", date).Count() == 0
	})

	// The write log attributes every write to the token identity
	var writers int
	err = stack.app.Store().GetDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM write_log WHERE identity = ? AND paths LIKE '%records/1A/Alumno_01%'`,
		"a@school.es").Scan(&writers)
	if err != nil || writers != 2 {
		t.Errorf("Expected 2 logged writes by teacher A, got %d (%v)", writers, err)
	}
}

// TECHNICAL VALIDATION TEST: Concurrent teachers on different students all land
func TestIntegration_ConcurrentToggles(t *testing.T) {
	stack := startStack(t)
	importRoster(t, stack)
	ctx := context.Background()
	date := today()

	const teachers = 10
	sessions := make([]interface {
		ToggleDeparture(context.Context, string, string, string, int) (bool, error)
	}, teachers)
	for i := range sessions {
		s := stack.openSession(t, fmt.Sprintf("t%02d@school.es", i))
		if err := s.AwaitReady(ctx); err != nil {
			t.Fatalf("AwaitReady: %v", err)
		}
		sessions[i] = s
	}

	var wg sync.WaitGroup
	errs := make(chan error, teachers)
	for i, s := range sessions {
		s := s
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			student := fmt.Sprintf("Alumno_%02d", i+1)
			if _, err := s.ToggleDeparture(ctx, "1A", student, date, i%6+1); err != nil {
				errs <- fmt.Errorf("%s: %w", student, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	observer := stack.openSession(t, adminEmail)
	if err := observer.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	report, err := observer.Stats().UserActivityStats(date, date)
	if err != nil {
		t.Fatalf("UserActivityStats: %v", err)
	}
	if len(report) != teachers {
		t.Fatalf("Expected %d active teachers, got %d", teachers, len(report))
	}
	for _, stat := range report {
		if stat.Total != 1 || stat.Email != stat.ActorIdentity {
			t.Errorf("Unexpected stat %+v", stat)
		}
	}
}

// FUNCTIONAL VALIDATION TEST: Retention on the server is pushed to live sessions
func TestIntegration_RetentionReachesSessions(t *testing.T) {
	stack := startStack(t)
	importRoster(t, stack)
	ctx := store.WithIdentity(context.Background(), "seed")

	dates := []string{"2024-03-01", "2024-03-04", "2024-03-05"}
	updates := map[string]any{}
	for _, date := range dates {
		updates["records/1A/Alumno_02/"+date] = types.VisitRecord{Departures: []types.Departure{
			{Hour: 1, ActorIdentity: "a@school.es", Timestamp: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)},
		}}
	}
	if err := stack.app.Store().Merge(ctx, updates); err != nil {
		t.Fatalf("seed: %v", err)
	}

	watcher := stack.openSession(t, "a@school.es")
	if got := len(watcher.Cache().VisitRecords("1A", "Alumno_02")); got != 3 {
		t.Fatalf("Expected 3 dated records, got %d", got)
	}

	result, err := retention.NewJob(stack.app.Store(), 2, nil).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Deleted != 1 || result.Cutoff != "2024-03-04" {
		t.Errorf("Unexpected retention result %+v", result)
	}

	eventually(t, "old record removed from the session", func() bool {
		_, old := watcher.Cache().VisitRecords("1A", "Alumno_02")["2024-03-01"]
		return !old && len(watcher.Cache().VisitRecords("1A", "Alumno_02")) == 2
	})
	if avg := watcher.Stats().RollingAverage("1A", "Alumno_02", 30); avg != 1 {
		t.Errorf("Expected average 1 over the remaining days, got %v", avg)
	}
}

// FUNCTIONAL VALIDATION TEST: Losing the server blocks writes but keeps the data
func TestIntegration_OfflineKeepsCache(t *testing.T) {
	stack := startStack(t)
	importRoster(t, stack)
	ctx := context.Background()

	teacher := stack.openSession(t, "a@school.es")
	if err := teacher.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	offline := make(chan struct{})
	var once sync.Once
	cancel := teacher.OnConnectivity(func(connected bool) {
		if !connected {
			once.Do(func() { close(offline) })
		}
	})
	defer cancel()

	if err := stack.app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-offline:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the session to observe the disconnect")
	}

	var transport *types.TransportError
	if _, err := teacher.ToggleDeparture(ctx, "1A", "Alumno_01", today(), 1); !errors.As(err, &transport) {
		t.Errorf("Expected TransportError while offline, got %v", err)
	}
	if !teacher.Cache().HasUsableData() {
		t.Error("A disconnect must not clear the cache")
	}
}
