package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

func TestMemoryStore_InterfaceCompliance(t *testing.T) {
	var _ interfaces.RemoteStore = NewMemoryStore()
	var _ interfaces.RemoteStore = &Client{}
}

func TestMemoryStore_SubscribeDeliversImmediatelyAndOnOverlap(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	var got []string
	unsubscribe := m.Subscribe("students", func(v json.RawMessage) { got = append(got, string(v)) }, nil)

	if len(got) != 1 || got[0] != "null" {
		t.Fatalf("Expected immediate null delivery, got %v", got)
	}

	if err := m.Write(ctx, "students/1A/ana", types.Student{DisplayName: "Ana"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Write(ctx, "classes", []string{"1A"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if len(got) != 2 || got[1] != `{"1A":{"ana":{"displayName":"Ana"}}}` {
		t.Errorf("Expected one overlapping push, got %v", got)
	}

	unsubscribe()
	unsubscribe()
	if m.Subscriptions() != 0 {
		t.Errorf("Expected no live subscriptions, got %d", m.Subscriptions())
	}
}

func TestMemoryStore_HoldQueuesCommittedSnapshots(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	var got []string
	m.Subscribe("classes", func(v json.RawMessage) { got = append(got, string(v)) }, nil)

	m.Hold()
	_ = m.Write(ctx, "classes", []string{"1A"})
	_ = m.Write(ctx, "classes", []string{"1A", "2B"})

	if m.Pending() != 2 || len(got) != 1 {
		t.Fatalf("Expected two held deliveries, pending=%d got=%v", m.Pending(), got)
	}

	if !m.DeliverNext() {
		t.Fatal("DeliverNext should report a delivery")
	}
	if got[1] != `["1A"]` {
		t.Errorf("Held delivery should carry the value at commit time, got %s", got[1])
	}

	m.Release()
	if len(got) != 3 || got[2] != `["1A","2B"]` {
		t.Errorf("Release should flush in order, got %v", got)
	}
	if m.DeliverNext() {
		t.Error("Queue should be empty after Release")
	}
}

func TestMemoryStore_OfflineAndFailures(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	var transitions []bool
	cancel := m.OnConnectivity(func(c bool) { transitions = append(transitions, c) })

	m.SetConnected(false)
	err := m.Write(ctx, "classes", []string{"1A"})
	var transportErr *types.TransportError
	if !errors.As(err, &transportErr) || !errors.Is(err, types.ErrOffline) {
		t.Errorf("Expected offline TransportError, got %v", err)
	}

	m.SetConnected(true)
	cancel()
	m.SetConnected(false)
	m.SetConnected(true)
	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Errorf("Unexpected transitions %v", transitions)
	}

	boom := errors.New("boom")
	m.FailNext(boom)
	if err := m.Delete(ctx, "classes"); !errors.Is(err, boom) {
		t.Errorf("Expected injected failure, got %v", err)
	}
	if err := m.Delete(ctx, "classes"); err != nil {
		t.Errorf("Failure should apply once, got %v", err)
	}

	if err := m.Merge(ctx, map[string]any{"a": 1, "a/b": 2}); err == nil {
		t.Error("Expected overlapping merge to fail")
	}

	ops := m.Ops()
	if len(ops) != 1 || ops[0].Op != types.OpDelete {
		t.Errorf("Only accepted mutations should be recorded, got %+v", ops)
	}
}
