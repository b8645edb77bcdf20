package retention

import (
	"context"
	"errors"
	"testing"
	"time"
)

var sweepNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func insertEvent(t *testing.T, s *MemoryStore, tenant, resource string, age time.Duration) {
	t.Helper()
	err := s.InsertEvent(context.Background(), SecurityEvent{
		ID:        resource + "-ev",
		TenantID:  tenant,
		Resource:  resource,
		EventType: "anomaly.detected",
		RiskScore: 80,
		CreatedAt: sweepNow.Add(-age),
	})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func newSweeper(s Store) *Sweeper {
	sw := NewSweeper(s, 30*24*time.Hour)
	sw.Clock = func() time.Time { return sweepNow }
	return sw
}

func TestSweepPrunesOnlyExpired(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	insertEvent(t, s, "acme", "stale", 45*24*time.Hour)
	insertEvent(t, s, "acme", "fresh", 2*24*time.Hour)

	n, err := newSweeper(s).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	events, err := s.Events(context.Background(), "acme", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Resource != "fresh" {
		t.Fatalf("surviving events = %v", events)
	}
}

func TestSweepSpansTenants(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	insertEvent(t, s, "acme", "old-a", 60*24*time.Hour)
	insertEvent(t, s, "globex", "old-b", 60*24*time.Hour)

	n, err := newSweeper(s).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned = %d, want one per tenant", n)
	}
}

func TestHoldPinsEvents(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	insertEvent(t, s, "acme", "litigated", 90*24*time.Hour)
	insertEvent(t, s, "acme", "ordinary", 90*24*time.Hour)
	err := s.AddHold(context.Background(), Hold{
		ID: "hold-1", TenantID: "acme", Resource: "litigated",
		Reason: "case 1142", CreatedBy: "counsel", CreatedAt: sweepNow,
	})
	if err != nil {
		t.Fatalf("add hold: %v", err)
	}

	sw := newSweeper(s)
	n, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, the held resource must survive", n)
	}
	events, _ := s.Events(context.Background(), "acme", 0)
	if len(events) != 1 || events[0].Resource != "litigated" {
		t.Fatalf("surviving events = %v", events)
	}

	// releasing the hold makes the next sweep take it
	if err := s.RemoveHold(context.Background(), "acme", "hold-1"); err != nil {
		t.Fatalf("remove hold: %v", err)
	}
	n, err = sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d after release, want 1", n)
	}
}

func TestHoldScopedToTenant(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	insertEvent(t, s, "acme", "shared-name", 90*24*time.Hour)
	insertEvent(t, s, "globex", "shared-name", 90*24*time.Hour)
	err := s.AddHold(context.Background(), Hold{
		ID: "hold-1", TenantID: "acme", Resource: "shared-name",
	})
	if err != nil {
		t.Fatalf("add hold: %v", err)
	}

	n, err := newSweeper(s).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, a hold must not reach across tenants", n)
	}
	acme, _ := s.Events(context.Background(), "acme", 0)
	globex, _ := s.Events(context.Background(), "globex", 0)
	if len(acme) != 1 || len(globex) != 0 {
		t.Fatalf("acme=%d globex=%d", len(acme), len(globex))
	}
}

func TestRemoveHoldUnknown(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	if err := s.RemoveHold(context.Background(), "acme", "ghost"); !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("err = %v, want ErrHoldNotFound", err)
	}
}

func TestHoldsListing(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	for _, id := range []string{"h1", "h2"} {
		if err := s.AddHold(context.Background(), Hold{ID: id, TenantID: "acme", Resource: id + "-res"}); err != nil {
			t.Fatalf("add hold: %v", err)
		}
	}
	holds, err := s.Holds(context.Background(), "acme")
	if err != nil {
		t.Fatalf("holds: %v", err)
	}
	if len(holds) != 2 {
		t.Fatalf("len = %d", len(holds))
	}
	if got, _ := s.Holds(context.Background(), "globex"); len(got) != 0 {
		t.Fatalf("cross-tenant holds = %v", got)
	}
}

func TestEventsNewestFirstWithLimit(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	insertEvent(t, s, "acme", "oldest", 3*time.Hour)
	insertEvent(t, s, "acme", "middle", 2*time.Hour)
	insertEvent(t, s, "acme", "newest", time.Hour)

	events, err := s.Events(context.Background(), "acme", 2)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].Resource != "newest" || events[1].Resource != "middle" {
		t.Fatalf("events = %v", events)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	sw := newSweeper(s)
	sw.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
