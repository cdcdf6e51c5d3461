package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hearthd/hearthd/internal/events"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_AppendAndTail(t *testing.T) {
	s := setupStore(t)
	for i := 0; i < 3; i++ {
		err := s.Append(Entry{
			Source: events.SourceRules,
			Kind:   fmt.Sprintf("kind-%d", i),
			Data:   map[string]any{"rule_id": fmt.Sprintf("rule-%d", i)},
		})
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	entries, err := s.Tail(10)
	if err != nil {
		t.Fatalf("Tail(): %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Kind != "kind-2" || entries[2].Kind != "kind-0" {
		t.Errorf("unexpected order: %q .. %q", entries[0].Kind, entries[2].Kind)
	}
	if got := entries[0].Data["rule_id"]; got != "rule-2" {
		t.Errorf("Data[rule_id] = %v, want rule-2", got)
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp was not assigned")
	}
}

func TestStore_TailLimit(t *testing.T) {
	s := setupStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Append(Entry{Source: events.SourceUsers, Kind: "k"}); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	entries, err := s.Tail(2)
	if err != nil {
		t.Fatalf("Tail(): %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestStore_Trim(t *testing.T) {
	s := setupStore(t)
	for i := 0; i < 10; i++ {
		err := s.Append(Entry{Source: events.SourceRules, Kind: fmt.Sprintf("kind-%d", i)})
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	if err := s.Trim(4); err != nil {
		t.Fatalf("Trim(): %v", err)
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count(): %v", err)
	}
	if n != 4 {
		t.Errorf("Count() = %d after trim, want 4", n)
	}
	entries, err := s.Tail(10)
	if err != nil {
		t.Fatalf("Tail(): %v", err)
	}
	// The oldest rows went first.
	if entries[len(entries)-1].Kind != "kind-6" {
		t.Errorf("oldest surviving kind = %q, want kind-6", entries[len(entries)-1].Kind)
	}

	// Zero cap is a no-op, not a wipe.
	if err := s.Trim(0); err != nil {
		t.Fatalf("Trim(0): %v", err)
	}
	if n, _ := s.Count(); n != 4 {
		t.Errorf("Count() = %d after Trim(0), want 4", n)
	}
}

func TestTrail_RecordsRuleAndUserActivity(t *testing.T) {
	s := setupStore(t)
	trail := NewTrail(testLogger(), s, nil, 0)

	trail.record(events.Event{Source: events.SourceRules, Kind: events.KindRuleTriggered})
	trail.record(events.Event{Source: events.SourceUsers, Kind: events.KindLoginFailed})
	trail.record(events.Event{Source: events.SourceDevices, Kind: events.KindStateChanged})
	trail.record(events.Event{Source: events.SourceCloud, Kind: events.KindCloudConnected})

	entries, err := s.Tail(10)
	if err != nil {
		t.Fatalf("Tail(): %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (device traffic filtered)", len(entries))
	}
	for _, e := range entries {
		if e.Source == events.SourceDevices {
			t.Errorf("device event %q was recorded", e.Kind)
		}
	}
}

func TestTrail_TrimsAtCadence(t *testing.T) {
	s := setupStore(t)
	trail := NewTrail(testLogger(), s, nil, 10)

	// trimEvery inserts trigger a trim; two more land on top of the cap.
	for i := 0; i < trimEvery+2; i++ {
		trail.record(events.Event{Source: events.SourceRules, Kind: events.KindRuleTriggered})
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count(): %v", err)
	}
	if n != 12 {
		t.Errorf("Count() = %d, want 12 (cap 10 plus 2 since the trim)", n)
	}
}

func TestTrail_RunConsumesBus(t *testing.T) {
	s := setupStore(t)
	bus := events.New()
	trail := NewTrail(testLogger(), s, bus, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		trail.Run(ctx)
		close(done)
	}()

	// Wait for Run to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{Source: events.SourceUsers, Kind: events.KindUserCreated})

	for {
		n, err := s.Count()
		if err != nil {
			t.Fatalf("Count(): %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never recorded, Count() = %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
