package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clara-ai/gateway/internal/events"
)

func TestAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path, 100)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	ev := events.Event{
		Type:      events.TypeMessageReceived,
		Timestamp: time.Now(),
		NodeID:    "node-a",
		Platform:  "discord",
		UserID:    "u1",
		ChannelID: "c1",
		RequestID: "r1",
		Data:      map[string]any{"content": "hi"},
	}
	if err := store.Append(ev); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	recs, err := store.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].NodeID != "node-a" || recs[0].Type != string(events.TypeMessageReceived) {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if recs[0].Data["content"] != "hi" {
		t.Fatalf("expected data to round-trip, got %+v", recs[0].Data)
	}
}

func TestRecentFiltersByType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path, 100)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	store.Append(events.Event{Type: events.TypeMessageReceived, Timestamp: time.Now()})
	store.Append(events.Event{Type: events.TypeToolStart, Timestamp: time.Now()})
	store.Append(events.Event{Type: events.TypeToolStart, Timestamp: time.Now()})

	recs, err := store.Recent(string(events.TypeToolStart), 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 tool:start records, got %d", len(recs))
	}
}

func TestAppendTrimsPastLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path, 3)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	for i := 0; i < 10; i++ {
		if err := store.Append(events.Event{Type: events.TypeCustom, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	recs, err := store.Recent("", 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected trimming to keep exactly 3 records, got %d", len(recs))
	}
}

func TestSubscribeMirrorsEmittedEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path, 100)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	emitter := events.New(50, nil)
	Subscribe(emitter, store)

	emitter.Emit(context.Background(), events.Event{
		Type:   events.TypeSessionStart,
		NodeID: "node-x",
	})

	// Emit dispatches to handlers concurrently and waits for them, so the
	// write is visible by the time Emit returns.
	recs, err := store.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recs) != 1 || recs[0].NodeID != "node-x" {
		t.Fatalf("expected subscribed event to be persisted, got %+v", recs)
	}
}
