package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/clara-ai/gateway/internal/events"
)

func TestShellHookReceivesCorrelationEnv(t *testing.T) {
	emitter := events.New(10, nil)
	mgr := NewManager(emitter, nil)

	if err := mgr.Register(Hook{
		Name:    "echo-user",
		Event:   string(events.TypeToolStart),
		Kind:    KindShell,
		Command: `echo "user=${CLARA_USER_ID} type=${CLARA_EVENT_TYPE}"`,
		Timeout: 5 * time.Second,
		Enabled: true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	emitter.Emit(context.Background(), events.Event{Type: events.TypeToolStart, UserID: "alice"})

	results := mgr.Results(10)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Success {
		t.Fatalf("expected success, got error %q", results[0].Error)
	}
	if want := "user=alice type=tool:start\n"; results[0].Output != want {
		t.Fatalf("output = %q, want %q", results[0].Output, want)
	}
}

func TestCallbackHookFiresAndDisableSuppresses(t *testing.T) {
	emitter := events.New(10, nil)
	mgr := NewManager(emitter, nil)

	fired := 0
	mgr.Register(Hook{
		Name:    "count",
		Event:   string(events.TypeCustom),
		Kind:    KindCallback,
		Enabled: true,
		Callback: func(ctx context.Context, e events.Event) error {
			fired++
			return nil
		},
	})

	emitter.Emit(context.Background(), events.Event{Type: events.TypeCustom})
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}

	mgr.Disable("count")
	emitter.Emit(context.Background(), events.Event{Type: events.TypeCustom})
	if fired != 1 {
		t.Fatalf("expected disabled hook not to fire, count=%d", fired)
	}
}

func TestUnregisterDetachesSubscription(t *testing.T) {
	emitter := events.New(10, nil)
	mgr := NewManager(emitter, nil)

	fired := 0
	mgr.Register(Hook{
		Name:    "count",
		Event:   string(events.TypeCustom),
		Kind:    KindCallback,
		Enabled: true,
		Callback: func(ctx context.Context, e events.Event) error {
			fired++
			return nil
		},
	})

	if !mgr.Unregister("count") {
		t.Fatalf("expected Unregister to find the hook")
	}
	emitter.Emit(context.Background(), events.Event{Type: events.TypeCustom})
	if fired != 0 {
		t.Fatalf("expected no firing after unregister, count=%d", fired)
	}
}

func TestGlobEventSubscription(t *testing.T) {
	emitter := events.New(10, nil)
	mgr := NewManager(emitter, nil)

	fired := 0
	mgr.Register(Hook{
		Name:    "any-tool",
		Event:   "tool:*",
		Kind:    KindCallback,
		Enabled: true,
		Callback: func(ctx context.Context, e events.Event) error {
			fired++
			return nil
		},
	})

	emitter.Emit(context.Background(), events.Event{Type: events.TypeToolStart})
	emitter.Emit(context.Background(), events.Event{Type: events.TypeToolEnd})
	emitter.Emit(context.Background(), events.Event{Type: events.TypeSessionStart})

	if fired != 2 {
		t.Fatalf("expected glob to match 2 tool:* events, got %d", fired)
	}
}
