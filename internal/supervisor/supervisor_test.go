package supervisor

import (
	"testing"
	"time"

	"github.com/clara-ai/gateway/internal/config"
)

func TestShouldRestartPolicies(t *testing.T) {
	cases := []struct {
		policy   RestartPolicy
		exitCode int
		want     bool
	}{
		{RestartNever, 0, false},
		{RestartNever, 1, false},
		{RestartAlways, 0, true},
		{RestartAlways, 1, true},
		{RestartOnFailure, 0, false},
		{RestartOnFailure, 1, true},
	}
	for _, c := range cases {
		if got := shouldRestart(c.policy, c.exitCode); got != c.want {
			t.Errorf("shouldRestart(%v, %d) = %v, want %v", c.policy, c.exitCode, got, c.want)
		}
	}
}

func TestExpandEnvResolvesPlaceholders(t *testing.T) {
	t.Setenv("CLARA_TEST_TOKEN", "secret123")
	out := expandEnv(map[string]string{
		"TOKEN":   "${CLARA_TEST_TOKEN}",
		"LITERAL": "plain",
	})
	if out["TOKEN"] != "secret123" {
		t.Fatalf("expected expanded token, got %q", out["TOKEN"])
	}
	if out["LITERAL"] != "plain" {
		t.Fatalf("expected literal value unchanged, got %q", out["LITERAL"])
	}
}

func TestFromEntryDefaultsRestartPolicy(t *testing.T) {
	cfg := fromEntry("discord", config.AdapterEntry{
		Enabled:       true,
		Command:       "true",
		RestartPolicy: "not-a-real-policy",
	})
	if cfg.RestartPolicy != RestartAlways {
		t.Fatalf("expected invalid policy to default to always, got %v", cfg.RestartPolicy)
	}
}

func TestMetricsUptimeAccumulatesAcrossSessions(t *testing.T) {
	var m Metrics
	m.recordStart()
	time.Sleep(5 * time.Millisecond)
	m.recordStop()
	first := m.CurrentUptime()
	if first <= 0 {
		t.Fatalf("expected positive uptime after a session, got %v", first)
	}

	m.recordStart()
	time.Sleep(5 * time.Millisecond)
	second := m.CurrentUptime()
	if second <= first {
		t.Fatalf("expected uptime to accumulate across sessions, first=%v second=%v", first, second)
	}
}

func TestManifestCheckEnvNilManifestAlwaysOK(t *testing.T) {
	var m *Manifest
	ok, missing := m.CheckEnv()
	if !ok || missing != nil {
		t.Fatalf("expected nil manifest to report ok=true, no missing vars, got ok=%v missing=%v", ok, missing)
	}
}

func TestManifestCheckEnvReportsMissing(t *testing.T) {
	m := &Manifest{RequiredEnv: []string{"CLARA_SUPERVISOR_TEST_UNSET_VAR"}}
	ok, missing := m.CheckEnv()
	if ok {
		t.Fatal("expected missing required env var to fail the check")
	}
	if len(missing) != 1 || missing[0] != "CLARA_SUPERVISOR_TEST_UNSET_VAR" {
		t.Fatalf("unexpected missing list: %v", missing)
	}
}

func TestStartStopLifecycleWithRealProcess(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.adapters["sleeper"] = &Adapter{
		Config: Config{
			Name:          "sleeper",
			Enabled:       true,
			Command:       "sh",
			Args:          []string{"-c", "sleep 5"},
			RestartPolicy: RestartNever,
		},
		State: StateStopped,
	}

	if err := s.StartAdapter("sleeper"); err != nil {
		t.Fatalf("StartAdapter failed: %v", err)
	}

	statuses := s.GetStatus()
	var found bool
	for _, st := range statuses {
		if st.Name == "sleeper" {
			found = true
			if st.State != StateRunning {
				t.Fatalf("expected sleeper to be running, got %v", st.State)
			}
			if st.PID == 0 {
				t.Fatal("expected a nonzero PID for a running adapter")
			}
		}
	}
	if !found {
		t.Fatal("expected sleeper in status list")
	}

	if err := s.StopAdapter("sleeper", 2*time.Second); err != nil {
		t.Fatalf("StopAdapter failed: %v", err)
	}

	for _, st := range s.GetStatus() {
		if st.Name == "sleeper" && st.State != StateStopped {
			t.Fatalf("expected sleeper to be stopped, got %v", st.State)
		}
	}
}

func TestStartAdapterRejectsDisabled(t *testing.T) {
	s := New(t.TempDir(), nil)
	s.adapters["disabled-one"] = &Adapter{
		Config: Config{Name: "disabled-one", Enabled: false},
		State:  StateDisabled,
	}

	if err := s.StartAdapter("disabled-one"); err == nil {
		t.Fatal("expected starting a disabled adapter to return an error")
	}
}

func TestStartAdapterRejectsUnknown(t *testing.T) {
	s := New(t.TempDir(), nil)
	if err := s.StartAdapter("does-not-exist"); err == nil {
		t.Fatal("expected starting an unknown adapter to return an error")
	}
}

func TestSuperviseLoopReapsExitedProcessAndRestarts(t *testing.T) {
	s := New(t.TempDir(), nil)
	ad := &Adapter{
		Config: Config{
			Name:          "flappy",
			Enabled:       true,
			Command:       "true",
			RestartPolicy: RestartAlways,
			RestartDelay:  10 * time.Millisecond,
			MaxRestarts:   5,
			ResetWindow:   time.Minute,
		},
		State: StateStopped,
	}
	s.adapters["flappy"] = ad

	s.Start("flappy")
	defer s.Stop()

	// "true" exits immediately. A zombie reaped only via a signal-0
	// liveness poll (kill(pid, 0), which still succeeds against a
	// zombie) would never observe this exit, so restart count would
	// stay at 0 forever; reaping via Wait() should see several restarts
	// well within this deadline.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		count := ad.RestartCount
		s.mu.Unlock()
		if count >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.mu.Lock()
	count := ad.RestartCount
	s.mu.Unlock()
	if count < 2 {
		t.Fatalf("expected the exiting adapter to be reaped and restarted at least twice, got restart count %d", count)
	}
}

func TestHandleExitTracksRestartWindow(t *testing.T) {
	s := New(t.TempDir(), nil)
	ad := &Adapter{
		Config: Config{
			Name:          "flappy",
			RestartPolicy: RestartAlways,
			MaxRestarts:   2,
			ResetWindow:   time.Minute,
			RestartDelay:  0,
			Command:       "true",
		},
		State: StateStopped,
	}
	s.adapters["flappy"] = ad

	s.handleExit("flappy", ad, 1)
	if ad.RestartCount != 1 {
		t.Fatalf("expected restart count 1, got %d", ad.RestartCount)
	}

	s.handleExit("flappy", ad, 1)
	if ad.RestartCount != 2 {
		t.Fatalf("expected restart count 2, got %d", ad.RestartCount)
	}

	s.handleExit("flappy", ad, 1)
	if ad.State != StateFailed {
		t.Fatalf("expected adapter to be marked failed after exceeding max restarts, got %v", ad.State)
	}
}
