package daemon

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestWriteReadRemovePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}

	RemovePIDFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected PID file to be removed, stat err = %v", err)
	}
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Fatal("expected an error parsing a non-numeric PID file")
	}
}

func TestIsRunningTrueForSelfFalseForImpossiblePID(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Fatal("expected the current process to report as running")
	}
	// PID 2^31-1 is never a valid live process on any POSIX system this
	// test runs on.
	if IsRunning(1<<31 - 1) {
		t.Fatal("expected an implausible PID to report as not running")
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9000": true,
		"127.5.5.5:9000": true,
		"[::1]:9000":     true,
		"10.0.0.5:9000":  false,
		"example.com:80": false,
	}
	for addr, want := range cases {
		if got := IsLoopback(addr); got != want {
			t.Errorf("IsLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestShutdownHandlerRejectsNonLoopback(t *testing.T) {
	called := false
	handler := ShutdownHandler(func() { called = true })

	req := httptest.NewRequest("POST", "/shutdown", nil)
	req.RemoteAddr = "203.0.113.9:12345"
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != 403 {
		t.Fatalf("expected 403 for non-loopback caller, got %d", rec.Code)
	}
	if called {
		t.Fatal("onShutdown must not fire for a rejected caller")
	}
}

func TestShutdownHandlerAcceptsLoopback(t *testing.T) {
	called := false
	handler := ShutdownHandler(func() { called = true })

	req := httptest.NewRequest("POST", "/shutdown", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200 for loopback caller, got %d", rec.Code)
	}
	if !called {
		t.Fatal("expected onShutdown to fire for an accepted caller")
	}
}

func TestStopWithNoServerAndNoPIDFileFails(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "gateway.pid")
	// Nothing is listening on this address, and no PID file exists.
	err := Stop("127.0.0.1:1", pidPath)
	if err == nil {
		t.Fatal("expected an error when neither HTTP nor a PID file is available")
	}
}

func TestStopSucceedsViaHTTP(t *testing.T) {
	var shutdownCalled bool
	ts := httptest.NewServer(ShutdownHandler(func() { shutdownCalled = true }))
	defer ts.Close()

	pidPath := filepath.Join(t.TempDir(), "gateway.pid")
	if err := WritePIDFile(pidPath); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	addr := ts.Listener.Addr().String()
	if err := Stop(addr, pidPath); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !shutdownCalled {
		t.Fatal("expected the /shutdown handler to be invoked")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("expected PID file to be removed after successful HTTP stop")
	}
}

func TestSpawnStartsDetachedChild(t *testing.T) {
	// Exercise Spawn against the test binary itself rather than a
	// fabricated executable — os.Executable() inside the test process
	// resolves to the compiled test binary, so passing -test.run=^$ (a
	// pattern no test matches) keeps the child process short-lived without needing a real
	// "clara-gateway" build on the test machine.
	dir := t.TempDir()
	logPath := filepath.Join(dir, "daemon.log")

	pid, err := Spawn([]string{"-test.run=^$"}, logPath, []string{"CLARA_GATEWAY_DAEMON_TEST=1"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected a positive PID, got %d", pid)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected log file to be created: %v", err)
	}
	_ = strconv.Itoa(pid)
}
