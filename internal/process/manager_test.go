package process

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewManagerDefaults(t *testing.T) {
	cfg := Config{
		Name:   "test-proc",
		Binary: "/usr/bin/test",
		Args:   []string{"--flag"},
	}

	m := NewManager(cfg)

	if m.config.Name != "test-proc" {
		t.Errorf("Name = %q, want %q", m.config.Name, "test-proc")
	}
	if m.config.RestartDelay != 5*time.Second {
		t.Errorf("RestartDelay = %v, want %v", m.config.RestartDelay, 5*time.Second)
	}
	if m.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want %v", m.config.GracefulTimeout, 10*time.Second)
	}
	if m.config.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want %v", m.config.HealthCheckInterval, 30*time.Second)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", m.Status(), StatusStopped)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("bridge", "/usr/bin/python3", []string{"bridge.py"})

	if !cfg.RestartOnFailure {
		t.Error("RestartOnFailure = false, want true")
	}
	if cfg.MaxRestartAttempts != 10 {
		t.Errorf("MaxRestartAttempts = %d, want 10", cfg.MaxRestartAttempts)
	}
}

func TestManagerStdioRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	gotLine := make(chan struct{}, 8)

	cfg := Config{
		Name:   "cat",
		Binary: "/bin/cat",
		StdoutLineHandler: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
			gotLine <- struct{}{}
		},
		RestartOnFailure: false,
		GracefulTimeout:  2 * time.Second,
	}

	m := NewManager(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	if !m.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	if m.PID() == 0 {
		t.Error("PID() = 0 for running process")
	}

	if err := m.WriteLine(`{"id":1,"cmd":"ping"}`); err != nil {
		t.Fatalf("WriteLine() error: %v", err)
	}

	select {
	case <-gotLine:
	case <-time.After(2 * time.Second):
		t.Fatal("stdout line not delivered")
	}

	mu.Lock()
	got := lines[0]
	mu.Unlock()
	if got != `{"id":1,"cmd":"ping"}` {
		t.Errorf("line = %q, want echoed frame", got)
	}

	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %v after Stop, want stopped", m.Status())
	}
}

func TestManagerOnStopCalledOnExit(t *testing.T) {
	stopped := make(chan error, 1)

	cfg := Config{
		Name:             "true",
		Binary:           "/bin/true",
		RestartOnFailure: false,
		OnStop:           func(err error) { stopped <- err },
	}

	m := NewManager(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStop not called after process exit")
	}

	if m.Status() != StatusFailed {
		t.Errorf("Status() = %v after unexpected exit, want failed", m.Status())
	}
}

func TestManagerStopWhenNotRunning(t *testing.T) {
	m := NewManager(Config{Name: "idle", Binary: "/bin/true"})
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() on stopped manager error: %v", err)
	}
}

func TestWriteLineNotRunning(t *testing.T) {
	m := NewManager(Config{Name: "idle", Binary: "/bin/cat"})
	if err := m.WriteLine("hello"); err == nil {
		t.Error("WriteLine() on stopped manager expected error")
	}
}

func TestManagerStartFailure(t *testing.T) {
	m := NewManager(Config{Name: "missing", Binary: "/nonexistent/binary"})
	ctx := context.Background()

	if err := m.Start(ctx); err == nil {
		t.Fatal("Start() with missing binary expected error")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %v after failed start, want failed", m.Status())
	}
	if m.LastError() == nil {
		t.Error("LastError() = nil after failed start")
	}
}

func TestManagerStats(t *testing.T) {
	m := NewManager(Config{Name: "stats", Binary: "/bin/true"})

	stats := m.Stats()
	if stats.Name != "stats" {
		t.Errorf("Stats().Name = %q, want %q", stats.Name, "stats")
	}
	if stats.Status != StatusStopped {
		t.Errorf("Stats().Status = %v, want stopped", stats.Status)
	}
	if stats.RestartCount != 0 {
		t.Errorf("Stats().RestartCount = %d, want 0", stats.RestartCount)
	}
}
