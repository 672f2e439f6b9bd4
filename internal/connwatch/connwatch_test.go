package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/relayalert/internal/events"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietManager(bus *events.Bus) *Manager {
	return NewManager(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.ProbeTimeout != 2*time.Second {
		t.Errorf("ProbeTimeout = %v, want 2s", cfg.ProbeTimeout)
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3 (explicit value kept)", got.MaxRetries)
	}
	if got.PollInterval != DefaultBackoffConfig().PollInterval {
		t.Errorf("PollInterval = %v, want default", got.PollInterval)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(8)

	var readyCalled atomic.Int32
	m := quietManager(bus)
	w := m.Watch(t.Context(), Target{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})
	defer w.Stop()

	eventually(t, w.IsReady, "expected IsReady() after successful probe")
	eventually(t, func() bool { return readyCalled.Load() == 1 }, "OnReady not called")

	select {
	case e := <-ch:
		if e.Source != events.SourceHealth || e.Kind != events.KindServiceReady || e.Data["service"] != "mqtt" {
			t.Errorf("event = %+v, want health/service_ready for mqtt", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no service_ready event")
	}

	// Further successful polls must not fire OnReady again.
	time.Sleep(30 * time.Millisecond)
	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want exactly 1", n)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	probe := func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := quietManager(nil)
	w := m.Watch(t.Context(), Target{Name: "mqtt", Probe: probe, Backoff: testBackoff()})
	defer w.Stop()

	eventually(t, w.IsReady, "expected ready after probe recovered")
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
	if s := w.Status(); s.Failures != 0 || s.Since.IsZero() {
		t.Errorf("status = %+v, want zero failures and a transition time", s)
	}
}

func TestWatcher_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	m := quietManager(nil)
	w := m.Watch(t.Context(), Target{
		Name:    "twilio",
		Probe:   func(context.Context) error { attempts.Add(1); return errors.New("no route to host") },
		Backoff: testBackoff(),
	})
	defer w.Stop()

	eventually(t, func() bool { return attempts.Load() >= 5 }, "startup retries did not run")
	if w.IsReady() {
		t.Error("expected not ready after exhausting retries")
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError")
	}
	if w.Status().Failures < 5 {
		t.Errorf("Failures = %d, want >= 5", w.Status().Failures)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(16)

	var failing atomic.Bool
	var downCalled atomic.Int32
	m := quietManager(bus)
	w := m.Watch(t.Context(), Target{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("broker gone")
			}
			return nil
		},
		Backoff: testBackoff(),
		OnDown:  func(error) { downCalled.Add(1) },
	})
	defer w.Stop()

	eventually(t, w.IsReady, "expected ready initially")

	failing.Store(true)
	eventually(t, func() bool { return !w.IsReady() }, "expected not ready after dependency went down")
	eventually(t, func() bool { return downCalled.Load() == 1 }, "OnDown not called")

	failing.Store(false)
	eventually(t, w.IsReady, "expected ready after recovery")
	eventually(t, func() bool { return len(ch) >= 3 }, "missing transition events")

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{events.KindServiceReady, events.KindServiceDown, events.KindServiceReady}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()

	bcfg := testBackoff()
	bcfg.ProbeTimeout = 5 * time.Millisecond
	bcfg.MaxRetries = 1

	m := quietManager(nil)
	w := m.Watch(t.Context(), Target{
		Name: "mqtt",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: bcfg,
	})
	defer w.Stop()

	eventually(t, func() bool { return w.LastError() != nil }, "expected error from timed-out probe")
	if w.IsReady() {
		t.Error("expected not ready when probe always times out")
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := quietManager(nil)
	w := m.Watch(ctx, Target{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestManager_StatusAndHealthy(t *testing.T) {
	t.Parallel()

	m := quietManager(nil)
	if !m.Healthy() {
		t.Error("manager without watchers should be healthy")
	}

	m.Watch(t.Context(), Target{
		Name:    "mqtt",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	m.Watch(t.Context(), Target{
		Name:    "twilio",
		Probe:   func(context.Context) error { return errors.New("unreachable") },
		Backoff: bcfg,
	})
	defer m.Stop()

	eventually(t, func() bool {
		s := m.Status()
		return s["mqtt"].Ready && s["twilio"].LastError != ""
	}, "watchers did not settle")

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 entries in Status, got %d", len(status))
	}
	if status["mqtt"].LastError != "" {
		t.Errorf("mqtt should have no error, got %q", status["mqtt"].LastError)
	}
	if status["twilio"].Ready {
		t.Error("twilio should not be ready")
	}
	if m.Healthy() {
		t.Error("Healthy() = true with an unreachable dependency")
	}
}

func TestManager_WatchPanicsOnBadTarget(t *testing.T) {
	t.Parallel()
	m := quietManager(nil)

	defer func() {
		if recover() == nil {
			t.Error("Watch with nil Probe should panic")
		}
	}()
	m.Watch(t.Context(), Target{Name: "mqtt"})
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	m := quietManager(nil)
	for _, name := range []string{"mqtt", "twilio"} {
		m.Watch(context.Background(), Target{
			Name:    name,
			Probe:   func(context.Context) error { return nil },
			Backoff: testBackoff(),
		})
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Manager.Stop did not return within timeout")
	}
}
