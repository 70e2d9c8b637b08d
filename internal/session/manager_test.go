package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func createTestManagerConfig() ManagerConfig {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.FallbackDelay = 0
	return ManagerConfig{
		Session:         cfg,
		MaxSessions:     2,
		IdleTimeout:     time.Minute,
		CleanupInterval: time.Hour,
	}
}

func newTestManager(t *testing.T, config ManagerConfig) (*Manager, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	mgr, err := NewManager(testLogger(), config, dialer, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return mgr, dialer
}

func TestNewManager(t *testing.T) {
	if _, err := NewManager(testLogger(), createTestManagerConfig(), nil, nil); err == nil {
		t.Error("Expected error for nil dialer")
	}

	mgr, _ := newTestManager(t, createTestManagerConfig())
	defer mgr.Stop()

	if mgr.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", mgr.Count())
	}
}

func TestManagerCreateAndGet(t *testing.T) {
	mgr, _ := newTestManager(t, createTestManagerConfig())
	defer mgr.Stop()

	entry, err := mgr.Create(&fakeDevices{}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if entry.ID == "" {
		t.Error("Expected a session id")
	}

	got, exists := mgr.Get(entry.ID)
	if !exists || got != entry {
		t.Error("Created session not found")
	}
	if _, exists := mgr.Get("missing"); exists {
		t.Error("Unexpected session for unknown id")
	}
	if entry.Controller.State() != StateIdle {
		t.Errorf("Expected idle controller, got %s", entry.Controller.State())
	}
}

func TestManagerMaxSessions(t *testing.T) {
	mgr, _ := newTestManager(t, createTestManagerConfig())
	defer mgr.Stop()

	for i := 0; i < 2; i++ {
		if _, err := mgr.Create(&fakeDevices{}, nil); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}
	if _, err := mgr.Create(&fakeDevices{}, nil); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Expected ErrTooManySessions, got %v", err)
	}
	if mgr.Stats().Rejected != 1 {
		t.Errorf("Expected 1 rejected session, got %d", mgr.Stats().Rejected)
	}
}

func TestManagerRemoveClosesController(t *testing.T) {
	mgr, dialer := newTestManager(t, createTestManagerConfig())
	defer mgr.Stop()

	devices := &fakeDevices{}
	entry, _ := mgr.Create(devices, nil)
	if err := entry.Controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !mgr.Remove(entry.ID) {
		t.Fatal("Remove returned false for a registered session")
	}
	if mgr.Remove(entry.ID) {
		t.Error("Second Remove returned true")
	}

	select {
	case <-entry.Controller.Done():
	default:
		t.Error("Controller still running after Remove")
	}
	if devices.input(0).closed.Load() != 1 {
		t.Error("Input device not released on Remove")
	}
	if dialer.remote(0).closeCount() == 0 {
		t.Error("Remote not closed on Remove")
	}
	if mgr.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", mgr.Count())
	}
}

func TestManagerList(t *testing.T) {
	mgr, _ := newTestManager(t, createTestManagerConfig())
	defer mgr.Stop()

	first, _ := mgr.Create(&fakeDevices{}, nil)
	time.Sleep(time.Millisecond)
	second, _ := mgr.Create(&fakeDevices{}, nil)

	infos := mgr.List()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(infos))
	}
	if infos[0].ID != first.ID || infos[1].ID != second.ID {
		t.Error("Expected entries ordered by creation time")
	}
	if infos[0].State != "idle" {
		t.Errorf("Expected idle state in listing, got %q", infos[0].State)
	}
}

func TestManagerCleanupExpired(t *testing.T) {
	config := createTestManagerConfig()
	config.IdleTimeout = 50 * time.Millisecond
	mgr, _ := newTestManager(t, config)
	defer mgr.Stop()

	stale, _ := mgr.Create(&fakeDevices{}, nil)
	fresh, _ := mgr.Create(&fakeDevices{}, nil)

	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-time.Second)
	stale.mu.Unlock()
	mgr.Touch(fresh.ID)

	if removed := mgr.cleanupExpiredSessions(); removed != 1 {
		t.Errorf("Expected 1 expired session, got %d", removed)
	}
	if _, exists := mgr.Get(stale.ID); exists {
		t.Error("Stale session survived cleanup")
	}
	if _, exists := mgr.Get(fresh.ID); !exists {
		t.Error("Fresh session was removed")
	}
	if mgr.Stats().Expired != 1 {
		t.Errorf("Expected 1 expired in stats, got %d", mgr.Stats().Expired)
	}
}

func TestManagerStopClosesAll(t *testing.T) {
	mgr, _ := newTestManager(t, createTestManagerConfig())

	a, _ := mgr.Create(&fakeDevices{}, nil)
	b, _ := mgr.Create(&fakeDevices{}, nil)
	mgr.Stop()

	for _, entry := range []*Entry{a, b} {
		select {
		case <-entry.Controller.Done():
		default:
			t.Errorf("Controller %s still running after Stop", entry.ID)
		}
	}
	if mgr.Count() != 0 {
		t.Errorf("Expected 0 sessions after Stop, got %d", mgr.Count())
	}
}
