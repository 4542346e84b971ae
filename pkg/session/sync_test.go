package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/authsession/internal/testutil"
	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/session"
	"git.sr.ht/~jakintosh/authsession/pkg/storage"
)

func TestSync_LoginReachesOtherContext(t *testing.T) {
	t.Parallel()
	device := storage.NewDevice()
	a := setupContext(t, device, device.Context())
	b := setupContext(t, device, device.Context())

	user := session.User{"id": "alice", "name": "Alice", "roles": []any{"admin"}}
	if err := a.store.SetSession(issue(t, "alice", time.Hour), user, "refresh-1"); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	// second context announces a sync carrying the same user
	synced := b.events.WaitFor(t, events.SessionChanged, 1)
	p := payload(t, synced[0])
	if p.Action != events.ActionSync {
		t.Errorf("expected sync action, got %q", p.Action)
	}
	if p.User["id"] != "alice" || p.User["name"] != "Alice" {
		t.Errorf("expected same user, got %v", p.User)
	}

	// and reads the same bundle
	if bundle := b.store.Session(); bundle == nil || bundle.User["id"] != "alice" {
		t.Errorf("expected shared session, got %+v", bundle)
	}

	// first context does not hear its own write as a sync
	for _, ev := range a.events.Named(events.SessionChanged) {
		if payload(t, ev).Action == events.ActionSync {
			t.Error("writer received a sync for its own write")
		}
	}
}

func TestSync_LogoutReachesOtherContext(t *testing.T) {
	t.Parallel()
	device := storage.NewDevice()
	a := setupContext(t, device, device.Context())
	b := setupContext(t, device, device.Context())
	login(t, a, time.Hour)
	b.events.WaitFor(t, events.SessionChanged, 1)

	if err := a.store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	// removal arrives as a logout without a user
	changed := b.events.WaitFor(t, events.SessionChanged, 2)
	p := payload(t, changed[1])
	if p.Action != events.ActionLogout || p.User != nil {
		t.Errorf("unexpected payload: %+v", p)
	}
	if b.store.Session() != nil {
		t.Error("expected second context to see no session")
	}
}

func TestSync_RemoteLogoutDiscardsInFlightRefresh(t *testing.T) {
	t.Parallel()
	device := storage.NewDevice()
	refresher := &fakeRefresher{
		gate:   newGate(),
		result: session.RefreshResult{AccessToken: issue(t, "alice", time.Hour)},
	}
	a := setupContext(t, device, device.Context())
	b := setupContext(t, device, device.Context(), session.WithRefresher(refresher))
	login(t, a, time.Minute)
	b.events.WaitFor(t, events.SessionChanged, 1)

	done := make(chan error, 1)
	go func() {
		_, err := b.store.Refresh(context.Background())
		done <- err
	}()
	testutil.Eventually(t, func() bool { return refresher.gate.calls.Load() == 1 }, "refresh started")

	// other context logs out meanwhile
	a.store.Clear()
	b.events.WaitFor(t, events.SessionChanged, 2)
	refresher.gate.open()

	// refresh result is not written back
	if err := <-done; !errors.Is(err, session.ErrSessionCleared) {
		t.Fatalf("expected ErrSessionCleared, got %v", err)
	}
	if a.store.Session() != nil {
		t.Error("expected session to stay cleared")
	}
}

func TestSync_FileBackedContexts(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "profile")
	backendA, err := storage.NewFileStorage(dir, storage.WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}
	backendB, err := storage.NewFileStorage(dir, storage.WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}
	a := setupContext(t, nil, backendA)
	b := setupContext(t, nil, backendB)

	if err := a.store.SetSession(issue(t, "alice", time.Hour), session.User{"id": "alice"}, ""); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	// change crosses the file boundary
	synced := b.events.WaitFor(t, events.SessionChanged, 1)
	if p := payload(t, synced[0]); p.Action != events.ActionSync || p.User["id"] != "alice" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestSync_RemoteLogoutDuringWriteBackWins(t *testing.T) {
	t.Parallel()
	device := storage.NewDevice()
	refresher := &fakeRefresher{
		gate:   newGate(),
		result: session.RefreshResult{AccessToken: issue(t, "alice", time.Hour)},
	}
	refresher.gate.open()
	racing := &racingStorage{MemoryStorage: device.Context()}
	a := setupContext(t, device, device.Context())
	b := setupContext(t, device, racing, session.WithRefresher(refresher))
	login(t, a, time.Minute)
	b.events.WaitFor(t, events.SessionChanged, 1)

	// other context logs out after the refresh passed its own checks
	racing.beforeSwap = func() { a.store.Clear() }
	_, err := b.store.Refresh(context.Background())

	// refresh result is not written back
	if !errors.Is(err, session.ErrSessionCleared) {
		t.Fatalf("expected ErrSessionCleared, got %v", err)
	}
	if a.store.Session() != nil || b.store.Session() != nil {
		t.Error("expected session to stay cleared in both contexts")
	}
}
