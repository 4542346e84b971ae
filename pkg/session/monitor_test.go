package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/authsession/internal/testutil"
	"git.sr.ht/~jakintosh/authsession/pkg/events"
	"git.sr.ht/~jakintosh/authsession/pkg/session"
)

func TestMonitor_RefreshesWithinHorizon(t *testing.T) {
	t.Parallel()
	next := issue(t, "alice", time.Hour)
	refresher := &fakeRefresher{gate: newGate(), result: session.RefreshResult{AccessToken: next}}
	refresher.gate.open()
	e := setupStore(t, session.WithRefresher(refresher))
	login(t, e, 4*time.Minute)

	// expiring within five minutes triggers a refresh
	if !session.NewMonitor(e.store).Check(context.Background()) {
		t.Fatal("expected a refresh attempt")
	}
	if b := e.store.Session(); b.AccessToken != next {
		t.Error("expected refreshed token")
	}
}

func TestMonitor_IgnoresFreshSession(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{gate: newGate()}
	refresher.gate.open()
	e := setupStore(t, session.WithRefresher(refresher))
	login(t, e, time.Hour)

	// far from expiry nothing happens
	if session.NewMonitor(e.store).Check(context.Background()) {
		t.Error("expected no refresh attempt")
	}
	if n := refresher.gate.calls.Load(); n != 0 {
		t.Errorf("expected no refresh calls, got %d", n)
	}
}

func TestMonitor_NoSession(t *testing.T) {
	t.Parallel()
	e := setupStore(t)

	// nothing to check
	if session.NewMonitor(e.store).Check(context.Background()) {
		t.Error("expected no refresh attempt")
	}
}

func TestMonitor_FailedRefreshWarnsWithoutClearing(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{gate: newGate(), err: errors.New("refresh rejected")}
	refresher.gate.open()
	e := setupStore(t, session.WithRefresher(refresher))
	token := login(t, e, 2*time.Minute)

	session.NewMonitor(e.store).Check(context.Background())

	// warning emitted with a message
	expiring := e.events.Named(events.SessionExpiring)
	if len(expiring) != 1 {
		t.Fatalf("expected 1 sessionExpiring event, got %d", len(expiring))
	}
	if p := expiring[0].Payload.(events.SessionExpiringPayload); p.Message == "" {
		t.Error("expected a warning message")
	}

	// session kept until it lapses
	b := e.store.Session()
	if b == nil || b.AccessToken != token {
		t.Fatal("expected session to be kept after failed refresh")
	}
	for _, ev := range e.events.Named(events.SessionChanged) {
		if payload(t, ev).Action == events.ActionLogout {
			t.Error("unexpected logout after failed refresh")
		}
	}
}

func TestMonitor_RejectedRefreshLogsOutWithoutWarning(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{gate: newGate(), err: rejectedErr()}
	refresher.gate.open()
	e := setupStore(t, session.WithRefresher(refresher))
	login(t, e, 2*time.Minute)

	session.NewMonitor(e.store).Check(context.Background())

	// logged out instead of warned
	if e.store.Session() != nil {
		t.Error("expected session cleared")
	}
	if n := e.events.Count(events.SessionExpiring); n != 0 {
		t.Errorf("expected no sessionExpiring event, got %d", n)
	}
	if n := countLogouts(t, e); n != 1 {
		t.Errorf("expected 1 logout event, got %d", n)
	}
}

func TestMonitor_Run(t *testing.T) {
	t.Parallel()
	refresher := &fakeRefresher{gate: newGate(), result: session.RefreshResult{AccessToken: issue(t, "alice", time.Hour)}}
	refresher.gate.open()
	e := setupStore(t, session.WithRefresher(refresher))
	login(t, e, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	monitor := session.NewMonitor(e.store, session.WithInterval(10*time.Millisecond))
	go func() { done <- monitor.Run(ctx) }()

	// first check refreshes right away
	testutil.Eventually(t, func() bool { return refresher.gate.calls.Load() == 1 }, "monitor refresh")

	// stops on cancellation
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
