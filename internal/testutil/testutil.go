// Package testutil provides shared helpers for package tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/authsession/pkg/events"
)

// DefaultWait bounds how long Eventually polls before failing.
const DefaultWait = 5 * time.Second

var (
	sharedSigningKey     *ecdsa.PrivateKey
	sharedSigningKeyOnce sync.Once
)

// SigningKey returns a cached ECDSA signing key for tests.
// This avoids the overhead of generating a new key for each test.
func SigningKey() *ecdsa.PrivateKey {
	sharedSigningKeyOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic("failed to generate shared signing key: " + err.Error())
		}
		sharedSigningKey = key
	})
	return sharedSigningKey
}

// Eventually polls cond until it holds or DefaultWait elapses
func Eventually(
	t *testing.T,
	cond func() bool,
	msg string,
) {
	t.Helper()
	deadline := time.Now().Add(DefaultWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

// Never asserts cond stays false for the given duration
func Never(
	t *testing.T,
	d time.Duration,
	cond func() bool,
	msg string,
) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// EventRecorder collects every event published on a bus
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

// RecordEvents subscribes a recorder to every event on bus
func RecordEvents(
	t *testing.T,
	bus *events.Bus,
) *EventRecorder {
	t.Helper()
	rec := &EventRecorder{}
	unsubscribe := bus.SubscribeAll(func(e events.Event) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.events = append(rec.events, e)
	})
	t.Cleanup(unsubscribe)
	return rec
}

// Events returns a copy of the recorded events
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Named returns the recorded events with the given name
func (r *EventRecorder) Named(
	name events.Name,
) []events.Event {
	matched := []events.Event{}
	for _, e := range r.Events() {
		if e.Name == name {
			matched = append(matched, e)
		}
	}
	return matched
}

// Count returns how many events with the given name were recorded
func (r *EventRecorder) Count(
	name events.Name,
) int {
	return len(r.Named(name))
}

// WaitFor blocks until at least n events with the given name were recorded
func (r *EventRecorder) WaitFor(
	t *testing.T,
	name events.Name,
	n int,
) []events.Event {
	t.Helper()
	Eventually(t, func() bool { return r.Count(name) >= n }, "event "+string(name))
	return r.Named(name)
}
