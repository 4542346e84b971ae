package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"git.sr.ht/~jakintosh/authsession/internal/testutil"
	"git.sr.ht/~jakintosh/authsession/pkg/storage"
)

// set SESSION_TEST_REDIS_URL (e.g. redis://localhost:6379/0) to run
func redisPair(t *testing.T) (storage.Storage, storage.Storage) {
	t.Helper()
	url := os.Getenv("SESSION_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SESSION_TEST_REDIS_URL not set")
	}

	namespace := "authsession-test-" + uuid.NewString()
	a, err := storage.NewRedisStorage(context.Background(), url, namespace)
	if err != nil {
		t.Fatalf("NewRedisStorage failed: %v", err)
	}
	b, err := storage.NewRedisStorage(context.Background(), url, namespace)
	if err != nil {
		t.Fatalf("NewRedisStorage failed: %v", err)
	}
	t.Cleanup(func() {
		a.Delete(namespace + ":session")
		a.Close()
		b.Close()
	})
	return a, b
}

func TestRedisStorage_ExternalChanges(t *testing.T) {
	a, b := redisPair(t)
	fromA := collect(t, a)
	fromB := collect(t, b)
	key := "ns-" + uuid.NewString() + ":session"
	t.Cleanup(func() { a.Delete(key) })

	if err := a.Set(key, "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// value readable from the other context
	if value, ok, err := b.Get(key); err != nil || !ok || value != "v1" {
		t.Fatalf("expected value, got %q ok=%v err=%v", value, ok, err)
	}

	// change published to the other context only
	testutil.Eventually(t, func() bool { return fromB.len() >= 1 }, "redis change")
	if fromA.len() != 0 {
		t.Errorf("writer received its own change")
	}
}

func TestRedisStorage_BadURL(t *testing.T) {
	t.Parallel()

	// unparseable url fails fast
	_, err := storage.NewRedisStorage(context.Background(), "not-a-url", "ns")
	if err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestRedisStorage_CompareAndSwap(t *testing.T) {
	a, b := redisPair(t)
	key := "ns-" + uuid.NewString() + ":session"
	t.Cleanup(func() { a.Delete(key) })
	swapA := a.(storage.Swapper)

	if err := a.Set(key, "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// matching value is replaced
	if swapped, err := swapA.CompareAndSwap(key, "v1", "v2"); err != nil || !swapped {
		t.Fatalf("expected swap, got swapped=%v err=%v", swapped, err)
	}

	// removal by the other client wins
	if err := b.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if swapped, err := swapA.CompareAndSwap(key, "v2", "v3"); err != nil || swapped {
		t.Fatalf("expected no swap after removal, got swapped=%v err=%v", swapped, err)
	}
	if _, ok, _ := b.Get(key); ok {
		t.Error("expected key to stay absent")
	}
}
