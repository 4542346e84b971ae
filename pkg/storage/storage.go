// Package storage provides the device-local persistence layer shared by every
// browsing context of a session.
//
// A Storage is one context's handle onto a shared backing store. Values are
// always replaced wholesale, so a reader in another context sees either the
// old value or the new one, never a mix. Subscribe reports changes made by
// other contexts only, mirroring the storage-change signal of a browser.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ErrStorage wraps every failure of the backing store.
var ErrStorage = errors.New("storage failure")

// Storage is a key/value handle for one browsing context.
type Storage interface {
	// Get returns the value for key and whether it is present.
	Get(key string) (string, bool, error)
	// Set replaces the value for key.
	Set(key string, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Subscribe registers fn for changes written by other contexts.
	Subscribe(fn func(Change)) (cancel func())
	Close() error
}

// Swapper is implemented by backends that can replace a value only while it
// still holds an expected one, atomically across every context.
type Swapper interface {
	// CompareAndSwap sets key to value if it is present and equal to old.
	CompareAndSwap(key string, old string, value string) (swapped bool, err error)
}

// Change describes a write observed from another context.
type Change struct {
	Key     string
	Value   string
	Present bool
}

// envelope is the persisted form used by the file and redis backends; the
// origin lets a context recognize its own writes.
type envelope struct {
	Origin  string `json:"origin"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Present bool   `json:"present"`
	Version int64  `json:"version"`
}

func (e envelope) change() Change {
	return Change{Key: e.Key, Value: e.Value, Present: e.Present}
}

func decodeEnvelope(data []byte) (envelope, error) {
	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("invalid envelope: %v", err)
	}
	return env, nil
}

func newOrigin() string {
	return uuid.NewString()
}

func storageErr(op string, key string, err error) error {
	return fmt.Errorf("%w: couldn't %s '%s': %w", ErrStorage, op, key, err)
}

// notifier delivers changes to subscribers in order on its own goroutine, so
// a writer never runs another context's handlers while holding its locks.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]func(Change)
	nextID int
	queue  []Change

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newNotifier() *notifier {
	n := &notifier{
		subs: make(map[int]func(Change)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) push(change Change) {
	n.mu.Lock()
	n.queue = append(n.queue, change)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			change := n.queue[0]
			n.queue = n.queue[1:]
			handlers := make([]func(Change), 0, len(n.subs))
			for _, id := range slices.Sorted(maps.Keys(n.subs)) {
				handlers = append(handlers, n.subs[id])
			}
			n.mu.Unlock()

			for _, handler := range handlers {
				handler(change)
			}
		}
	}
}

func (n *notifier) close() {
	n.closeOnce.Do(func() { close(n.done) })
}
