// Package events carries session notifications to the host application.
package events

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Name identifies a notification.
type Name string

const (
	SessionChanged     Name = "sessionChanged"
	SessionExpiring    Name = "sessionExpiring"
	UserUpdated        Name = "userUpdated"
	SessionInvalidated Name = "sessionInvalidated"

	// emitted for failed requests so hosts can log or display them
	UnauthorizedAccess Name = "unauthorizedAccess"
	PermissionDenied   Name = "permissionDenied"
	ResourceNotFound   Name = "resourceNotFound"
	RateLimitExceeded  Name = "rateLimitExceeded"
	ServerError        Name = "serverError"
)

// Action explains why the session changed.
type Action string

const (
	ActionLogin  Action = "login"
	ActionLogout Action = "logout"
	ActionSync   Action = "sync"
)

// Event is a published notification.
type Event struct {
	Name      Name
	Payload   any
	Timestamp time.Time
}

// SessionChangedPayload is sent with SessionChanged. User is nil after logout.
type SessionChangedPayload struct {
	User   map[string]any `json:"user"`
	Action Action         `json:"action"`
}

// SessionExpiringPayload is sent with SessionExpiring.
type SessionExpiringPayload struct {
	Message string `json:"message"`
}

// UserUpdatedPayload is sent with UserUpdated.
type UserUpdatedPayload struct {
	User map[string]any `json:"user"`
}

// SessionInvalidatedPayload is sent with SessionInvalidated after a request
// was rejected with 401 and the session was cleared.
type SessionInvalidatedPayload struct {
	Target string `json:"target"`
	Status int    `json:"status"`
}

// RequestFailurePayload is sent with the request failure notifications.
type RequestFailurePayload struct {
	Context string `json:"context"`
	Status  int    `json:"status"`
}

// Handler receives published events.
type Handler func(Event)

// Bus is a synchronous publish/subscribe dispatcher. The zero value is not
// usable; create one with NewBus. A nil *Bus discards everything.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[Name]map[int]Handler
	all       map[int]Handler
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Name]map[int]Handler),
		all:       make(map[int]Handler),
	}
}

// Publish invokes every handler subscribed to the event's name, followed by
// the catch-all handlers, on the caller's goroutine.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.listeners[event.Name])+len(b.all))
	for _, id := range slices.Sorted(maps.Keys(b.listeners[event.Name])) {
		handlers = append(handlers, b.listeners[event.Name][id])
	}
	for _, id := range slices.Sorted(maps.Keys(b.all)) {
		handlers = append(handlers, b.all[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Emit is shorthand for publishing a payload under name.
func (b *Bus) Emit(name Name, payload any) {
	b.Publish(Event{Name: name, Payload: payload})
}

// Subscribe registers handler for name and returns a func that removes it.
func (b *Bus) Subscribe(name Name, handler Handler) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.listeners[name] == nil {
		b.listeners[name] = make(map[int]Handler)
	}
	b.listeners[name][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[name], id)
	}
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}
