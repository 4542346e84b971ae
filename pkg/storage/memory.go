package storage

import (
	"errors"
	"sync"
)

var errClosed = errors.New("storage closed")

// Device is an in-process backing store shared by several contexts, the
// equivalent of one browser profile's local storage.
type Device struct {
	mu       sync.Mutex
	data     map[string]string
	contexts map[*MemoryStorage]struct{}
}

func NewDevice() *Device {
	return &Device{
		data:     make(map[string]string),
		contexts: make(map[*MemoryStorage]struct{}),
	}
}

// Context opens a new handle onto the device.
func (d *Device) Context() *MemoryStorage {
	s := &MemoryStorage{
		device:   d,
		notifier: newNotifier(),
	}

	d.mu.Lock()
	d.contexts[s] = struct{}{}
	d.mu.Unlock()

	return s
}

// MemoryStorage is one context's handle onto a Device.
type MemoryStorage struct {
	device   *Device
	notifier *notifier
	closed   bool
}

func (s *MemoryStorage) Get(key string) (string, bool, error) {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()

	if s.closed {
		return "", false, storageErr("read", key, errClosed)
	}
	value, ok := s.device.data[key]
	return value, ok, nil
}

func (s *MemoryStorage) Set(key string, value string) error {
	_, err := s.write(key, value, true, nil)
	return err
}

func (s *MemoryStorage) Delete(key string) error {
	_, err := s.write(key, "", false, nil)
	return err
}

func (s *MemoryStorage) CompareAndSwap(key string, old string, value string) (bool, error) {
	return s.write(key, value, true, &old)
}

// write applies the change under the device lock. When expect is set the
// key must currently hold it.
func (s *MemoryStorage) write(key string, value string, present bool, expect *string) (bool, error) {
	d := s.device
	d.mu.Lock()
	if s.closed {
		d.mu.Unlock()
		return false, storageErr("write", key, errClosed)
	}

	old, existed := d.data[key]
	if expect != nil && (!existed || old != *expect) {
		d.mu.Unlock()
		return false, nil
	}
	if present {
		d.data[key] = value
	} else {
		delete(d.data, key)
	}
	if existed == present && old == value {
		d.mu.Unlock()
		return true, nil
	}

	others := make([]*MemoryStorage, 0, len(d.contexts))
	for ctx := range d.contexts {
		if ctx != s {
			others = append(others, ctx)
		}
	}
	d.mu.Unlock()

	change := Change{Key: key, Value: value, Present: present}
	for _, ctx := range others {
		ctx.notifier.push(change)
	}
	return true, nil
}

func (s *MemoryStorage) Subscribe(fn func(Change)) func() {
	return s.notifier.subscribe(fn)
}

func (s *MemoryStorage) Close() error {
	s.device.mu.Lock()
	s.closed = true
	delete(s.device.contexts, s)
	s.device.mu.Unlock()

	s.notifier.close()
	return nil
}
