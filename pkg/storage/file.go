package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fileSuffix = ".json"

var keyReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_")

// FileStorage keeps one envelope file per key in a directory. Every process
// or handle opened on the same directory is a separate context.
type FileStorage struct {
	dir    string
	origin string
	logger *zap.Logger

	mu   sync.Mutex
	seen map[string]envelope

	notifier *notifier
	stop     func()
}

func NewFileStorage(dir string, opts ...Option) (*FileStorage, error) {
	o := buildOptions(opts)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: couldn't create directory: %v", ErrStorage, err)
	}

	s := &FileStorage{
		dir:      dir,
		origin:   o.origin,
		logger:   o.logger,
		seen:     make(map[string]envelope),
		notifier: newNotifier(),
	}

	// baseline, so only changes after opening are reported
	envs, err := s.scan()
	if err != nil {
		s.notifier.close()
		return nil, err
	}
	s.seen = envs

	stop, err := watchDir(dir, o.debounce, o.logger, s.reload)
	if err != nil {
		s.notifier.close()
		return nil, fmt.Errorf("%w: couldn't watch directory: %v", ErrStorage, err)
	}
	s.stop = stop

	return s, nil
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.dir, keyReplacer.Replace(key)+fileSuffix)
}

func (s *FileStorage) Get(key string) (string, bool, error) {
	env, err := s.readEnvelope(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	} else if err != nil {
		return "", false, storageErr("read", key, err)
	}
	if !env.Present {
		return "", false, nil
	}
	return env.Value, true, nil
}

func (s *FileStorage) Set(key string, value string) error {
	return s.write(envelope{
		Origin:  s.origin,
		Key:     key,
		Value:   value,
		Present: true,
		Version: time.Now().UnixNano(),
	})
}

func (s *FileStorage) Delete(key string) error {
	_, ok, err := s.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	return s.write(envelope{
		Origin:  s.origin,
		Key:     key,
		Present: false,
		Version: time.Now().UnixNano(),
	})
}

func (s *FileStorage) write(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return storageErr("encode", env.Key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return storageErr("write", env.Key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return storageErr("write", env.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("write", env.Key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(tmpName, s.path(env.Key)); err != nil {
		return storageErr("write", env.Key, err)
	}
	s.seen[env.Key] = env

	return nil
}

func (s *FileStorage) readEnvelope(path string) (envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return envelope{}, err
	}
	return decodeEnvelope(data)
}

func (s *FileStorage) scan() (map[string]envelope, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: couldn't read directory: %v", ErrStorage, err)
	}

	envs := make(map[string]envelope)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		env, err := s.readEnvelope(filepath.Join(s.dir, name))
		if err != nil {
			// vanished between listing and reading, or not ours
			continue
		}
		if env.Key == "" {
			continue
		}
		envs[env.Key] = env
	}
	return envs, nil
}

func (s *FileStorage) reload() {
	s.mu.Lock()
	envs, err := s.scan()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("storage reload failed", zap.String("dir", s.dir), zap.Error(err))
		return
	}

	changes := []Change{}
	for key, env := range envs {
		prev, known := s.seen[key]
		if known && prev.Version == env.Version && prev.Origin == env.Origin {
			continue
		}
		s.seen[key] = env
		if env.Origin == s.origin {
			continue
		}
		if !known && !env.Present {
			continue
		}
		changes = append(changes, env.change())
	}
	for key, prev := range s.seen {
		if _, ok := envs[key]; ok {
			continue
		}
		// file removed outright
		delete(s.seen, key)
		if prev.Present {
			changes = append(changes, Change{Key: key})
		}
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.notifier.push(change)
	}
}

func (s *FileStorage) Subscribe(fn func(Change)) func() {
	return s.notifier.subscribe(fn)
}

func (s *FileStorage) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.notifier.close()
	return nil
}
