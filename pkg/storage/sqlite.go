package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// SQLiteStorage keeps every key in one kv table. Each write bumps a global
// version, which other contexts on the same file poll for after the watcher
// reports activity in the database directory.
type SQLiteStorage struct {
	db     *sql.DB
	origin string
	logger *zap.Logger

	mu          sync.Mutex
	lastVersion int64

	notifier *notifier
	stop     func()
}

func NewSQLiteStorage(dbPath string, opts ...Option) (*SQLiteStorage, error) {
	o := buildOptions(opts)

	dsn := dbPath
	if dbPath != memoryPath {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %v", ErrStorage, err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to init database: %v", ErrStorage, err)
	}

	s := &SQLiteStorage{
		db:       db,
		origin:   o.origin,
		logger:   o.logger,
		notifier: newNotifier(),
	}

	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM kv;`).Scan(&s.lastVersion); err != nil {
		s.closeAll()
		return nil, fmt.Errorf("%w: couldn't read version: %v", ErrStorage, err)
	}

	if dbPath != memoryPath {
		stop, err := watchDir(filepath.Dir(dbPath), o.debounce, o.logger, s.poll)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("%w: couldn't watch database: %v", ErrStorage, err)
		}
		s.stop = stop
	}

	return s, nil
}

func initSchema(db *sql.DB) error {
	return initTable(db, "kv", `
		CREATE TABLE IF NOT EXISTS kv (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL,
			present     INTEGER NOT NULL,
			origin      TEXT NOT NULL,
			version     INTEGER NOT NULL
		);`,
	)
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %v", name, err)
	}
	return nil
}

func (s *SQLiteStorage) Get(key string) (string, bool, error) {
	var value string
	var present bool
	err := s.db.QueryRow(`
		SELECT value, present
		FROM kv
		WHERE key=?1;`,
		key,
	).Scan(&value, &present)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, storageErr("read", key, err)
	}
	if !present {
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteStorage) Set(key string, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, present, origin, version)
		VALUES (?1, ?2, 1, ?3, (SELECT COALESCE(MAX(version), 0) + 1 FROM kv))
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			present=1,
			origin=excluded.origin,
			version=excluded.version;`,
		key,
		value,
		s.origin,
	)
	if err != nil {
		return storageErr("write", key, err)
	}
	return nil
}

func (s *SQLiteStorage) CompareAndSwap(key string, old string, value string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE kv
		SET value=?3,
			origin=?4,
			version=(SELECT COALESCE(MAX(version), 0) + 1 FROM kv)
		WHERE key=?1 AND present=1 AND value=?2;`,
		key,
		old,
		value,
		s.origin,
	)
	if err != nil {
		return false, storageErr("write", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("write", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStorage) Delete(key string) error {
	_, err := s.db.Exec(`
		UPDATE kv
		SET value='',
			present=0,
			origin=?2,
			version=(SELECT COALESCE(MAX(version), 0) + 1 FROM kv)
		WHERE key=?1 AND present=1;`,
		key,
		s.origin,
	)
	if err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

// poll reports rows written by other contexts since the last poll.
func (s *SQLiteStorage) poll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT key, value, present, origin, version
		FROM kv
		WHERE version > ?1
		ORDER BY version;`,
		s.lastVersion,
	)
	if err != nil {
		s.logger.Warn("storage poll failed", zap.Error(err))
		return
	}
	defer rows.Close()

	for rows.Next() {
		var env envelope
		if err := rows.Scan(&env.Key, &env.Value, &env.Present, &env.Origin, &env.Version); err != nil {
			s.logger.Warn("storage poll failed", zap.Error(err))
			return
		}
		s.lastVersion = env.Version
		if env.Origin == s.origin {
			continue
		}
		s.notifier.push(env.change())
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("storage poll failed", zap.Error(err))
	}
}

func (s *SQLiteStorage) Subscribe(fn func(Change)) func() {
	return s.notifier.subscribe(fn)
}

func (s *SQLiteStorage) Close() error {
	if s.stop != nil {
		s.stop()
	}
	return s.closeAll()
}

func (s *SQLiteStorage) closeAll() error {
	s.notifier.close()
	return s.db.Close()
}
