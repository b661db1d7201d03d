package cache

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is the durable store for cache generations.
// A generation is a named key-value store mapping request identities to
// serialized HTTP responses. Exactly one generation is current at any time;
// the agent sweeps stale ones on activation.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the generation with the given name, creating it if absent.
	Open(name string) Generation
	// Names returns the names of all generations in storage.
	Names() ([]string, error)
	// Delete removes the named generation and all of its entries.
	Delete(name string) error
}

// Generation is one named instance of the store.
type Generation interface {
	// Match returns the stored bytes for the given key, if present.
	// It also returns a boolean indicating whether a match was found.
	Match(key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key.
	// An existing entry is overwritten, last write wins.
	Put(key string, bytes []byte) error
	// Keys calls the given callback for each key in the generation.
	Keys(cb func(string))
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemCache() *MemCache {
	return &MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m *MemCache) Open(name string) Generation {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[name]; !ok {
		m.db[name] = make(map[string][]byte)
	}
	return &memGeneration{cache: m, name: name}
}

func (m *MemCache) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemCache) Delete(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, name)
	return nil
}

type memGeneration struct {
	cache *MemCache
	name  string
}

func (g *memGeneration) Match(key string) ([]byte, bool, error) {
	g.cache.mutex.RLock()
	defer g.cache.mutex.RUnlock()
	entries, ok := g.cache.db[g.name]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := entries[key]
	return bytes, ok, nil
}

func (g *memGeneration) Put(key string, bytes []byte) error {
	g.cache.mutex.Lock()
	defer g.cache.mutex.Unlock()
	entries, ok := g.cache.db[g.name]
	if !ok {
		// the generation was deleted after being opened, recreate it
		entries = make(map[string][]byte)
		g.cache.db[g.name] = entries
	}
	entries[key] = bytes
	return nil
}

func (g *memGeneration) Keys(cb func(string)) {
	g.cache.mutex.RLock()
	defer g.cache.mutex.RUnlock()
	for key := range g.cache.db[g.name] {
		cb(key)
	}
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) *SQLiteCache {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		generation TEXT,
		key TEXT,
		stored_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (generation, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLiteCache) Open(name string) Generation {
	return &sqliteGeneration{cache: s, name: name}
}

func (s *SQLiteCache) Names() ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.Query("SELECT DISTINCT generation FROM cache ORDER BY generation")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteCache) Delete(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE generation = ?", name)
	return err
}

type sqliteGeneration struct {
	cache *SQLiteCache
	name  string
}

func (g *sqliteGeneration) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := g.cache.db.QueryRow(
		"SELECT bytes FROM cache WHERE generation = ? AND key = ?",
		g.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (g *sqliteGeneration) Put(key string, bytes []byte) error {
	g.cache.writeMutex.Lock()
	defer g.cache.writeMutex.Unlock()
	_, err := g.cache.db.Exec(
		"INSERT OR REPLACE INTO cache (generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		g.name, key, time.Now().Unix(), bytes)
	return err
}

func (g *sqliteGeneration) Keys(cb func(string)) {
	rows, err := g.cache.db.Query("SELECT key FROM cache WHERE generation = ?", g.name)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}
