package storage

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq" // postgres driver
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite" // sqlite driver
)

// DB is a database handle shared by session stores. It remembers the
// models defined on it so that several stores using the same model key
// share one schema definition.
type DB struct {
	db      *sql.DB
	dialect Dialect

	mu     sync.Mutex
	models map[string]*Model
	syncs  singleflight.Group
}

// Open opens a database for the given dialect. SQLite handles are limited
// to a single connection so that writers never contend for the file lock.
func Open(dialect Dialect, dsn string) (*DB, error) {
	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return Wrap(db, dialect), nil
}

// Wrap adopts an already opened handle.
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{
		db:      db,
		dialect: dialect,
		models:  make(map[string]*Model),
	}
}

// DB returns the underlying handle.
func (d *DB) DB() *sql.DB {
	return d.db
}

func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Close closes the underlying handle. Stores built on d stop working.
func (d *DB) Close() error {
	return d.db.Close()
}

// Model returns the model registered under key, if any.
func (d *DB) Model(key string) (*Model, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.models[key]
	return m, ok
}

// Define registers a model for def, or returns the model already registered
// under def.Key. The boolean reports whether an existing model was reused.
func (d *DB) Define(def ModelDefinition) (*Model, bool, error) {
	if def.Key == "" {
		def.Key = DefaultModelKey
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.models[def.Key]; ok {
		return m, true, nil
	}
	m, err := newModel(d, def)
	if err != nil {
		return nil, false, opErr("define", ErrConfiguration, err)
	}
	d.models[def.Key] = m
	return m, false, nil
}
