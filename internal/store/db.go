package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing one chat session.
// Session state lives only in memory; nothing survives a restart.
type DB struct {
	*sql.DB
	name string
}

// OpenMemory creates a private in-memory SQLite database. An empty name
// gets a random one so concurrent sessions never share state.
func OpenMemory(name string) (*DB, error) {
	if name == "" {
		name = "geochat-" + uuid.NewString()
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A shared-cache memory database lives as long as one connection does;
	// a single connection also serialises every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, name: name}, nil
}

// Name returns the in-memory database name.
func (db *DB) Name() string {
	return db.name
}
