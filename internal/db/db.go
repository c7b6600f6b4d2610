package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrKeysAlreadySet   = errors.New("probe keys already set")
	ErrDuplicateUser    = errors.New("username already in use")
	ErrDuplicateProbeID = errors.New("probe id already in use")
	ErrInvalidUsername  = errors.New("invalid username")
)

// Store is the sqlite-backed fleet store.
// Writes go through a single connection, so a transaction never races
// another writer for the same rows.
type Store struct {
	DB   *sql.DB
	Path string
}

// Open opens (or creates) the sqlite database at path and creates missing tables
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{DB: conn, Path: path}
	if err := s.createTables(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Backup writes a consistent copy of the database to dest, which must not exist
func (s *Store) Backup(ctx context.Context, dest string) error {
	if _, err := s.DB.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

func (s *Store) createTables() error {
	createUsersTable := `CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		admin INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME
	);`

	if _, err := s.DB.Exec(createUsersTable); err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	createProbesTable := `CREATE TABLE IF NOT EXISTS probes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT,
		custom_id TEXT NOT NULL UNIQUE,
		location TEXT,
		contact_person TEXT,
		contact_email TEXT,
		port INTEGER NOT NULL UNIQUE,
		pub_key TEXT NOT NULL DEFAULT '',
		host_key TEXT NOT NULL DEFAULT '',
		association_period_start DATETIME,
		associated INTEGER NOT NULL DEFAULT 0,
		has_been_updated INTEGER NOT NULL DEFAULT 0,
		last_updated DATETIME,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);`

	if _, err := s.DB.Exec(createProbesTable); err != nil {
		return fmt.Errorf("creating probes table: %w", err)
	}

	createScriptsTable := `CREATE TABLE IF NOT EXISTS scripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		probe_id INTEGER NOT NULL,
		description TEXT,
		filename TEXT,
		args TEXT,
		minute_interval INTEGER,
		enabled INTEGER NOT NULL DEFAULT 0,
		required INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(probe_id) REFERENCES probes(id) ON DELETE CASCADE
	);`

	if _, err := s.DB.Exec(createScriptsTable); err != nil {
		return fmt.Errorf("creating scripts table: %w", err)
	}

	createNetworkConfigsTable := `CREATE TABLE IF NOT EXISTS network_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		probe_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		ssid TEXT,
		anonymous_id TEXT,
		username TEXT,
		password TEXT,
		UNIQUE(probe_id, name),
		FOREIGN KEY(probe_id) REFERENCES probes(id) ON DELETE CASCADE
	);`

	if _, err := s.DB.Exec(createNetworkConfigsTable); err != nil {
		return fmt.Errorf("creating network_configs table: %w", err)
	}

	createDatabasesTable := `CREATE TABLE IF NOT EXISTS databases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		db_name TEXT,
		address TEXT,
		port TEXT,
		username TEXT,
		password TEXT,
		token TEXT,
		UNIQUE(user_id, type),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);`

	if _, err := s.DB.Exec(createDatabasesTable); err != nil {
		return fmt.Errorf("creating databases table: %w", err)
	}

	return nil
}
