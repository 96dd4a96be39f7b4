// Forge server: Database
// Copyright Alistair Cunningham 2024-2025

package main

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

type DB struct {
	path   string
	handle *sqlx.DB
}

const (
	schema_version = 1
)

var (
	databases      = map[string]*DB{}
	databases_lock sync.Mutex
)

func init() {
	// Every connection in the pool needs the same pragmas, so set them in the connect hook
	sql.Register("sqlite3_forge", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func db_create(db *DB) {
	info("Creating database schema in %q", db.path)

	db.exec("create table if not exists settings ( name text not null primary key, value text not null )")
	if version := db.setting_get("schema", ""); version != itoa(schema_version) {
		info("Database schema version %q, setting to %d", version, schema_version)
		db.setting_set("schema", itoa(schema_version))
	}

	// Accounts
	db.exec("create table if not exists users ( id text not null primary key, username text not null, email text not null default '', password text not null, created integer not null )")
	db.exec("create unique index if not exists users_username on users( username )")
	db.exec("create table if not exists keys ( id text not null primary key, user text not null references users( id ) on delete cascade, name text not null default '', fingerprint text not null, key text not null, created integer not null )")
	db.exec("create unique index if not exists keys_fingerprint on keys( fingerprint )")
	db.exec("create index if not exists keys_user on keys( user )")

	// Repositories
	db.exec("create table if not exists repositories ( id text not null primary key, owner text not null references users( id ), name text not null, description text not null default '', created integer not null, updated integer not null )")
	db.exec("create unique index if not exists repositories_owner_name on repositories( owner, name )")
	db.exec("create index if not exists repositories_updated on repositories( updated )")

	// Cache of branch heads and commit metadata, rebuilt by sync
	db.exec("create table if not exists branches ( id text not null primary key, repository text not null references repositories( id ) on delete cascade, name text not null, head text not null, time integer not null, updated integer not null )")
	db.exec("create unique index if not exists branches_repository_name on branches( repository, name )")
	db.exec("create table if not exists commits ( id text not null primary key, repository text not null references repositories( id ) on delete cascade, branch text not null, branch_name text not null, hash text not null, message text not null, author_name text not null, author_email text not null, committer_name text not null, committer_email text not null, time integer not null, created integer not null )")
	db.exec("create unique index if not exists commits_repository_hash on commits( repository, hash )")
	db.exec("create index if not exists commits_branch on commits( branch )")
	db.exec("create index if not exists commits_time on commits( repository, time )")
}

// db_open returns a handle for the database at path, reusing one already open
func db_open(path string) (*DB, error) {
	databases_lock.Lock()
	defer databases_lock.Unlock()

	db, found := databases[path]
	if found {
		return db, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	h, err := sqlx.Open("sqlite3_forge", path)
	if err != nil {
		return nil, err
	}
	db = &DB{path: path, handle: h}
	if _, err := h.Exec("PRAGMA journal_mode=WAL"); err != nil {
		h.Close()
		return nil, err
	}

	databases[path] = db
	return db, nil
}

// db_start opens the database named in the config and makes sure its schema exists
func db_start(c *Config) (*DB, error) {
	db, err := db_open(c.database)
	if err != nil {
		return nil, err
	}
	db_create(db)
	return db, nil
}

func (db *DB) close() {
	databases_lock.Lock()
	delete(databases, db.path)
	databases_lock.Unlock()
	db.handle.Close()
}

func (db *DB) exec(query string, values ...any) {
	must(db.handle.Exec(query, values...))
}

// run executes a statement, returning any error instead of panicking
func (db *DB) run(query string, values ...any) error {
	_, err := db.handle.Exec(query, values...)
	return err
}

// insert runs an insert statement. A row rejected by a unique constraint returns false with no error.
func (db *DB) insert(query string, values ...any) (bool, error) {
	_, err := db.handle.Exec(query, values...)
	if err == nil {
		return true, nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return false, nil
	}
	return false, err
}

func (db *DB) exists(query string, values ...any) (bool, error) {
	r, err := db.handle.Query(query, values...)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Next(), nil
}

func (db *DB) integer(query string, values ...any) int {
	var result int
	must(db.handle.QueryRow(query, values...).Scan(&result))
	return result
}

func (db *DB) scan(out any, query string, values ...any) bool {
	err := db.handle.QueryRowx(query, values...).StructScan(out)
	if err != nil {
		if err == sql.ErrNoRows {
			return false
		}
		info("DB scan error: %v", err)
		return false
	}
	return true
}

func (db *DB) scans(out any, query string, values ...any) error {
	return db.handle.Select(out, query, values...)
}

// strings returns the first column of every row
func (db *DB) strings(query string, values ...any) ([]string, error) {
	var out []string
	err := db.handle.Select(&out, query, values...)
	return out, err
}
