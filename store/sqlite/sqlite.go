// Package sqlite is the one concrete store.Store this repository ships:
// a SQLite-backed credential table, adapted from the same driver and
// schema-on-Open approach used elsewhere in this codebase's db layer,
// trimmed to a single responsibility — durable user credentials — since
// room membership, message history and verification state are all
// in-memory-only.
package sqlite

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"

	"qlserver/store"
)

// DB is a SQLite-backed store.Store.
type DB struct {
	conn *sql.DB
}

// Open creates or migrates the credentials table at path and returns a
// ready-to-use DB.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) init() error {
	_, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		user_id INTEGER PRIMARY KEY,
		password TEXT NOT NULL
	)`)
	return err
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// LoadCredentials implements store.Store.
func (db *DB) LoadCredentials(ctx context.Context) ([]store.Credential, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT user_id, password FROM credentials")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Credential
	for rows.Next() {
		var c store.Credential
		if err := rows.Scan(&c.UserID, &c.Password); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCredential implements store.Store.
func (db *DB) SaveCredential(ctx context.Context, cred store.Credential) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO credentials (user_id, password) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET password = excluded.password`,
		cred.UserID, cred.Password,
	)
	return err
}

// NextUserID implements store.Store, returning the larger of hint and one
// past the highest user_id already stored so restarts never hand out a
// colliding id. It only reads the table.
func (db *DB) NextUserID(ctx context.Context, hint int64) (int64, error) {
	var max sql.NullInt64
	err := db.conn.QueryRowContext(ctx, "SELECT MAX(user_id) FROM credentials").Scan(&max)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if max.Valid && max.Int64+1 > hint {
		return max.Int64 + 1, nil
	}
	return hint, nil
}
