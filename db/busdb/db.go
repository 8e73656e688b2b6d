// Package busdb implements sqlite3 storage for the bus's connection
// lifecycle audit log. It never stores message bodies: only connect,
// identify, and disconnect events, for operability, not replay.
package busdb

import (
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores audit events in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// RecordEvent inserts one audit row. It implements bus.AuditLogger.
func (db *DB) RecordEvent(kind, clientID, userAgent, peerAddr string) error {
	_, err := db.x.Exec(`
		INSERT INTO events (time, kind, client_id, user_agent, peer_address)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().Unix(), kind, clientID, userAgent, peerAddr)
	return err
}

// Event is one row of the audit log.
type Event struct {
	Time        int64  `db:"time"`
	Kind        string `db:"kind"`
	ClientID    string `db:"client_id"`
	UserAgent   string `db:"user_agent"`
	PeerAddress string `db:"peer_address"`
}

// RecentEvents returns up to limit of the most recent events, newest first.
func (db *DB) RecentEvents(limit int) ([]Event, error) {
	var evs []Event
	if err := db.x.Select(&evs, `
		SELECT time, kind, client_id, user_agent, peer_address
		FROM events ORDER BY id DESC LIMIT ?
	`, limit); err != nil {
		return nil, err
	}
	return evs, nil
}
