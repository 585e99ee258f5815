// Package ledger persists vehicle entry and exit events. The realtime layer
// treats it as a collaborator: persistence failures skip the broadcast and
// are never surfaced over the wire.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Sink records domain events. Implementations must be safe for concurrent
// use; the router calls it from per-connection goroutines.
type Sink interface {
	RecordEntry(plateNumber, vehicleType string, entryTime time.Time) error
	RecordExit(plateNumber string, exitTime time.Time) error
}

// Store is a SQLite-backed Sink holding the parking ticket ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const ddlTickets = `
CREATE TABLE IF NOT EXISTS tickets (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    plate_number TEXT    NOT NULL,
    vehicle_type TEXT    NOT NULL DEFAULT '',
    entry_time   INTEGER NOT NULL,          -- Unix milliseconds
    exit_time    INTEGER                    -- NULL while the ticket is open
);
CREATE INDEX IF NOT EXISTS idx_tickets_plate_open
    ON tickets (plate_number) WHERE exit_time IS NULL;
`

// migrate applies the DDL schema. Idempotent (IF NOT EXISTS everywhere).
func (s *Store) migrate() error {
	if _, err := s.db.Exec(ddlTickets); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// RecordEntry opens a ticket for a vehicle arriving at a gate.
func (s *Store) RecordEntry(plateNumber, vehicleType string, entryTime time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO tickets (plate_number, vehicle_type, entry_time) VALUES (?, ?, ?)`,
		plateNumber, vehicleType, entryTime.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ledger: record entry %s: %w", plateNumber, err)
	}
	return nil
}

// RecordExit closes the most recent open ticket for the plate. A missing
// open ticket is an error; the exit event for it is not broadcast.
func (s *Store) RecordExit(plateNumber string, exitTime time.Time) error {
	res, err := s.db.Exec(
		`UPDATE tickets SET exit_time = ?
		 WHERE id = (
		     SELECT id FROM tickets
		     WHERE plate_number = ? AND exit_time IS NULL
		     ORDER BY entry_time DESC LIMIT 1
		 )`,
		exitTime.UnixMilli(), plateNumber,
	)
	if err != nil {
		return fmt.Errorf("ledger: record exit %s: %w", plateNumber, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: record exit %s: %w", plateNumber, err)
	}
	if affected == 0 {
		return fmt.Errorf("ledger: record exit %s: no open ticket", plateNumber)
	}
	return nil
}

// CountOpen reports the number of vehicles currently inside, for the health
// endpoint.
func (s *Store) CountOpen() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE exit_time IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count open: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
