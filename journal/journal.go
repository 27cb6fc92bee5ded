// Package journal is the diver's opt-in trace journal: protocol requests,
// reverse-channel deliveries and heap passes, persisted to sqlite for
// after-the-fact inspection. Disabled by default; the protocol itself keeps
// no persistent state.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal wraps the sqlite handle.
type Journal struct {
	db *sql.DB
}

// RequestRecord is one protocol request.
type RequestRecord struct {
	ID        int64
	Timestamp time.Time
	Op        string
	Handle    uint64
	Detail    string
	OK        bool
	Error     string
	Duration  time.Duration
}

// DeliveryRecord is one reverse-channel delivery attempt.
type DeliveryRecord struct {
	ID        int64
	Timestamp time.Time
	Token     int
	Endpoint  string
	Key       string
	OK        bool
	Error     string
}

// PassRecord is one heap enumeration pass.
type PassRecord struct {
	ID        int64
	Timestamp time.Time
	Filter    string
	Scanned   int
	Matched   int
	Errors    int
	Duration  time.Duration
}

// Open creates (or opens) the journal database under dataDir with WAL
// enabled.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	dbPath := filepath.Join(dataDir, "heapdive_journal.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %v", err)
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		op TEXT NOT NULL,
		handle INTEGER,
		detail TEXT,
		ok BOOLEAN,
		error TEXT,
		duration_us INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_requests_op ON requests(op);

	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		token INTEGER,
		endpoint TEXT,
		ordering_key TEXT,
		ok BOOLEAN,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_token ON deliveries(token);

	CREATE TABLE IF NOT EXISTS heap_passes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		filter TEXT,
		scanned INTEGER,
		matched INTEGER,
		errors INTEGER,
		duration_us INTEGER
	);`
	_, err := db.Exec(schema)
	return err
}

// RecordRequest appends one protocol request.
func (j *Journal) RecordRequest(r *RequestRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO requests (timestamp, op, handle, detail, ok, error, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Op, int64(r.Handle), r.Detail, r.OK, r.Error, r.Duration.Microseconds())
	if err != nil {
		return fmt.Errorf("failed to insert request record: %v", err)
	}
	return nil
}

// RecordDelivery appends one delivery attempt.
func (j *Journal) RecordDelivery(r *DeliveryRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO deliveries (timestamp, token, endpoint, ordering_key, ok, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Token, r.Endpoint, r.Key, r.OK, r.Error)
	if err != nil {
		return fmt.Errorf("failed to insert delivery record: %v", err)
	}
	return nil
}

// RecordPass appends one heap pass.
func (j *Journal) RecordPass(r *PassRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO heap_passes (timestamp, filter, scanned, matched, errors, duration_us)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Filter, r.Scanned, r.Matched, r.Errors, r.Duration.Microseconds())
	if err != nil {
		return fmt.Errorf("failed to insert pass record: %v", err)
	}
	return nil
}

// RecentRequests returns the newest request records, newest first.
func (j *Journal) RecentRequests(limit int) ([]RequestRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, timestamp, op, handle, detail, ok, error, duration_us
		FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var r RequestRecord
		var handle int64
		var durUS int64
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Op, &handle, &r.Detail, &r.OK, &r.Error, &durUS); err != nil {
			return nil, err
		}
		r.Handle = uint64(handle)
		r.Duration = time.Duration(durUS) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentDeliveries returns the newest delivery records, newest first.
func (j *Journal) RecentDeliveries(limit int) ([]DeliveryRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, timestamp, token, endpoint, ordering_key, ok, error
		FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Token, &r.Endpoint, &r.Key, &r.OK, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
