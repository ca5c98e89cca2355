// Package audit persists denied-traffic records. Every denial the kernel
// reports is either written as a full record or accounted for by a
// suppression marker, so the log never silently loses events even under
// flood.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/egret/internal/clock"
)

// Record is one denied connection attempt, or a suppression marker when
// Suppressed is non-zero.
type Record struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"` // "in" or "out"
	Family    string    `json:"family"`    // "v4" or "v6"
	Protocol  string    `json:"protocol,omitempty"`
	SrcIP     string    `json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	SrcPort   uint16    `json:"src_port,omitempty"`
	DstPort   uint16    `json:"dst_port,omitempty"`
	// Suppressed is the number of records dropped by rate limiting in the
	// window this marker closes.
	Suppressed int64 `json:"suppressed,omitempty"`
}

// IsMarker reports whether the record is a suppression marker.
func (r Record) IsMarker() bool {
	return r.Suppressed > 0
}

// Store provides persistent storage for deny records.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// NewStore opens (or creates) the deny-record database at the given path.
func NewStore(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS deny_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			direction TEXT NOT NULL,
			family TEXT NOT NULL,
			protocol TEXT,
			src_ip TEXT,
			dst_ip TEXT,
			src_port INTEGER DEFAULT 0,
			dst_port INTEGER DEFAULT 0,
			suppressed INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_deny_timestamp ON deny_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_deny_direction ON deny_events(direction);
		CREATE INDEX IF NOT EXISTS idx_deny_dst ON deny_events(dst_ip);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create deny table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 30
	}

	return &Store{db: db, retentionDays: retentionDays}, nil
}

// Write persists one record.
func (s *Store) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = clock.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO deny_events (timestamp, direction, family, protocol, src_ip, dst_ip, src_port, dst_port, suppressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Timestamp, rec.Direction, rec.Family, rec.Protocol, rec.SrcIP, rec.DstIP, rec.SrcPort, rec.DstPort, rec.Suppressed)
	if err != nil {
		return fmt.Errorf("insert deny record: %w", err)
	}
	return nil
}

// WriteMarker records that n events were suppressed for a direction and
// family since the previous marker.
func (s *Store) WriteMarker(direction, family string, n int64) error {
	if n <= 0 {
		return nil
	}
	return s.Write(Record{
		Direction:  direction,
		Family:     family,
		Suppressed: n,
	})
}

// Query returns records in [start, end], newest first. direction filters
// when non-empty.
func (s *Store) Query(start, end time.Time, direction string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, direction, family, protocol, src_ip, dst_ip, src_port, dst_port, suppressed
		FROM deny_events WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{start, end}

	if direction != "" {
		query += " AND direction = ?"
		args = append(args, direction)
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deny records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var protocol, src, dst sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Direction, &rec.Family,
			&protocol, &src, &dst, &rec.SrcPort, &rec.DstPort, &rec.Suppressed); err != nil {
			return nil, fmt.Errorf("scan deny record: %w", err)
		}
		rec.Protocol = protocol.String
		rec.SrcIP = src.String
		rec.DstIP = dst.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Prune removes records older than the retention period and returns how
// many were deleted.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := clock.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM deny_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deny records: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of stored records.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM deny_events").Scan(&count)
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
