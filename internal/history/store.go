// Package history archives completed session attempts in SQLite, giving the
// operator a queryable record beyond the append-only event log.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one archived session attempt.
type Record struct {
	ID          string
	SessionID   string
	SessionName string
	Prompt      string
	Status      string
	PRURL       string
	PRNumber    int
	MergeSHA    string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store provides SQLite-backed session history
type Store struct {
	db *sql.DB
}

// Open creates a Store at the given database path
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Record archives one finished attempt. The returned string is the archive
// row's ID.
func (s *Store) Record(rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, session_id, session_name, prompt, status, pr_url, pr_number, merge_sha, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.SessionID,
		rec.SessionName,
		rec.Prompt,
		rec.Status,
		rec.PRURL,
		rec.PRNumber,
		rec.MergeSHA,
		rec.StartedAt.UTC(),
		finished,
	)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Recent returns the n most recently started attempts, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, session_name, prompt, status, pr_url, pr_number, merge_sha, started_at, finished_at
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var finished sql.NullTime
		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.SessionName,
			&rec.Prompt,
			&rec.Status,
			&rec.PRURL,
			&rec.PRNumber,
			&rec.MergeSHA,
			&rec.StartedAt,
			&finished,
		)
		if err != nil {
			return nil, err
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns how many archived attempts ended in each status.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
