// Package store persists contactor wear counters and the fault history in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/librescoot/bms-service/internal/battery"
	"github.com/librescoot/bms-service/internal/diag"
)

// writeTimeout bounds writes issued from the control loop
const writeTimeout = 2 * time.Second

type Store struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// ContactorWear is the operation history of one contactor
type ContactorWear struct {
	String          int
	Contactor       battery.ContactorType
	Closes          int64
	Opens           int64
	LoadBreaks      int64
	MaxBreakCurrent int32
	UpdatedAt       time.Time
}

// FaultEvent is one persisted fault edge
type FaultEvent struct {
	EventID     string
	FaultID     diag.ID
	String      int
	Severity    string
	Description string
	Active      bool
	OccurredAt  time.Time
}

func Open(ctx context.Context, path string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordOperation counts a contactor movement
func (s *Store) RecordOperation(stringNumber int, typ battery.ContactorType, closed bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	closes, opens := 0, 1
	if closed {
		closes, opens = 1, 0
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO contactor_wear(string_no, contactor, closes, opens, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(string_no, contactor) DO UPDATE SET
	closes=contactor_wear.closes + excluded.closes,
	opens=contactor_wear.opens + excluded.opens,
	updated_at=excluded.updated_at
`, stringNumber, typ.String(), closes, opens, ts(s.now()))
	if err != nil {
		return fmt.Errorf("record contactor operation: %w", err)
	}
	return nil
}

// RecordLoadBreak counts a contactor opened above its break current
func (s *Store) RecordLoadBreak(stringNumber int, typ battery.ContactorType, current int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	current = battery.Abs(current)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO contactor_wear(string_no, contactor, load_breaks, max_break_current, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(string_no, contactor) DO UPDATE SET
	load_breaks=contactor_wear.load_breaks + 1,
	max_break_current=MAX(contactor_wear.max_break_current, excluded.max_break_current),
	updated_at=excluded.updated_at
`, stringNumber, typ.String(), current, ts(s.now()))
	if err != nil {
		return fmt.Errorf("record load break: %w", err)
	}
	return nil
}

// Wear returns the counters of all contactors that have moved at least once
func (s *Store) Wear(ctx context.Context) ([]ContactorWear, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT string_no, contactor, closes, opens, load_breaks, max_break_current, updated_at
FROM contactor_wear
ORDER BY string_no, contactor
`)
	if err != nil {
		return nil, fmt.Errorf("query contactor wear: %w", err)
	}
	defer rows.Close()

	var out []ContactorWear
	for rows.Next() {
		var w ContactorWear
		var contactor, updatedAt string
		if err := rows.Scan(&w.String, &contactor, &w.Closes, &w.Opens, &w.LoadBreaks, &w.MaxBreakCurrent, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan contactor wear: %w", err)
		}
		typ, err := parseContactor(contactor)
		if err != nil {
			return nil, err
		}
		w.Contactor = typ
		if w.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ReportFault implements diag.Reporter. Run it behind a diag.AsyncReporter.
func (s *Store) ReportFault(f diag.Fault) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	occurred := f.Time
	if occurred.IsZero() {
		occurred = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fault_events(event_id, fault_id, string_no, severity, description, active, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, uuid.NewString(), int(f.ID), f.String, f.Severity.String(), f.Description, boolToInt(f.Active), ts(occurred))
	if err != nil {
		s.logger.Printf("Failed to store fault event: %v", err)
	}
}

// RecentFaults returns up to limit fault edges, newest first
func (s *Store) RecentFaults(ctx context.Context, limit int) ([]FaultEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, fault_id, string_no, severity, description, active, occurred_at
FROM fault_events
ORDER BY occurred_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query fault events: %w", err)
	}
	defer rows.Close()

	var out []FaultEvent
	for rows.Next() {
		var e FaultEvent
		var faultID, active int
		var occurredAt string
		if err := rows.Scan(&e.EventID, &faultID, &e.String, &e.Severity, &e.Description, &active, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan fault event: %w", err)
		}
		e.FaultID = diag.ID(faultID)
		e.Active = active == 1
		if e.OccurredAt, err = parseTS(occurredAt); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneFaults keeps the newest keep fault events
func (s *Store) PruneFaults(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM fault_events
WHERE rowid NOT IN (
	SELECT rowid FROM fault_events ORDER BY occurred_at DESC, rowid DESC LIMIT ?
)
`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune fault events: %w", err)
	}
	return res.RowsAffected()
}

var errUnknownContactor = errors.New("unknown contactor type")

func parseContactor(v string) (battery.ContactorType, error) {
	for _, typ := range []battery.ContactorType{battery.ContactorPlus, battery.ContactorMinus, battery.ContactorPrecharge} {
		if typ.String() == v {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errUnknownContactor, v)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// tsLayout is fixed width so stored timestamps sort lexically
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}
