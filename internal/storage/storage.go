// Package storage provides SQLite-backed persistence for snapshots, alerts, and history checkpoints.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/skysentry/internal/models"
	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicateSnapshot means a snapshot for the same region and fetch time already exists.
	// Snapshots are never overwritten; hitting this is a logic error in the caller.
	ErrDuplicateSnapshot = errors.New("duplicate snapshot")
	// ErrStorageUnavailable wraps any failure of the underlying database.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

const pageSize = 64

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db     *sql.DB
	bucket time.Duration
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/skysentry/data.db. dedupBucket is the width of the
// time bucket that makes two findings for the same aircraft and rule duplicates.
func New(dbPath string, dedupBucket time.Duration) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "skysentry", "data.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if dedupBucket <= 0 {
		dedupBucket = time.Minute
	}
	s := &Storage{db: db, bucket: dedupBucket}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DedupBucket returns the alert deduplication bucket width.
func (s *Storage) DedupBucket() time.Duration {
	return s.bucket
}

// Ping reports whether the database answers.
func (s *Storage) Ping() error {
	if err := s.db.Ping(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id              TEXT PRIMARY KEY,
			region          TEXT NOT NULL,
			fetched_at      INTEGER NOT NULL,
			aircraft_count  INTEGER NOT NULL,
			aircraft        TEXT NOT NULL DEFAULT '[]',
			UNIQUE (region, fetched_at)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			aircraft_id     TEXT NOT NULL,
			callsign        TEXT,
			rule_kind       TEXT NOT NULL,
			severity        TEXT NOT NULL,
			trigger_values  TEXT NOT NULL DEFAULT '{}',
			detected_at     INTEGER NOT NULL,
			time_bucket     INTEGER NOT NULL,
			cycle_at        INTEGER,
			region          TEXT NOT NULL,
			description     TEXT,
			UNIQUE (aircraft_id, rule_kind, time_bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			icao24          TEXT PRIMARY KEY,
			entries         TEXT NOT NULL DEFAULT '[]',
			last_seen       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_starts (
			limiter         TEXT PRIMARY KEY,
			started_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_fetched_at ON snapshots(fetched_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_region ON alerts(region, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_aircraft ON alerts(aircraft_id, detected_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// PutSnapshot appends a snapshot. A second snapshot for the same region and fetch time fails
// with ErrDuplicateSnapshot and leaves the first untouched.
func (s *Storage) PutSnapshot(snap *models.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertSnapshot(tx, snap); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit snapshot", err)
	}
	return nil
}

// SaveCycle persists one poll cycle atomically: the snapshot and its findings are either all
// written or none are. Findings are stamped with the snapshot's fetch time as their cycle. It
// returns the findings that were new; duplicates are dropped.
func (s *Storage) SaveCycle(snap *models.Snapshot, findings []models.Finding) ([]models.Finding, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertSnapshot(tx, snap); err != nil {
		return nil, err
	}
	var inserted []models.Finding
	for i := range findings {
		if findings[i].CycleAt.IsZero() {
			findings[i].CycleAt = snap.FetchedAt
		}
		ok, err := s.insertFinding(tx, &findings[i])
		if err != nil {
			return nil, err
		}
		if ok {
			inserted = append(inserted, findings[i])
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit cycle", err)
	}
	return inserted, nil
}

func insertSnapshot(tx execer, snap *models.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM snapshots WHERE region = ? AND fetched_at = ?)`,
		snap.Region, snap.FetchedAt.UnixNano()).Scan(&exists); err != nil {
		return unavailable("check snapshot", err)
	}
	if exists {
		return fmt.Errorf("%w: region %s at %s", ErrDuplicateSnapshot, snap.Region, snap.FetchedAt.Format(time.RFC3339))
	}

	aircraft := snap.Aircraft
	if aircraft == nil {
		aircraft = []models.StateVector{}
	}
	aircraftJSON, err := json.Marshal(aircraft)
	if err != nil {
		return fmt.Errorf("failed to marshal aircraft: %w", err)
	}
	id := snap.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := tx.Exec(`
		INSERT INTO snapshots (id, region, fetched_at, aircraft_count, aircraft)
		VALUES (?,?,?,?,?)`,
		id, snap.Region, snap.FetchedAt.UnixNano(), len(aircraft), string(aircraftJSON),
	); err != nil {
		return unavailable("insert snapshot", err)
	}
	snap.ID = id
	return nil
}

// LatestSnapshot returns the most recent snapshot for region, or nil if there is none.
func (s *Storage) LatestSnapshot(region string) (*models.Snapshot, error) {
	row := s.db.QueryRow(`SELECT `+snapshotCols+` FROM snapshots
		WHERE region = ? ORDER BY fetched_at DESC LIMIT 1`, region)
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get latest snapshot", err)
	}
	return snap, nil
}

// RangeSnapshots yields the snapshots of region with from <= fetchedAt <= to in ascending
// fetch order. A zero to means no upper bound. The sequence reads the database one page at a
// time and may be iterated again to restart from the beginning. Iteration stops after
// yielding an error.
func (s *Storage) RangeSnapshots(region string, from, to time.Time) iter.Seq2[*models.Snapshot, error] {
	lower, upper := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lower = from.UnixNano() - 1
	}
	if !to.IsZero() {
		upper = to.UnixNano()
	}
	return func(yield func(*models.Snapshot, error) bool) {
		cursor := lower
		for {
			page, err := s.snapshotPage(region, cursor, upper)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, snap := range page {
				if !yield(snap, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			cursor = page[len(page)-1].FetchedAt.UnixNano()
		}
	}
}

func (s *Storage) snapshotPage(region string, after, upper int64) ([]*models.Snapshot, error) {
	rows, err := s.db.Query(`SELECT `+snapshotCols+` FROM snapshots
		WHERE region = ? AND fetched_at > ? AND fetched_at <= ?
		ORDER BY fetched_at ASC LIMIT ?`, region, after, upper, pageSize)
	if err != nil {
		return nil, unavailable("query snapshots", err)
	}
	defer rows.Close()

	var page []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, unavailable("scan snapshot", err)
		}
		page = append(page, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate snapshots", err)
	}
	return page, nil
}

// FindFlight searches the most recent depth snapshots of every region for an aircraft whose
// ICAO24 address or callsign matches ident, case-insensitively. Matches are newest first.
func (s *Storage) FindFlight(ident string, depth int) ([]models.StateVector, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil, errors.New("flight identifier must not be empty")
	}
	if depth <= 0 {
		depth = 10
	}
	rows, err := s.db.Query(`SELECT `+snapshotCols+` FROM snapshots
		ORDER BY fetched_at DESC LIMIT ?`, depth)
	if err != nil {
		return nil, unavailable("query snapshots", err)
	}
	var snaps []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, unavailable("scan snapshot", err)
		}
		snaps = append(snaps, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate snapshots", err)
	}

	var matches []models.StateVector
	for _, snap := range snaps {
		for _, sv := range snap.Aircraft {
			if strings.EqualFold(sv.ICAO24, ident) || (sv.Callsign != "" && strings.EqualFold(sv.Callsign, ident)) {
				matches = append(matches, sv)
			}
		}
	}
	return matches, nil
}

// RecordFetchStart stores at as the latest provider call start of limiter key.
func (s *Storage) RecordFetchStart(key string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO fetch_starts (limiter, started_at) VALUES (?, ?)
		ON CONFLICT (limiter) DO UPDATE SET started_at = excluded.started_at`,
		key, at.UnixNano())
	if err != nil {
		return unavailable("record fetch start", err)
	}
	return nil
}

// LastFetchStart returns the latest recorded call start of limiter key, if any.
func (s *Storage) LastFetchStart(key string) (time.Time, bool, error) {
	var nano int64
	err := s.db.QueryRow(`SELECT started_at FROM fetch_starts WHERE limiter = ?`, key).Scan(&nano)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable("load fetch start", err)
	}
	return time.Unix(0, nano).UTC(), true, nil
}

// PutFinding stores a finding unless one with the same aircraft, rule, and time bucket exists.
// It reports whether the finding was inserted; a duplicate is not an error.
func (s *Storage) PutFinding(f *models.Finding) (bool, error) {
	return s.insertFinding(s.db, f)
}

func (s *Storage) insertFinding(tx execer, f *models.Finding) (bool, error) {
	if f.AircraftID == "" || f.Rule == "" || f.DetectedAt.IsZero() {
		return false, errors.New("invalid finding: aircraft, rule and detection time are required")
	}
	values := f.TriggerValues
	if values == nil {
		values = map[string]float64{}
	}
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return false, fmt.Errorf("failed to marshal trigger values: %w", err)
	}
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	var cycleAt sql.NullInt64
	if !f.CycleAt.IsZero() {
		cycleAt = sql.NullInt64{Int64: f.CycleAt.UnixNano(), Valid: true}
	}
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO alerts
			(id, aircraft_id, callsign, rule_kind, severity, trigger_values,
			 detected_at, time_bucket, cycle_at, region, description)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, f.AircraftID, f.Callsign, string(f.Rule), string(f.Severity), string(valuesJSON),
		f.DetectedAt.UnixNano(), f.TimeBucket(s.bucket), cycleAt, f.Region, f.Description,
	)
	if err != nil {
		return false, unavailable("insert finding", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	f.ID = id
	return true, nil
}

// ListFindings yields stored findings matching filter, newest first. Like RangeSnapshots the
// sequence is paged and restartable.
func (s *Storage) ListFindings(filter models.FindingFilter) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		var (
			yielded   int
			curAt     = int64(math.MaxInt64)
			curID     = ""
			firstPage = true
		)
		for {
			page, err := s.findingPage(filter, curAt, curID, firstPage)
			if err != nil {
				yield(models.Finding{}, err)
				return
			}
			firstPage = false
			for _, f := range page {
				if filter.Limit > 0 && yielded >= filter.Limit {
					return
				}
				if !yield(f, nil) {
					return
				}
				yielded++
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			curAt, curID = last.DetectedAt.UnixNano(), last.ID
		}
	}
}

func (s *Storage) findingPage(filter models.FindingFilter, beforeAt int64, beforeID string, first bool) ([]models.Finding, error) {
	var (
		where []string
		args  []any
	)
	if filter.Region != "" {
		where = append(where, "region = ?")
		args = append(args, filter.Region)
	}
	if filter.AircraftID != "" {
		where = append(where, "aircraft_id = ?")
		args = append(args, strings.ToLower(filter.AircraftID))
	}
	if !filter.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !first {
		where = append(where, "(detected_at < ? OR (detected_at = ? AND id < ?))")
		args = append(args, beforeAt, beforeAt, beforeID)
	}
	query := `SELECT ` + findingCols + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`
	args = append(args, pageSize)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, unavailable("query findings", err)
	}
	defer rows.Close()

	var page []models.Finding
	for rows.Next() {
		f, err := scanFinding(rows.Scan)
		if err != nil {
			return nil, unavailable("scan finding", err)
		}
		page = append(page, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate findings", err)
	}
	return page, nil
}

// CollectFindings drains ListFindings into a slice.
func (s *Storage) CollectFindings(filter models.FindingFilter) ([]models.Finding, error) {
	findings := []models.Finding{}
	for f, err := range s.ListFindings(filter) {
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// PruneBefore deletes snapshots of region fetched before snapshotCutoff and its alerts detected
// before alertCutoff. A zero cutoff skips that table.
func (s *Storage) PruneBefore(region string, snapshotCutoff, alertCutoff time.Time) (snapshots, alerts int64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, unavailable("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if !snapshotCutoff.IsZero() {
		res, err := tx.Exec(`DELETE FROM snapshots WHERE region = ? AND fetched_at < ?`, region, snapshotCutoff.UnixNano())
		if err != nil {
			return 0, 0, unavailable("prune snapshots", err)
		}
		snapshots, _ = res.RowsAffected()
	}
	if !alertCutoff.IsZero() {
		res, err := tx.Exec(`DELETE FROM alerts WHERE region = ? AND detected_at < ?`, region, alertCutoff.UnixNano())
		if err != nil {
			return 0, 0, unavailable("prune alerts", err)
		}
		alerts, _ = res.RowsAffected()
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, unavailable("commit prune", err)
	}
	return snapshots, alerts, nil
}

// SaveHistory replaces the history checkpoint with windows.
func (s *Storage) SaveHistory(windows []models.HistoryWindow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM history`); err != nil {
		return unavailable("clear history", err)
	}
	for _, w := range windows {
		if w.Len() == 0 {
			continue
		}
		entriesJSON, err := json.Marshal(w.Entries)
		if err != nil {
			return fmt.Errorf("failed to marshal history for %s: %w", w.ICAO24, err)
		}
		if _, err := tx.Exec(`INSERT INTO history (icao24, entries, last_seen) VALUES (?,?,?)`,
			w.ICAO24, string(entriesJSON), w.LastSeen().UnixNano()); err != nil {
			return unavailable("save history", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit history", err)
	}
	return nil
}

// LoadHistory returns the checkpointed history windows.
func (s *Storage) LoadHistory() ([]models.HistoryWindow, error) {
	rows, err := s.db.Query(`SELECT icao24, entries FROM history ORDER BY icao24`)
	if err != nil {
		return nil, unavailable("query history", err)
	}
	defer rows.Close()

	var windows []models.HistoryWindow
	for rows.Next() {
		var w models.HistoryWindow
		var entriesJSON string
		if err := rows.Scan(&w.ICAO24, &entriesJSON); err != nil {
			return nil, unavailable("scan history", err)
		}
		if err := json.Unmarshal([]byte(entriesJSON), &w.Entries); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history for %s: %w", w.ICAO24, err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

const snapshotCols = `id, region, fetched_at, aircraft`

func scanSnapshot(scan func(...any) error) (*models.Snapshot, error) {
	var snap models.Snapshot
	var fetchedAtNano int64
	var aircraftJSON string
	if err := scan(&snap.ID, &snap.Region, &fetchedAtNano, &aircraftJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(aircraftJSON), &snap.Aircraft); err != nil {
		return nil, fmt.Errorf("failed to unmarshal aircraft: %w", err)
	}
	snap.FetchedAt = time.Unix(0, fetchedAtNano).UTC()
	return &snap, nil
}

const findingCols = `id, aircraft_id, callsign, rule_kind, severity, trigger_values,
	detected_at, cycle_at, region, description`

func scanFinding(scan func(...any) error) (models.Finding, error) {
	var f models.Finding
	var callsign, description sql.NullString
	var rule, severity, valuesJSON string
	var detectedAtNano int64
	var cycleAt sql.NullInt64
	err := scan(&f.ID, &f.AircraftID, &callsign, &rule, &severity, &valuesJSON,
		&detectedAtNano, &cycleAt, &f.Region, &description)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(valuesJSON), &f.TriggerValues); err != nil {
		return f, fmt.Errorf("failed to unmarshal trigger values: %w", err)
	}
	f.Callsign = callsign.String
	f.Description = description.String
	f.Rule = models.RuleKind(rule)
	f.Severity = models.Severity(severity)
	f.DetectedAt = time.Unix(0, detectedAtNano).UTC()
	if cycleAt.Valid {
		f.CycleAt = time.Unix(0, cycleAt.Int64).UTC()
	}
	return f, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorageUnavailable, op, err)
}
