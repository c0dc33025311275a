// Package store persists oximeter readings and application settings.
//
// The primary store is a local SQLite database. A secondary single-slot
// fallback (see fallback.go) keeps the most recent reading recoverable when
// the primary store is unavailable, so a restart never loses the last known
// vitals entirely.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// timestampLayout is a fixed-width ISO-8601 form: lexicographic order on the
// stored string matches chronological order, which the timestamp index
// relies on.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// Reading is one persisted vitals measurement. IDs are assigned by the
// store at append time; Synced is mutated only through MarkSynced.
type Reading struct {
	ID        int64
	BPM       uint8
	SpO2      uint8
	Timestamp time.Time
	Synced    bool
}

// Options configures a Store.
type Options struct {
	// DBPath locates the SQLite database file (":memory:" for tests).
	DBPath string

	// FallbackPath locates the single-slot fallback file. Empty disables
	// the fallback tier.
	FallbackPath string

	Logger *logrus.Logger
}

// Store is the durable readings/settings store. Safe for concurrent use;
// SQLite access is serialized through a single connection.
type Store struct {
	db       *sql.DB
	fallback *FallbackSlot
	logger   *logrus.Logger

	// now is swappable for tests.
	now func() time.Time
}

// Open opens (or creates) the database at opts.DBPath, runs the schema
// migration, and returns a ready Store.
func Open(opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	if opts.FallbackPath != "" {
		s.fallback = NewFallbackSlot(opts.FallbackPath)
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS readings (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			bpm       INTEGER NOT NULL,
			spo2      INTEGER NOT NULL,
			timestamp TEXT    NOT NULL,
			synced    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendReading persists a new reading with the current timestamp and
// synced=false, returning the assigned id.
//
// On primary-store failure the reading is written to the fallback slot so at
// least the most recent value survives a restart, and the original failure
// is still returned to the caller.
func (s *Store) AppendReading(ctx context.Context, bpm, spo2 uint8) (int64, error) {
	ts := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO readings (bpm, spo2, timestamp, synced) VALUES (?, ?, ?, 0)`,
		bpm, spo2, ts.Format(timestampLayout),
	)
	if err != nil {
		s.writeFallback(bpm, spo2, ts)
		return 0, fmt.Errorf("append reading: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append reading: last insert id: %w", err)
	}
	return id, nil
}

func (s *Store) writeFallback(bpm, spo2 uint8, ts time.Time) {
	if s.fallback == nil {
		return
	}
	snap := Snapshot{BPM: bpm, SpO2: spo2, Timestamp: ts.Format(timestampLayout)}
	if err := s.fallback.Write(snap); err != nil {
		s.logger.WithError(err).Warn("Fallback slot write failed")
		return
	}
	s.logger.Warn("Primary store unavailable - reading saved to fallback slot")
}

// LatestReading returns the reading with the newest timestamp. When the
// primary store is unavailable or empty it degrades to the fallback slot;
// (nil, nil) means neither tier holds a reading. An error is returned only
// when both tiers fail outright.
func (s *Store) LatestReading(ctx context.Context) (*Reading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bpm, spo2, timestamp, synced FROM readings
		 ORDER BY timestamp DESC, id DESC LIMIT 1`)

	r, err := scanReading(row)
	switch {
	case err == nil:
		return r, nil
	case err == sql.ErrNoRows:
		return s.latestFromFallback(nil)
	default:
		s.logger.WithError(err).Warn("Primary store query failed, trying fallback slot")
		return s.latestFromFallback(err)
	}
}

// latestFromFallback reads the single-slot tier. primaryErr, when non-nil,
// is surfaced only if the fallback also fails.
func (s *Store) latestFromFallback(primaryErr error) (*Reading, error) {
	if s.fallback == nil {
		return nil, nil
	}
	snap, err := s.fallback.Read()
	if err != nil {
		if primaryErr != nil {
			return nil, fmt.Errorf("latest reading: primary: %v, fallback: %w", primaryErr, err)
		}
		s.logger.WithError(err).Warn("Fallback slot read failed")
		return nil, nil
	}
	if snap == nil {
		return nil, nil
	}

	ts, err := time.Parse(timestampLayout, snap.Timestamp)
	if err != nil {
		s.logger.WithError(err).Warn("Fallback slot holds an unparseable timestamp")
		return nil, nil
	}
	// Fallback readings carry no id and were never forwarded.
	return &Reading{BPM: snap.BPM, SpO2: snap.SpO2, Timestamp: ts}, nil
}

// ReadingsInRange returns readings with start <= timestamp <= end, newest
// first, truncated to limit. Zero bounds default to the epoch and now
// respectively. Queries are best-effort: any failure yields an empty slice.
func (s *Store) ReadingsInRange(ctx context.Context, start, end time.Time, limit int) []Reading {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	if end.IsZero() {
		end = s.now()
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bpm, spo2, timestamp, synced FROM readings
		 WHERE timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		start.UTC().Format(timestampLayout), end.UTC().Format(timestampLayout), limit,
	)
	if err != nil {
		s.logger.WithError(err).Warn("Range query failed")
		return nil
	}
	defer rows.Close()

	return collectReadings(rows, s.logger)
}

// UnsyncedReadings returns readings not yet forwarded to the remote sink, in
// insertion order, truncated to limit. Best-effort like ReadingsInRange.
func (s *Store) UnsyncedReadings(ctx context.Context, limit int) []Reading {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bpm, spo2, timestamp, synced FROM readings
		 WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		s.logger.WithError(err).Warn("Unsynced query failed")
		return nil
	}
	defer rows.Close()

	return collectReadings(rows, s.logger)
}

// MarkSynced flags the given readings as forwarded and returns how many rows
// were actually updated. Unknown ids are skipped silently; a per-id write
// failure does not abort the rest. Re-marking an already synced id counts as
// success, so acknowledgment replays are idempotent.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) int {
	updated := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE readings SET synced = 1 WHERE id = ?`, id)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"id":    id,
				"error": err,
			}).Warn("Failed to mark reading synced")
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			updated++
		}
	}
	return updated
}

// PutSetting upserts a setting by key. Values are stored JSON-encoded, so
// anything serializable round-trips.
func (s *Store) PutSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(raw))
	if err != nil {
		return fmt.Errorf("put setting %q: %w", key, err)
	}
	return nil
}

// GetSetting loads a setting into out (a pointer). The ok result is false
// when the key is absent, letting the caller keep its default.
func (s *Store) GetSetting(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("get setting %q: %w", key, err)
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return true, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanReading.
type scanner interface {
	Scan(dest ...any) error
}

func scanReading(sc scanner) (*Reading, error) {
	var (
		r      Reading
		ts     string
		synced int
	)
	if err := sc.Scan(&r.ID, &r.BPM, &r.SpO2, &ts, &synced); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(timestampLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", ts, err)
	}
	r.Timestamp = parsed
	r.Synced = synced != 0
	return &r, nil
}

func collectReadings(rows *sql.Rows, logger *logrus.Logger) []Reading {
	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			logger.WithError(err).Warn("Skipping unreadable row")
			continue
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Warn("Row iteration failed")
	}
	return out
}
