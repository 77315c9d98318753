// Package store persists call records and processed-event identifiers in a
// local SQLite database: an append-only log the call manager writes through
// and reconstructs its runtime state from at startup.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voicebridge/voicebridge/internal/call"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sql.DB connection and implements call.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the SQLite database under dataDir with WAL mode
// enabled and runs any pending migrations.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "voicebridge.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("subsystem", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("store opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		// Embedded paths are always slash-separated, regardless of platform.
		content, err := migrationsFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}

	return nil
}

// Load reconstructs runtime state: non-terminal call records, the
// provider-call-id index, the processed-event dedup set, and the set of
// already-rejected provider calls.
func (s *Store) Load(ctx context.Context) (*call.Snapshot, error) {
	snap := &call.Snapshot{
		ActiveCalls:             make(map[string]*call.Record),
		ProviderCallIDs:         make(map[string]string),
		ProcessedEventIDs:       make(map[string]struct{}),
		RejectedProviderCallIDs: make(map[string]struct{}),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, provider_call_id, direction, from_addr, to_addr,
		 state, end_reason, started_at, ended_at, metadata, transcript
		 FROM calls WHERE state NOT IN (?, ?)`,
		string(call.StateEnded), string(call.StateFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("loading active calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		snap.ActiveCalls[rec.CallID] = rec
		if rec.ProviderCallID != "" {
			snap.ProviderCallIDs[rec.ProviderCallID] = rec.CallID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}

	eventRows, err := s.db.QueryContext(ctx, `SELECT event_id FROM processed_events`)
	if err != nil {
		return nil, fmt.Errorf("loading processed events: %w", err)
	}
	defer eventRows.Close()
	for eventRows.Next() {
		var id string
		if err := eventRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning event id: %w", err)
		}
		snap.ProcessedEventIDs[id] = struct{}{}
	}
	if err := eventRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	rejRows, err := s.db.QueryContext(ctx, `SELECT provider_call_id FROM rejected_calls`)
	if err != nil {
		return nil, fmt.Errorf("loading rejected calls: %w", err)
	}
	defer rejRows.Close()
	for rejRows.Next() {
		var id string
		if err := rejRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning rejected call id: %w", err)
		}
		snap.RejectedProviderCallIDs[id] = struct{}{}
	}
	if err := rejRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rejected call rows: %w", err)
	}

	return snap, nil
}

// AppendEvent durably records a processed event id. Appending the same id
// twice is harmless; the row is the dedup authority.
func (s *Store) AppendEvent(ctx context.Context, ev *call.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, provider_call_id, kind, received_at)
		 VALUES (?, ?, ?, ?)`,
		ev.EventID, ev.ProviderCallID, string(ev.Kind), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// SaveCall persists the current state of a call record, inserting on first
// save and updating afterwards.
func (s *Store) SaveCall(ctx context.Context, rec *call.Record) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	transcript, err := json.Marshal(rec.Transcript)
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, provider_call_id, direction, from_addr, to_addr,
		 state, end_reason, started_at, ended_at, metadata, transcript, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET
		 provider_call_id = excluded.provider_call_id,
		 state = excluded.state,
		 end_reason = excluded.end_reason,
		 ended_at = excluded.ended_at,
		 metadata = excluded.metadata,
		 transcript = excluded.transcript,
		 updated_at = excluded.updated_at`,
		rec.CallID, rec.ProviderCallID, string(rec.Direction), rec.From, rec.To,
		string(rec.State), string(rec.EndReason), rec.StartedAt.UTC(), endedAt,
		string(metadata), string(transcript), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving call %s: %w", rec.CallID, err)
	}
	return nil
}

// MarkRejected durably records a rejected inbound provider call.
func (s *Store) MarkRejected(ctx context.Context, providerCallID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rejected_calls (provider_call_id, rejected_at) VALUES (?, ?)`,
		providerCallID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking call rejected: %w", err)
	}
	return nil
}

// History returns the most recent call records, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_id, provider_call_id, direction, from_addr, to_addr,
		 state, end_reason, started_at, ended_at, metadata, transcript
		 FROM calls ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call history: %w", err)
	}
	defer rows.Close()

	var recs []call.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return recs, nil
}

// scanRecord decodes one calls row.
func scanRecord(rows *sql.Rows) (*call.Record, error) {
	var (
		rec        call.Record
		direction  string
		state      string
		endReason  string
		endedAt    sql.NullTime
		metadata   string
		transcript string
	)
	if err := rows.Scan(&rec.CallID, &rec.ProviderCallID, &direction, &rec.From,
		&rec.To, &state, &endReason, &rec.StartedAt, &endedAt,
		&metadata, &transcript); err != nil {
		return nil, fmt.Errorf("scanning call row: %w", err)
	}

	rec.Direction = call.Direction(direction)
	rec.State = call.State(state)
	rec.EndReason = call.EndReason(endReason)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", rec.CallID, err)
		}
	}
	if transcript != "" && transcript != "null" {
		if err := json.Unmarshal([]byte(transcript), &rec.Transcript); err != nil {
			return nil, fmt.Errorf("decoding transcript for %s: %w", rec.CallID, err)
		}
	}
	return &rec, nil
}
