// Package pgstore archives call log entries in PostgreSQL so that several
// properties can report from one place.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flowpbx/wakeup/internal/database/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.CallLogMirror on PostgreSQL.
type Store struct {
	db       *sql.DB
	property string
	logger   *slog.Logger
}

// New opens a PostgreSQL connection and runs pending migrations. Entries are
// tagged with property.
func New(ctx context.Context, dsn, property string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, property: property, logger: logger.With("subsystem", "calllog_archive")}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("call log archive opened", "property", property)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
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

// Append copies a call log entry into the archive. Re-sending an entry that
// is already archived is a no-op.
func (s *Store) Append(ctx context.Context, e models.CallLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_log_archive
		   (property, local_id, alarm_id, room_number, call_time, response, snooze_minutes, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (property, local_id) DO NOTHING`,
		s.property, e.ID, e.AlarmID, e.RoomNumber, e.CallTime.UTC(), e.Response, e.SnoozeMinutes, e.Status,
	)
	if err != nil {
		return fmt.Errorf("archiving call log %d: %w", e.ID, err)
	}
	return nil
}

// CountSince returns the number of archived entries for this property since t,
// grouped by status.
func (s *Store) CountSince(ctx context.Context, t time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM call_log_archive
		 WHERE property = $1 AND call_time >= $2
		 GROUP BY status`,
		s.property, t.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("counting archived call logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning archive count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
