package database

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Keys kept in system_config.
const (
	ConfigHotelName = "hotel_name"      // property tag for the call log archive
	ConfigJWTSecret = "jwt_secret"      // generated token key
	ConfigReportDay = "report_last_day" // last day mailed by the daily report
)

// settingsRepo keeps every system_config row in memory. Writes go to the
// table first and update the map only after they succeed.
type settingsRepo struct {
	db *DB

	mu     sync.RWMutex
	values map[string]string
}

// NewSystemConfigRepository loads system_config and returns a repository
// serving reads from memory.
func NewSystemConfigRepository(ctx context.Context, db *DB) (SystemConfigRepository, error) {
	values, err := readSettings(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}
	return &settingsRepo{db: db, values: values}, nil
}

func readSettings(ctx context.Context, db *DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM system_config")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	return values, rows.Err()
}

// Get returns the value for key, or "" when the key was never set.
func (r *settingsRepo) Get(_ context.Context, key string) (string, error) {
	v, _ := r.Lookup(key)
	return v, nil
}

// Lookup reports whether key is set, distinguishing it from an empty value.
func (r *settingsRepo) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Snapshot returns a copy of every stored setting.
func (r *settingsRepo) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.values)
}

func (r *settingsRepo) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting config: empty key")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting config %q: %w", key, err)
	}

	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
	return nil
}
