package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// alarmRepo implements AlarmRepository.
type alarmRepo struct {
	db *DB
}

// NewAlarmRepository creates a new AlarmRepository.
func NewAlarmRepository(db *DB) AlarmRepository {
	return &alarmRepo{db: db}
}

const alarmColumns = `id, room_number, alarm_time, audio_message_id, status, snooze_count,
	parent_alarm_id, created_at, updated_at`

// normalizeTime stores alarm times in UTC at second precision so that text
// comparison in SQLite orders them chronologically.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Create inserts a new alarm. An empty status defaults to scheduled.
func (r *alarmRepo) Create(ctx context.Context, alarm *models.Alarm) error {
	if alarm.Status == "" {
		alarm.Status = models.AlarmScheduled
	}
	alarm.AlarmTime = normalizeTime(alarm.AlarmTime)

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO alarms (room_number, alarm_time, audio_message_id, status, snooze_count,
		 parent_alarm_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		alarm.RoomNumber, alarm.AlarmTime, alarm.AudioMessageID, string(alarm.Status),
		alarm.SnoozeCount, alarm.ParentAlarmID,
	)
	if err != nil {
		return fmt.Errorf("inserting alarm: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	alarm.ID = id
	return nil
}

// GetByID returns an alarm by ID, or nil when it does not exist.
func (r *alarmRepo) GetByID(ctx context.Context, id int64) (*models.Alarm, error) {
	a, err := scanAlarm(r.db.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning alarm: %w", err)
	}
	return a, nil
}

// ListByStatus returns alarms in the given status ordered by alarm time.
func (r *alarmRepo) ListByStatus(ctx context.Context, status models.AlarmStatus) ([]models.Alarm, error) {
	return r.query(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE status = ? ORDER BY alarm_time, id`,
		string(status))
}

// List returns alarms matching the filter, most recent alarm time first.
func (r *alarmRepo) List(ctx context.Context, filter AlarmListFilter) ([]models.Alarm, error) {
	where := "1=1"
	args := []any{}

	if filter.RoomNumber != "" {
		where += " AND room_number = ?"
		args = append(args, filter.RoomNumber)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		where += " AND alarm_time >= ?"
		args = append(args, normalizeTime(filter.From))
	}
	if !filter.To.IsZero() {
		where += " AND alarm_time <= ?"
		args = append(args, normalizeTime(filter.To))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	return r.query(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE `+where+` ORDER BY alarm_time DESC, id DESC LIMIT ?`,
		args...)
}

// UpdateStatus sets the alarm status. When from is non-empty the update only
// applies while the alarm is in one of those states; otherwise it returns
// ErrStatusConflict. A missing alarm returns ErrNotFound.
func (r *alarmRepo) UpdateStatus(ctx context.Context, id int64, status models.AlarmStatus, from ...models.AlarmStatus) error {
	query := `UPDATE alarms SET status = ?, updated_at = datetime('now') WHERE id = ?`
	args := []any{string(status), id}
	if len(from) > 0 {
		placeholders := make([]string, len(from))
		for i, s := range from {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating alarm status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM alarms WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("alarm %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading alarm status: %w", err)
	}
	return fmt.Errorf("alarm %d is %s: %w", id, current, ErrStatusConflict)
}

// CountByStatus returns the number of alarms per status.
func (r *alarmRepo) CountByStatus(ctx context.Context) (map[models.AlarmStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM alarms GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting alarms: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AlarmStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning alarm count: %w", err)
		}
		counts[models.AlarmStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *alarmRepo) query(ctx context.Context, query string, args ...any) ([]models.Alarm, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alarms: %w", err)
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		a, err := scanAlarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alarm row: %w", err)
		}
		alarms = append(alarms, *a)
	}
	return alarms, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row rowScanner) (*models.Alarm, error) {
	var a models.Alarm
	var status string
	if err := row.Scan(&a.ID, &a.RoomNumber, &a.AlarmTime, &a.AudioMessageID, &status,
		&a.SnoozeCount, &a.ParentAlarmID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = models.AlarmStatus(status)
	a.AlarmTime = a.AlarmTime.UTC()
	return &a, nil
}
