package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// Call log status values.
const (
	CallInitiated = "initiated"
	CallCompleted = "completed"
	CallSnoozed   = "snoozed"
	CallCancelled = "cancelled"
	CallFailed    = "failed"
	CallHangup    = "hangup"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

// Append inserts a call log entry. A zero CallTime is set to now.
func (r *callLogRepo) Append(ctx context.Context, entry *models.CallLog) error {
	if entry.CallTime.IsZero() {
		entry.CallTime = time.Now()
	}
	entry.CallTime = normalizeTime(entry.CallTime)

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_logs (alarm_id, room_number, call_time, response, snooze_minutes, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AlarmID, entry.RoomNumber, entry.CallTime, entry.Response, entry.SnoozeMinutes, entry.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns call log entries matching the filter, newest first, along with
// the total count.
func (r *callLogRepo) List(ctx context.Context, filter CallLogListFilter) ([]models.CallLog, int, error) {
	where := "1=1"
	args := []any{}

	if filter.RoomNumber != "" {
		where += " AND room_number = ?"
		args = append(args, filter.RoomNumber)
	}
	if filter.AlarmID > 0 {
		where += " AND alarm_id = ?"
		args = append(args, filter.AlarmID)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_logs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call logs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, alarm_id, room_number, call_time, response, snooze_minutes, status
		 FROM call_logs WHERE `+where+` ORDER BY call_time DESC, id DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call logs: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLog
	for rows.Next() {
		var c models.CallLog
		if err := rows.Scan(&c.ID, &c.AlarmID, &c.RoomNumber, &c.CallTime, &c.Response,
			&c.SnoozeMinutes, &c.Status); err != nil {
			return nil, 0, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}
	return entries, total, nil
}

// Between returns entries with from <= call_time < to, oldest first.
func (r *callLogRepo) Between(ctx context.Context, from, to time.Time) ([]models.CallLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, alarm_id, room_number, call_time, response, snooze_minutes, status
		 FROM call_logs WHERE call_time >= ? AND call_time < ? ORDER BY call_time, id`,
		normalizeTime(from), normalizeTime(to))
	if err != nil {
		return nil, fmt.Errorf("listing call logs between: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLog
	for rows.Next() {
		var c models.CallLog
		if err := rows.Scan(&c.ID, &c.AlarmID, &c.RoomNumber, &c.CallTime, &c.Response,
			&c.SnoozeMinutes, &c.Status); err != nil {
			return nil, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, c)
	}
	return entries, rows.Err()
}

// DeleteBefore removes entries older than cutoff and returns how many went.
func (r *callLogRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM call_logs WHERE call_time < ?`, normalizeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting call logs: %w", err)
	}
	return result.RowsAffected()
}
