package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// CallLogMirror receives a copy of every appended call log entry, for example
// a PostgreSQL archive shared by several properties.
type CallLogMirror interface {
	Append(ctx context.Context, entry models.CallLog) error
}

// Store groups the repositories the alarm scheduler and call orchestrator
// consume. Lookups return ErrNotFound instead of nil rows.
type Store struct {
	Rooms    RoomRepository
	Audio    AudioMessageRepository
	Alarms   AlarmRepository
	CallLogs CallLogRepository

	mirror CallLogMirror
	logger *slog.Logger
}

// NewStore builds a Store on top of db.
func NewStore(db *DB, logger *slog.Logger) *Store {
	return &Store{
		Rooms:    NewRoomRepository(db),
		Audio:    NewAudioMessageRepository(db),
		Alarms:   NewAlarmRepository(db),
		CallLogs: NewCallLogRepository(db),
		logger:   logger.With("subsystem", "store"),
	}
}

// SetCallLogMirror attaches a secondary call log destination. Mirror failures
// are logged and never fail the append.
func (s *Store) SetCallLogMirror(m CallLogMirror) {
	s.mirror = m
}

func (s *Store) GetRoom(ctx context.Context, number string) (*models.Room, error) {
	room, err := s.Rooms.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, fmt.Errorf("room %q: %w", number, ErrNotFound)
	}
	return room, nil
}

func (s *Store) ListAudioMessages(ctx context.Context) ([]models.AudioMessage, error) {
	return s.Audio.List(ctx)
}

func (s *Store) GetAudioMessage(ctx context.Context, id int64) (*models.AudioMessage, error) {
	msg, err := s.Audio.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("audio message %d: %w", id, ErrNotFound)
	}
	return msg, nil
}

func (s *Store) GetAlarm(ctx context.Context, id int64) (*models.Alarm, error) {
	alarm, err := s.Alarms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, fmt.Errorf("alarm %d: %w", id, ErrNotFound)
	}
	return alarm, nil
}

func (s *Store) ListAlarmsByStatus(ctx context.Context, status models.AlarmStatus) ([]models.Alarm, error) {
	return s.Alarms.ListByStatus(ctx, status)
}

func (s *Store) CreateAlarm(ctx context.Context, alarm *models.Alarm) error {
	return s.Alarms.Create(ctx, alarm)
}

func (s *Store) UpdateAlarmStatus(ctx context.Context, id int64, status models.AlarmStatus, from ...models.AlarmStatus) error {
	return s.Alarms.UpdateStatus(ctx, id, status, from...)
}

// AppendCallLog writes the entry locally and then to the mirror, if any.
func (s *Store) AppendCallLog(ctx context.Context, entry *models.CallLog) error {
	if err := s.CallLogs.Append(ctx, entry); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.Append(ctx, *entry); err != nil {
			s.logger.Warn("call log mirror append failed", "alarm_id", entry.AlarmID, "error", err)
		}
	}
	return nil
}
