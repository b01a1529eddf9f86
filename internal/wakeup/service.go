package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
	"github.com/flowpbx/wakeup/internal/pbx"
)

// Service exposes the manual operations used by the front desk. They follow
// the same status and reschedule rules as an orchestrated call, without the
// phone menu.
type Service struct {
	store    Store
	pbx      *pbx.PBX
	registry *calls.Registry
	policy   SnoozePolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(store Store, p *pbx.PBX, registry *calls.Registry, policy SnoozePolicy, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		pbx:      p,
		registry: registry,
		policy:   policy,
		logger:   logger.With("subsystem", "wakeup"),
		now:      time.Now,
	}
}

// Policy returns the manual snooze policy.
func (s *Service) Policy() SnoozePolicy { return s.policy }

// CreateAlarmRequest holds the fields of a new alarm.
type CreateAlarmRequest struct {
	RoomNumber     string
	AlarmTime      time.Time
	AudioMessageID *int64
}

// CreateAlarm schedules a wake-up call for an existing room.
func (s *Service) CreateAlarm(ctx context.Context, req CreateAlarmRequest) (*models.Alarm, error) {
	if req.AlarmTime.IsZero() {
		return nil, fmt.Errorf("alarm time is required")
	}
	if _, err := s.store.GetRoom(ctx, req.RoomNumber); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, req.RoomNumber)
		}
		return nil, err
	}
	if req.AudioMessageID != nil {
		if _, err := s.store.GetAudioMessage(ctx, *req.AudioMessageID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, fmt.Errorf("%w: id %d", ErrAudioNotFound, *req.AudioMessageID)
			}
			return nil, err
		}
	}

	alarm := &models.Alarm{
		RoomNumber:     req.RoomNumber,
		AlarmTime:      req.AlarmTime,
		AudioMessageID: req.AudioMessageID,
		Status:         models.AlarmScheduled,
	}
	if err := s.store.CreateAlarm(ctx, alarm); err != nil {
		return nil, fmt.Errorf("creating alarm: %w", err)
	}
	s.logger.Info("alarm created", "alarm_id", alarm.ID, "room", alarm.RoomNumber, "time", alarm.AlarmTime)
	return alarm, nil
}

// snoozable lists the statuses a manual snooze applies to.
var snoozable = []models.AlarmStatus{models.AlarmScheduled, models.AlarmExecuting, models.AlarmCompleted}

// SnoozeAlarm postpones an alarm by minutes and returns the successor. The new
// time counts from now, or from the alarm time if that is still ahead.
func (s *Service) SnoozeAlarm(ctx context.Context, id int64, minutes int) (*models.Alarm, error) {
	alarm, err := s.getAlarm(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Check(minutes, alarm.SnoozeCount); err != nil {
		return nil, err
	}

	from := s.now()
	if alarm.AlarmTime.After(from) {
		from = alarm.AlarmTime
	}

	if err := s.store.UpdateAlarmStatus(ctx, id, models.AlarmSnoozed, snoozable...); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: alarm %d is %s", ErrAlarmNotActive, id, alarm.Status)
		}
		return nil, fmt.Errorf("snoozing alarm %d: %w", id, err)
	}

	next := Successor(*alarm, minutes, from)
	if err := s.store.CreateAlarm(ctx, &next); err != nil {
		return nil, fmt.Errorf("creating snoozed alarm: %w", err)
	}

	m := minutes
	s.appendLog(ctx, &models.CallLog{
		AlarmID:       id,
		RoomNumber:    alarm.RoomNumber,
		SnoozeMinutes: &m,
		Status:        database.CallSnoozed,
	})
	s.logger.Info("alarm snoozed manually", "alarm_id", id, "minutes", minutes, "next_alarm_id", next.ID, "next_time", next.AlarmTime)
	return &next, nil
}

// CancelAlarm cancels a scheduled or ringing alarm. A ringing call for the
// alarm is hung up.
func (s *Service) CancelAlarm(ctx context.Context, id int64) error {
	alarm, err := s.getAlarm(ctx, id)
	if err != nil {
		return err
	}
	err = s.store.UpdateAlarmStatus(ctx, id, models.AlarmCancelled, models.AlarmScheduled, models.AlarmExecuting)
	if err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return fmt.Errorf("%w: alarm %d is %s", ErrAlarmNotActive, id, alarm.Status)
		}
		return fmt.Errorf("cancelling alarm %d: %w", id, err)
	}
	s.appendLog(ctx, &models.CallLog{AlarmID: id, RoomNumber: alarm.RoomNumber, Status: database.CallCancelled})

	for _, c := range s.registry.List() {
		if c.AlarmID != id {
			continue
		}
		if _, err := s.registry.End(ctx, c.Extension); err != nil {
			s.logger.Warn("hanging up cancelled alarm call failed", "alarm_id", id, "extension", c.Extension, "error", err)
		}
	}
	s.logger.Info("alarm cancelled", "alarm_id", id, "room", alarm.RoomNumber)
	return nil
}

// AlarmState is an alarm together with its live call, if any.
type AlarmState struct {
	Alarm      models.Alarm
	ActiveCall *calls.Call
}

// AlarmStatus returns the stored alarm and its ringing call.
func (s *Service) AlarmStatus(ctx context.Context, id int64) (*AlarmState, error) {
	alarm, err := s.getAlarm(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &AlarmState{Alarm: *alarm}
	for _, c := range s.registry.List() {
		if c.AlarmID == id {
			call := c
			st.ActiveCall = &call
			break
		}
	}
	return st, nil
}

// ActiveCalls returns a snapshot of the calls in progress.
func (s *Service) ActiveCalls() []calls.Call {
	return s.registry.List()
}

// HangupCall ends the call ringing on ext.
func (s *Service) HangupCall(ctx context.Context, ext string) (*calls.Call, error) {
	c, err := s.registry.End(ctx, ext)
	if err != nil {
		return nil, err
	}
	s.appendLog(ctx, &models.CallLog{AlarmID: c.AlarmID, RoomNumber: c.RoomNumber, Status: database.CallHangup})
	return &c, nil
}

// TestPBXConnection checks that commands reach the PBX.
func (s *Service) TestPBXConnection(ctx context.Context) error {
	return s.pbx.TestConnection(ctx)
}

func (s *Service) getAlarm(ctx context.Context, id int64) (*models.Alarm, error) {
	alarm, err := s.store.GetAlarm(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAlarmNotFound, id)
		}
		return nil, err
	}
	return alarm, nil
}

func (s *Service) appendLog(ctx context.Context, entry *models.CallLog) {
	entry.CallTime = s.now()
	if err := s.store.AppendCallLog(ctx, entry); err != nil {
		s.logger.Warn("appending call log failed", "alarm_id", entry.AlarmID, "status", entry.Status, "error", err)
	}
}
