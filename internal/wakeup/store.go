package wakeup

import (
	"context"
	"errors"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// Store is the persistence the orchestrator and scheduler consume. Lookups
// return an error wrapping database.ErrNotFound for missing rows, and
// conditional status updates return database.ErrStatusConflict.
type Store interface {
	GetRoom(ctx context.Context, number string) (*models.Room, error)
	ListAudioMessages(ctx context.Context) ([]models.AudioMessage, error)
	GetAudioMessage(ctx context.Context, id int64) (*models.AudioMessage, error)
	GetAlarm(ctx context.Context, id int64) (*models.Alarm, error)
	ListAlarmsByStatus(ctx context.Context, status models.AlarmStatus) ([]models.Alarm, error)
	CreateAlarm(ctx context.Context, alarm *models.Alarm) error
	UpdateAlarmStatus(ctx context.Context, id int64, status models.AlarmStatus, from ...models.AlarmStatus) error
	AppendCallLog(ctx context.Context, entry *models.CallLog) error
}

var (
	// ErrRoomNotFound is returned when an alarm's room cannot be resolved.
	ErrRoomNotFound = errors.New("room not found")
	// ErrAudioNotFound is returned when an alarm references a missing audio message.
	ErrAudioNotFound = errors.New("audio message not found")
	// ErrAlarmNotFound is returned by manual operations on unknown alarms.
	ErrAlarmNotFound = errors.New("alarm not found")
	// ErrAlarmNotActive is returned when a manual operation does not apply to
	// the alarm's current status.
	ErrAlarmNotActive = errors.New("alarm not active")
)
