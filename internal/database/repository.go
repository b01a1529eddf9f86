package database

import (
	"context"
	"time"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// SystemConfigRepository manages key-value runtime settings.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Lookup(key string) (string, bool)
	Snapshot() map[string]string
}

// RoomRepository manages hotel rooms and their phone extensions.
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	GetByID(ctx context.Context, id int64) (*models.Room, error)
	GetByNumber(ctx context.Context, number string) (*models.Room, error)
	List(ctx context.Context) ([]models.Room, error)
	Update(ctx context.Context, room *models.Room) error
}

// AudioMessageRepository manages recorded prompt metadata.
type AudioMessageRepository interface {
	Create(ctx context.Context, msg *models.AudioMessage) error
	GetByID(ctx context.Context, id int64) (*models.AudioMessage, error)
	List(ctx context.Context) ([]models.AudioMessage, error)
	Delete(ctx context.Context, id int64) error
}

// AlarmRepository manages wake-up alarms. Alarms are never deleted; status
// transitions are conditional on the current status.
type AlarmRepository interface {
	Create(ctx context.Context, alarm *models.Alarm) error
	GetByID(ctx context.Context, id int64) (*models.Alarm, error)
	ListByStatus(ctx context.Context, status models.AlarmStatus) ([]models.Alarm, error)
	List(ctx context.Context, filter AlarmListFilter) ([]models.Alarm, error)
	UpdateStatus(ctx context.Context, id int64, status models.AlarmStatus, from ...models.AlarmStatus) error
	CountByStatus(ctx context.Context) (map[models.AlarmStatus]int64, error)
}

// AlarmListFilter narrows an alarm listing.
type AlarmListFilter struct {
	RoomNumber string
	Status     models.AlarmStatus
	From       time.Time
	To         time.Time
	Limit      int
}

// CallLogRepository appends, lists and prunes call log entries.
type CallLogRepository interface {
	Append(ctx context.Context, entry *models.CallLog) error
	List(ctx context.Context, filter CallLogListFilter) ([]models.CallLog, int, error)
	Between(ctx context.Context, from, to time.Time) ([]models.CallLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CallLogListFilter narrows and paginates a call log listing.
type CallLogListFilter struct {
	RoomNumber string
	AlarmID    int64
	Limit      int
	Offset     int
}
