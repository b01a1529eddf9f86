package models

import "time"

// Room represents a hotel room and the phone that rings for it.
type Room struct {
	ID             int64
	RoomNumber     string
	PhoneExtension string // empty means the room number is dialed
	Description    string
	Language       string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DialTarget returns the extension to call for the room.
func (r *Room) DialTarget() string {
	if r.PhoneExtension != "" {
		return r.PhoneExtension
	}
	return r.RoomNumber
}

// Audio message action types.
const (
	ActionWakeUp        = "wake_up"
	ActionSnoozeConfirm = "snooze_confirm"
	ActionGoodbye       = "goodbye"
)

// AudioMessage represents a recorded prompt stored on the service host.
type AudioMessage struct {
	ID         int64
	Name       string
	FilePath   string
	Duration   float64 // seconds
	Category   string
	Language   string
	ActionType string
	CreatedAt  time.Time
}

// AlarmStatus is the lifecycle state of an alarm row.
type AlarmStatus string

const (
	AlarmScheduled AlarmStatus = "scheduled"
	AlarmExecuting AlarmStatus = "executing"
	AlarmCompleted AlarmStatus = "completed"
	AlarmFailed    AlarmStatus = "failed"
	AlarmSnoozed   AlarmStatus = "snoozed"
	AlarmCancelled AlarmStatus = "cancelled"
)

// Valid reports whether s is a known alarm status.
func (s AlarmStatus) Valid() bool {
	switch s {
	case AlarmScheduled, AlarmExecuting, AlarmCompleted, AlarmFailed, AlarmSnoozed, AlarmCancelled:
		return true
	}
	return false
}

// Alarm represents a scheduled wake-up call.
type Alarm struct {
	ID             int64
	RoomNumber     string
	AlarmTime      time.Time
	AudioMessageID *int64
	Status         AlarmStatus
	SnoozeCount    int
	ParentAlarmID  *int64 // alarm this one was snoozed from
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CallLog is an append-only record of a wake-up call transition.
type CallLog struct {
	ID            int64
	AlarmID       int64
	RoomNumber    string
	CallTime      time.Time
	Response      string // digit pressed, if any
	SnoozeMinutes *int
	Status        string
}
